package models

import "time"

const (
	ConversationStandalone = "standalone"
	ConversationLinked     = "linked"
	ConversationPending    = "pending"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Conversation struct {
	ID                 string
	UserID             string
	Source             string
	Summary            string
	Topics             []string
	Entities           []string
	Messages           []Message
	MessageCount       int
	Embedding          []float32
	SessionID          string
	SuggestedSessionID string
	Status             string
	KnowledgeExtracted bool
	CreatedAt          time.Time
}

type Session struct {
	ID                string
	UserID            string
	Name              string
	Description       string
	Topics            []string
	Entities          []string
	Embedding         []float32
	ConversationCount int
	LastActivity      time.Time
	// Version is the optimistic-concurrency token guarding the running-mean
	// embedding update. Writers must present the version they read.
	Version   int64
	CreatedAt time.Time
}

type ConversationChunk struct {
	ID             string
	ConversationID string
	ChunkIndex     int
	Text           string
	SpanStart      int
	SpanEnd        int
	EmbeddingID    string
	CreatedAt      time.Time
}
