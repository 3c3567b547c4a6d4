// Package ingestion runs the full intake pipeline for a conversation:
// normalize, summarize, embed, match against sessions, chunk, index,
// and extract knowledge.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/cache/redis"
	"github.com/symmetry-ai/backend/internal/chunking"
	"github.com/symmetry-ai/backend/internal/kg/classifier"
	"github.com/symmetry-ai/backend/internal/kg/neo4j"
	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/internal/session"
	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/logger"
	"github.com/symmetry-ai/backend/pkg/utils"
)

var ErrEmptyConversation = errors.New("conversation has no content")

const embeddingCacheTTL = 24 * time.Hour

type Processor struct {
	db       *sqlite.Client
	vectorDB *milvus.Client
	graph    *neo4j.Client
	llm      *llm.Client
	cache    *redis.Client
	matcher  *session.Matcher
	chunker  *chunking.Chunker
}

type Request struct {
	UserID    string
	Source    string
	Messages  []models.Message
	SessionID string
	AutoLink  bool
}

type Result struct {
	ConversationID     string
	Outcome            session.Outcome
	SessionID          string
	SuggestedSessionID string
	Confidence         float64
	ChunkCount         int
	KnowledgeExtracted bool
}

func NewProcessor(db *sqlite.Client, vectorDB *milvus.Client, graph *neo4j.Client, llmClient *llm.Client, cache *redis.Client, matcher *session.Matcher, chunker *chunking.Chunker) *Processor {
	return &Processor{
		db:       db,
		vectorDB: vectorDB,
		graph:    graph,
		llm:      llmClient,
		cache:    cache,
		matcher:  matcher,
		chunker:  chunker,
	}
}

func (p *Processor) Ingest(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	result, err := p.ingest(ctx, req)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IngestDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())

	return result, err
}

func (p *Processor) ingest(ctx context.Context, req Request) (*Result, error) {
	messages := normalizeMessages(req.Messages)
	if len(messages) == 0 {
		return nil, ErrEmptyConversation
	}

	convID := uuid.New().String()
	now := time.Now()

	logger.Info("Ingesting conversation",
		zap.String("conversation_id", convID),
		zap.String("user_id", req.UserID),
		zap.Int("messages", len(messages)),
	)

	transcript, _ := chunking.RenderTranscript(messages)

	// Summarization failure degrades: the conversation still lands,
	// just without topics/entities until a re-run.
	digest, err := p.llm.SummarizeConversation(ctx, messages)
	if err != nil {
		logger.Warn("Summarization failed, storing without digest", zap.Error(err))
		digest = &llm.ConversationDigest{}
	}

	embedding, err := p.embedWithCache(ctx, transcript)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ID:           convID,
		UserID:       req.UserID,
		Source:       req.Source,
		Summary:      digest.Summary,
		Topics:       digest.Topics,
		Entities:     digest.Entities,
		Messages:     messages,
		MessageCount: len(messages),
		Embedding:    embedding,
		Status:       models.ConversationStandalone,
		CreatedAt:    now,
	}

	if err := p.db.InsertConversation(conv); err != nil {
		return nil, err
	}

	result := &Result{
		ConversationID: convID,
		Outcome:        session.OutcomeStandalone,
	}

	if req.SessionID != "" {
		if err := p.matcher.Link(ctx, conv, req.SessionID, now); err != nil {
			return nil, err
		}
		result.Outcome = session.OutcomeAutoLink
		result.SessionID = req.SessionID
	} else {
		match, err := p.matcher.Match(ctx, req.UserID, embedding, now, req.AutoLink)
		if err != nil {
			return nil, err
		}

		result.Confidence = match.Confidence
		switch match.Outcome {
		case session.OutcomeAutoLink:
			if err := p.matcher.Link(ctx, conv, match.SessionID, now); err != nil {
				return nil, err
			}
			result.Outcome = session.OutcomeAutoLink
			result.SessionID = match.SessionID
		case session.OutcomeSuggest:
			if err := p.db.SetSuggestedSession(convID, req.UserID, match.SessionID); err != nil {
				return nil, err
			}
			result.Outcome = session.OutcomeSuggest
			result.SuggestedSessionID = match.SessionID
		}
	}
	metrics.MatchOutcomes.WithLabelValues(string(result.Outcome)).Inc()

	chunkCount, err := p.chunkAndIndex(ctx, conv, transcript, now)
	if err != nil {
		return nil, err
	}
	result.ChunkCount = chunkCount

	result.KnowledgeExtracted = p.extractKnowledge(ctx, conv, now)

	if err := p.cache.InvalidateRecommendations(ctx, req.UserID); err != nil {
		logger.Warn("Failed to invalidate recommendation cache", zap.Error(err))
	}

	logger.Info("Conversation ingested",
		zap.String("conversation_id", convID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("chunks", chunkCount),
		zap.Bool("knowledge_extracted", result.KnowledgeExtracted),
	)

	return result, nil
}

func (p *Processor) embedWithCache(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if cached, ok, err := p.cache.GetEmbedding(ctx, key); err == nil && ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	started := time.Now()
	embedding, err := p.llm.GenerateEmbedding(ctx, text)
	metrics.EmbeddingDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	if err := p.cache.SetEmbedding(ctx, key, embedding, embeddingCacheTTL); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}

	return embedding, nil
}

func (p *Processor) chunkAndIndex(ctx context.Context, conv *models.Conversation, transcript string, now time.Time) (int, error) {
	chunks, err := p.chunker.SplitConversation(conv.Messages)
	if err != nil {
		return 0, fmt.Errorf("failed to chunk conversation: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	embeddings, err := p.llm.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	records := make([]milvus.Record, 0, len(chunks)+1)
	for i, ch := range chunks {
		chunkID := fmt.Sprintf("%s_chunk_%d", conv.ID, ch.Index)

		if err := p.db.InsertChunk(&models.ConversationChunk{
			ID:             chunkID,
			ConversationID: conv.ID,
			ChunkIndex:     ch.Index,
			Text:           ch.Text,
			SpanStart:      ch.SpanStart,
			SpanEnd:        ch.SpanEnd,
			EmbeddingID:    chunkID,
			CreatedAt:      now,
		}); err != nil {
			return 0, err
		}

		records = append(records, milvus.Record{
			ID:        chunkID,
			UserID:    conv.UserID,
			Kind:      milvus.KindChunk,
			RefID:     conv.ID,
			Text:      ch.Text,
			Embedding: embeddings[i],
			Timestamp: now,
		})
	}

	records = append(records, milvus.Record{
		ID:        "conversation:" + conv.ID,
		UserID:    conv.UserID,
		Kind:      milvus.KindConversation,
		RefID:     conv.ID,
		Text:      firstN(transcript, 2000),
		Embedding: conv.Embedding,
		Timestamp: now,
	})

	if err := p.vectorDB.Insert(ctx, records); err != nil {
		return 0, err
	}

	metrics.ChunksPerConversation.Observe(float64(len(chunks)))

	return len(chunks), nil
}

// extractKnowledge classifies extracted triples into the graph. Any
// failure here leaves the conversation marked for later re-extraction
// and never fails the ingest.
func (p *Processor) extractKnowledge(ctx context.Context, conv *models.Conversation, now time.Time) bool {
	triples, err := p.llm.ExtractTriples(ctx, conv.Messages)
	if err != nil {
		logger.Warn("Triple extraction failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		p.markExtraction(conv.ID, false)
		return false
	}

	prov := classifier.Provenance{
		ConversationID: conv.ID,
		Platform:       conv.Source,
	}

	for _, t := range triples {
		assertion := classifier.Classify(classifier.RawTriple{
			Subject:    t.Subject,
			Predicate:  t.Predicate,
			Object:     t.Object,
			SourceText: t.SourceText,
		}, prov, now)

		if err := p.graph.UpsertAssertion(ctx, conv.UserID, assertion); err != nil {
			logger.Warn("Assertion write failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			p.markExtraction(conv.ID, false)
			return false
		}
		metrics.AssertionsClassified.WithLabelValues(string(assertion.Status)).Inc()
	}

	if len(conv.Entities) > 1 {
		if err := p.graph.LinkRelatedEntities(ctx, conv.UserID, conv.Entities); err != nil {
			logger.Warn("Entity linking failed", zap.Error(err))
		}
	}

	p.markExtraction(conv.ID, true)
	return true
}

func (p *Processor) markExtraction(conversationID string, extracted bool) {
	if err := p.db.MarkKnowledgeExtracted(conversationID, extracted); err != nil {
		logger.Error("Failed to mark knowledge extraction", zap.Error(err))
	}
}

var whitespaceRe = regexp.MustCompile(`[ \t]+`)

// normalizeMessages strips HTML out of pasted chat exports and drops
// empty turns.
func normalizeMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if looksLikeHTML(content) {
			content = stripHTML(content)
		}
		if !strings.Contains(content, "```") {
			content = whitespaceRe.ReplaceAllString(content, " ")
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = "user"
		}

		out = append(out, models.Message{Role: role, Content: content})
	}
	return out
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "</") || strings.Contains(s, "<p>") || strings.Contains(s, "<div")
}

func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return doc.Text()
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
