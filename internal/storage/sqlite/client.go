package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/pkg/logger"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrVersionConflict reports that a session aggregate changed under a
	// writer. Callers re-read and retry instead of blocking.
	ErrVersionConflict = errors.New("session version conflict")
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		topics TEXT,
		entities TEXT,
		embedding TEXT,
		conversation_count INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source TEXT,
		summary TEXT,
		topics TEXT,
		entities TEXT,
		raw_messages TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		embedding TEXT,
		session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		suggested_session_id TEXT,
		status TEXT NOT NULL,
		knowledge_extracted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

	CREATE TABLE IF NOT EXISTS conversation_chunks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		span_start INTEGER NOT NULL,
		span_end INTEGER NOT NULL,
		embedding_id TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON conversation_chunks(conversation_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func marshalJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func (c *Client) InsertSession(session *models.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, name, description, topics, entities, embedding,
			conversation_count, last_activity, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		session.ID,
		session.UserID,
		session.Name,
		session.Description,
		marshalJSON(session.Topics),
		marshalJSON(session.Entities),
		marshalJSON(session.Embedding),
		session.ConversationCount,
		session.LastActivity.Unix(),
		session.Version,
		session.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	logger.Debug("Session inserted", zap.String("session_id", session.ID))
	return nil
}

func (c *Client) scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var topics, entities, embedding string
	var lastActivity, createdAt int64
	var description sql.NullString

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Name,
		&description,
		&topics,
		&entities,
		&embedding,
		&s.ConversationCount,
		&lastActivity,
		&s.Version,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.Description = description.String
	json.Unmarshal([]byte(topics), &s.Topics)
	json.Unmarshal([]byte(entities), &s.Entities)
	json.Unmarshal([]byte(embedding), &s.Embedding)
	s.LastActivity = time.Unix(lastActivity, 0)
	s.CreatedAt = time.Unix(createdAt, 0)

	return &s, nil
}

func (c *Client) GetSession(id, userID string) (*models.Session, error) {
	query := `
		SELECT id, user_id, name, description, topics, entities, embedding,
			conversation_count, last_activity, version, created_at
		FROM sessions WHERE id = ? AND user_id = ?
	`
	return c.scanSession(c.db.QueryRow(query, id, userID))
}

func (c *Client) ListSessions(userID string, limit int) ([]models.Session, error) {
	query := `
		SELECT id, user_id, name, description, topics, entities, embedding,
			conversation_count, last_activity, version, created_at
		FROM sessions WHERE user_id = ?
		ORDER BY last_activity DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var topics, entities, embedding string
		var lastActivity, createdAt int64
		var description sql.NullString

		err := rows.Scan(&s.ID, &s.UserID, &s.Name, &description, &topics, &entities,
			&embedding, &s.ConversationCount, &lastActivity, &s.Version, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		s.Description = description.String
		json.Unmarshal([]byte(topics), &s.Topics)
		json.Unmarshal([]byte(entities), &s.Entities)
		json.Unmarshal([]byte(embedding), &s.Embedding)
		s.LastActivity = time.Unix(lastActivity, 0)
		s.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, s)
	}

	return sessions, nil
}

// DeleteSession removes the session; member conversations are not
// deleted, they revert to standalone in the same transaction.
func (c *Client) DeleteSession(id, userID string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE conversations SET session_id = NULL, status = ?
		 WHERE session_id = ? AND user_id = ?`,
		models.ConversationStandalone, id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to unlink conversations: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// DeleteConversation removes a conversation and its chunks. Graph
// assertions extracted from it stay in place. A linked session's
// conversation count is recounted in the same transaction.
func (c *Client) DeleteConversation(id, userID string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID sql.NullString
	err = tx.QueryRow(
		`SELECT session_id FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if sessionID.Valid {
		_, err = tx.Exec(
			`UPDATE sessions
			 SET conversation_count = (SELECT COUNT(*) FROM conversations WHERE session_id = ?)
			 WHERE id = ? AND user_id = ?`,
			sessionID.String, sessionID.String, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logger.Info("Conversation deleted", zap.String("conversation_id", id))
	return nil
}

// UpdateSessionAggregate replaces the session's mean embedding, member
// count, last activity and merged topic/entity sets, but only if the
// session still carries expectVersion. A concurrent writer wins the race
// and the caller gets ErrVersionConflict to re-read and retry.
func (c *Client) UpdateSessionAggregate(id, userID string, embedding []float32, conversationCount int, topics, entities []string, lastActivity time.Time, expectVersion int64) error {
	query := `
		UPDATE sessions
		SET embedding = ?, conversation_count = ?, topics = ?, entities = ?,
			last_activity = ?, version = version + 1
		WHERE id = ? AND user_id = ? AND version = ?
	`

	result, err := c.db.Exec(
		query,
		marshalJSON(embedding),
		conversationCount,
		marshalJSON(topics),
		marshalJSON(entities),
		lastActivity.Unix(),
		id,
		userID,
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update session aggregate: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if _, getErr := c.GetSession(id, userID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}

	logger.Debug("Session aggregate updated",
		zap.String("session_id", id),
		zap.Int("conversation_count", conversationCount),
	)
	return nil
}

func (c *Client) InsertConversation(conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, source, summary, topics, entities, raw_messages,
			message_count, embedding, session_id, suggested_session_id, status, knowledge_extracted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	extracted := 0
	if conv.KnowledgeExtracted {
		extracted = 1
	}

	_, err := c.db.Exec(
		query,
		conv.ID,
		conv.UserID,
		conv.Source,
		conv.Summary,
		marshalJSON(conv.Topics),
		marshalJSON(conv.Entities),
		marshalJSON(conv.Messages),
		conv.MessageCount,
		marshalJSON(conv.Embedding),
		nullable(conv.SessionID),
		nullable(conv.SuggestedSessionID),
		conv.Status,
		extracted,
		conv.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	logger.Debug("Conversation inserted",
		zap.String("conversation_id", conv.ID),
		zap.String("status", conv.Status),
	)
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (c *Client) GetConversation(id, userID string) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, source, summary, topics, entities, raw_messages, message_count,
			embedding, session_id, suggested_session_id, status, knowledge_extracted, created_at
		FROM conversations WHERE id = ? AND user_id = ?
	`

	var conv models.Conversation
	var topics, entities, rawMessages, embedding string
	var sessionID, suggestedID sql.NullString
	var extracted int
	var createdAt int64

	err := c.db.QueryRow(query, id, userID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Source,
		&conv.Summary,
		&topics,
		&entities,
		&rawMessages,
		&conv.MessageCount,
		&embedding,
		&sessionID,
		&suggestedID,
		&conv.Status,
		&extracted,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	json.Unmarshal([]byte(topics), &conv.Topics)
	json.Unmarshal([]byte(entities), &conv.Entities)
	json.Unmarshal([]byte(rawMessages), &conv.Messages)
	json.Unmarshal([]byte(embedding), &conv.Embedding)
	conv.SessionID = sessionID.String
	conv.SuggestedSessionID = suggestedID.String
	conv.KnowledgeExtracted = extracted == 1
	conv.CreatedAt = time.Unix(createdAt, 0)

	return &conv, nil
}

// LinkConversationToSession points the conversation at the session and
// recounts the session's members in the same transaction, so the
// conversation_count invariant holds even under concurrent links.
func (c *Client) LinkConversationToSession(conversationID, userID, sessionID string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE conversations SET session_id = ?, suggested_session_id = NULL, status = ?
		 WHERE id = ? AND user_id = ?`,
		sessionID, models.ConversationLinked, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to link conversation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrConversationNotFound
	}

	_, err = tx.Exec(
		`UPDATE sessions
		 SET conversation_count = (SELECT COUNT(*) FROM conversations WHERE session_id = ?),
		     last_activity = ?
		 WHERE id = ? AND user_id = ?`,
		sessionID, time.Now().Unix(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit link: %w", err)
	}

	logger.Info("Conversation linked to session",
		zap.String("conversation_id", conversationID),
		zap.String("session_id", sessionID),
	)
	return nil
}

func (c *Client) SetSuggestedSession(conversationID, userID, sessionID string) error {
	result, err := c.db.Exec(
		`UPDATE conversations SET suggested_session_id = ?, status = ? WHERE id = ? AND user_id = ?`,
		sessionID, models.ConversationPending, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set suggested session: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (c *Client) RejectSuggestion(conversationID, userID string) error {
	result, err := c.db.Exec(
		`UPDATE conversations SET suggested_session_id = NULL, status = ?
		 WHERE id = ? AND user_id = ? AND status = ?`,
		models.ConversationStandalone, conversationID, userID, models.ConversationPending,
	)
	if err != nil {
		return fmt.Errorf("failed to reject suggestion: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrConversationNotFound
	}

	logger.Info("Session suggestion rejected", zap.String("conversation_id", conversationID))
	return nil
}

// SessionMemberEmbeddings returns the embeddings of every conversation
// linked to the session, the inputs for the running-mean recompute.
func (c *Client) SessionMemberEmbeddings(sessionID, userID string) ([][]float32, error) {
	query := `SELECT embedding FROM conversations WHERE session_id = ? AND user_id = ? ORDER BY created_at`

	rows, err := c.db.Query(query, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get member embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings [][]float32
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var emb []float32
		if err := json.Unmarshal([]byte(raw), &emb); err != nil || len(emb) == 0 {
			continue
		}
		embeddings = append(embeddings, emb)
	}

	return embeddings, nil
}

// SessionMemberStats aggregates richness metadata across a session's
// member conversations for recommendation quality scoring.
func (c *Client) SessionMemberStats(sessionID, userID string) (messageCount int, hasSummary bool, err error) {
	query := `
		SELECT COALESCE(SUM(message_count), 0),
		       COALESCE(SUM(CASE WHEN summary != '' THEN 1 ELSE 0 END), 0)
		FROM conversations WHERE session_id = ? AND user_id = ?
	`

	var summarized int
	err = c.db.QueryRow(query, sessionID, userID).Scan(&messageCount, &summarized)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get member stats: %w", err)
	}
	return messageCount, summarized > 0, nil
}

func (c *Client) MarkKnowledgeExtracted(conversationID string, extracted bool) error {
	val := 0
	if extracted {
		val = 1
	}

	_, err := c.db.Exec(`UPDATE conversations SET knowledge_extracted = ? WHERE id = ?`, val, conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark knowledge extracted: %w", err)
	}
	return nil
}

func (c *Client) InsertChunk(chunk *models.ConversationChunk) error {
	query := `
		INSERT INTO conversation_chunks (id, conversation_id, chunk_index, text, span_start, span_end, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		chunk.ID,
		chunk.ConversationID,
		chunk.ChunkIndex,
		chunk.Text,
		chunk.SpanStart,
		chunk.SpanEnd,
		chunk.EmbeddingID,
		chunk.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

func (c *Client) GetChunksByConversation(conversationID string) ([]models.ConversationChunk, error) {
	query := `
		SELECT id, conversation_id, chunk_index, text, span_start, span_end, embedding_id, created_at
		FROM conversation_chunks
		WHERE conversation_id = ?
		ORDER BY chunk_index
	`

	rows, err := c.db.Query(query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.ConversationChunk
	for rows.Next() {
		var ch models.ConversationChunk
		var embeddingID sql.NullString
		var createdAt int64

		err := rows.Scan(&ch.ID, &ch.ConversationID, &ch.ChunkIndex, &ch.Text,
			&ch.SpanStart, &ch.SpanEnd, &embeddingID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		ch.EmbeddingID = embeddingID.String
		ch.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, ch)
	}

	return chunks, nil
}

// SessionConversationIDs lists the ids of the conversations linked to a
// session.
func (c *Client) SessionConversationIDs(sessionID, userID string) ([]string, error) {
	rows, err := c.db.Query(
		`SELECT id FROM conversations WHERE session_id = ? AND user_id = ?`,
		sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListStandaloneConversations returns conversations not linked to any
// session, newest first.
func (c *Client) ListStandaloneConversations(userID string, limit int) ([]models.Conversation, error) {
	rows, err := c.db.Query(
		`SELECT id FROM conversations WHERE user_id = ? AND session_id IS NULL ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	conversations := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := c.GetConversation(id, userID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, nil
}
