package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmetry-ai/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.InitSchema())
	return c
}

func insertTestSession(t *testing.T, c *Client, id, userID string) *models.Session {
	t.Helper()

	sess := &models.Session{
		ID:           id,
		UserID:       userID,
		Name:         "test session " + id,
		Embedding:    []float32{0.1, 0.2},
		LastActivity: time.Now(),
		Version:      1,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, c.InsertSession(sess))
	return sess
}

func insertTestConversation(t *testing.T, c *Client, id, userID string) *models.Conversation {
	t.Helper()

	conv := &models.Conversation{
		ID:     id,
		UserID: userID,
		Source: "chatgpt",
		Messages: []models.Message{
			{Role: "user", Content: "hello"},
		},
		MessageCount: 1,
		Embedding:    []float32{0.3, 0.4},
		Status:       models.ConversationStandalone,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, c.InsertConversation(conv))
	return conv
}

func TestDeleteSessionUnlinksMembers(t *testing.T) {
	c := newTestClient(t)

	insertTestSession(t, c, "s1", "u1")
	insertTestConversation(t, c, "c1", "u1")
	require.NoError(t, c.LinkConversationToSession("c1", "u1", "s1"))

	require.NoError(t, c.DeleteSession("s1", "u1"))

	_, err := c.GetSession("s1", "u1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	conv, err := c.GetConversation("c1", "u1")
	require.NoError(t, err)
	assert.Empty(t, conv.SessionID)
	assert.Equal(t, models.ConversationStandalone, conv.Status)
}

func TestDeleteSessionMissing(t *testing.T) {
	c := newTestClient(t)

	err := c.DeleteSession("nope", "u1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionScopedToUser(t *testing.T) {
	c := newTestClient(t)

	insertTestSession(t, c, "s1", "u1")

	err := c.DeleteSession("s1", "other-user")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = c.GetSession("s1", "u1")
	assert.NoError(t, err)
}

func TestDeleteConversationRecountsSession(t *testing.T) {
	c := newTestClient(t)

	insertTestSession(t, c, "s1", "u1")
	insertTestConversation(t, c, "c1", "u1")
	insertTestConversation(t, c, "c2", "u1")
	require.NoError(t, c.LinkConversationToSession("c1", "u1", "s1"))
	require.NoError(t, c.LinkConversationToSession("c2", "u1", "s1"))

	require.NoError(t, c.DeleteConversation("c1", "u1"))

	_, err := c.GetConversation("c1", "u1")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	sess, err := c.GetSession("s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ConversationCount)
}

func TestDeleteConversationRemovesChunks(t *testing.T) {
	c := newTestClient(t)

	insertTestConversation(t, c, "c1", "u1")
	require.NoError(t, c.InsertChunk(&models.ConversationChunk{
		ID:             "c1_chunk_0",
		ConversationID: "c1",
		ChunkIndex:     0,
		Text:           "hello",
		EmbeddingID:    "c1_chunk_0",
		CreatedAt:      time.Now(),
	}))

	require.NoError(t, c.DeleteConversation("c1", "u1"))

	chunks, err := c.GetChunksByConversation("c1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeleteConversationMissing(t *testing.T) {
	c := newTestClient(t)

	err := c.DeleteConversation("nope", "u1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListStandaloneConversations(t *testing.T) {
	c := newTestClient(t)

	insertTestSession(t, c, "s1", "u1")
	insertTestConversation(t, c, "c1", "u1")
	insertTestConversation(t, c, "c2", "u1")
	insertTestConversation(t, c, "other", "u2")
	require.NoError(t, c.LinkConversationToSession("c1", "u1", "s1"))

	conversations, err := c.ListStandaloneConversations("u1", 50)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "c2", conversations[0].ID)
}

func TestUpdateSessionAggregateVersionConflict(t *testing.T) {
	c := newTestClient(t)

	insertTestSession(t, c, "s1", "u1")

	now := time.Now()
	require.NoError(t, c.UpdateSessionAggregate("s1", "u1", []float32{0.5}, 1, nil, nil, now, 1))

	// Stale version token loses.
	err := c.UpdateSessionAggregate("s1", "u1", []float32{0.6}, 2, nil, nil, now, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	sess, err := c.GetSession("s1", "u1")
	require.NoError(t, err)
	require.NoError(t, c.UpdateSessionAggregate("s1", "u1", []float32{0.6}, 2, nil, nil, now, sess.Version))
}
