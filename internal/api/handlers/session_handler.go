package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/session"
	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/logger"
)

type SessionHandler struct {
	db       *sqlite.Client
	vectorDB *milvus.Client
	llm      *llm.Client
	matcher  *session.Matcher
}

func NewSessionHandler(db *sqlite.Client, vectorDB *milvus.Client, llmClient *llm.Client, matcher *session.Matcher) *SessionHandler {
	return &SessionHandler{
		db:       db,
		vectorDB: vectorDB,
		llm:      llmClient,
		matcher:  matcher,
	}
}

func (h *SessionHandler) HandleCreate(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Name is required",
		})
	}

	embedding, err := h.llm.GenerateEmbedding(c.Context(), req.Name+"\n"+req.Description)
	if err != nil {
		if errors.Is(err, llm.ErrEmbeddingUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Embedding service unavailable",
			})
		}
		logger.Error("Failed to embed session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	now := time.Now()
	sess := &models.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         req.Name,
		Description:  req.Description,
		Embedding:    embedding,
		LastActivity: now,
		Version:      1,
		CreatedAt:    now,
	}

	if err := h.db.InsertSession(sess); err != nil {
		logger.Error("Failed to insert session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	if err := h.vectorDB.Insert(c.Context(), []milvus.Record{{
		ID:        "session:" + sess.ID,
		UserID:    userID,
		Kind:      milvus.KindSession,
		RefID:     sess.ID,
		Text:      sess.Name,
		Embedding: embedding,
		Timestamp: now,
	}}); err != nil {
		logger.Error("Failed to index session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sessionResponse(sess))
}

func (h *SessionHandler) HandleList(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", 50)

	sessions, err := h.db.ListSessions(userID, limit)
	if err != nil {
		logger.Error("Failed to list sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	out := make([]fiber.Map, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionResponse(&sessions[i]))
	}

	return c.JSON(fiber.Map{
		"sessions": out,
	})
}

func (h *SessionHandler) HandleGet(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	sess, err := h.db.GetSession(c.Params("id"), userID)
	if err != nil {
		if errors.Is(err, sqlite.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		logger.Error("Failed to get session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}

	return c.JSON(sessionResponse(sess))
}

// HandleDelete removes a session. Member conversations are unlinked,
// not deleted.
func (h *SessionHandler) HandleDelete(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	sessionID := c.Params("id")

	if err := h.db.DeleteSession(sessionID, userID); err != nil {
		if errors.Is(err, sqlite.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		logger.Error("Failed to delete session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete session",
		})
	}

	if err := h.vectorDB.DeleteByRef(c.Context(), userID, milvus.KindSession, sessionID); err != nil {
		logger.Error("Failed to remove session vector", zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"id":     sessionID,
		"status": "deleted",
	})
}

// HandleListConversations lists the user's standalone conversations,
// newest first.
func (h *SessionHandler) HandleListConversations(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", 50)

	conversations, err := h.db.ListStandaloneConversations(userID, limit)
	if err != nil {
		logger.Error("Failed to list conversations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list conversations",
		})
	}

	return c.JSON(fiber.Map{
		"conversations": conversations,
	})
}

// HandleDeleteConversation removes a conversation, its chunks and its
// vectors. Knowledge already extracted into the graph stays.
func (h *SessionHandler) HandleDeleteConversation(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	conversationID := c.Params("id")

	if err := h.db.DeleteConversation(conversationID, userID); err != nil {
		if errors.Is(err, sqlite.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		logger.Error("Failed to delete conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete conversation",
		})
	}

	if err := h.vectorDB.DeleteByRef(c.Context(), userID, milvus.KindChunk, conversationID); err != nil {
		logger.Error("Failed to remove chunk vectors", zap.Error(err))
	}
	if err := h.vectorDB.DeleteByRef(c.Context(), userID, milvus.KindConversation, conversationID); err != nil {
		logger.Error("Failed to remove conversation vector", zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"id":     conversationID,
		"status": "deleted",
	})
}

// HandleConfirm accepts a pending session suggestion and links the
// conversation.
func (h *SessionHandler) HandleConfirm(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	conv, err := h.db.GetConversation(c.Params("id"), userID)
	if err != nil {
		if errors.Is(err, sqlite.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		logger.Error("Failed to get conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to confirm suggestion",
		})
	}

	if conv.SuggestedSessionID == "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Conversation has no pending suggestion",
		})
	}

	if err := h.matcher.Link(c.Context(), conv, conv.SuggestedSessionID, time.Now()); err != nil {
		logger.Error("Failed to link conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to confirm suggestion",
		})
	}

	return c.JSON(fiber.Map{
		"conversation_id": conv.ID,
		"session_id":      conv.SuggestedSessionID,
		"status":          models.ConversationLinked,
	})
}

func (h *SessionHandler) HandleReject(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	if err := h.db.RejectSuggestion(c.Params("id"), userID); err != nil {
		if errors.Is(err, sqlite.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found or has no pending suggestion",
			})
		}
		logger.Error("Failed to reject suggestion", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reject suggestion",
		})
	}

	return c.JSON(fiber.Map{
		"conversation_id": c.Params("id"),
		"status":          models.ConversationStandalone,
	})
}

// HandleLink re-links a conversation to an explicit session.
func (h *SessionHandler) HandleLink(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	conv, err := h.db.GetConversation(c.Params("id"), userID)
	if err != nil {
		if errors.Is(err, sqlite.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		logger.Error("Failed to get conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to link conversation",
		})
	}

	if _, err := h.db.GetSession(req.SessionID, userID); err != nil {
		if errors.Is(err, sqlite.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		logger.Error("Failed to get session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to link conversation",
		})
	}

	if err := h.matcher.Link(c.Context(), conv, req.SessionID, time.Now()); err != nil {
		logger.Error("Failed to link conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to link conversation",
		})
	}

	return c.JSON(fiber.Map{
		"conversation_id": conv.ID,
		"session_id":      req.SessionID,
		"status":          models.ConversationLinked,
	})
}

func (h *SessionHandler) HandleGetConversation(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	conv, err := h.db.GetConversation(c.Params("id"), userID)
	if err != nil {
		if errors.Is(err, sqlite.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		logger.Error("Failed to get conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get conversation",
		})
	}

	return c.JSON(conv)
}

func sessionResponse(s *models.Session) fiber.Map {
	return fiber.Map{
		"id":                 s.ID,
		"name":               s.Name,
		"description":        s.Description,
		"topics":             s.Topics,
		"entities":           s.Entities,
		"conversation_count": s.ConversationCount,
		"last_activity":      s.LastActivity,
		"created_at":         s.CreatedAt,
	}
}
