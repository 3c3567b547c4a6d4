package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/ingestion"
	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/pkg/logger"
)

type IngestHandler struct {
	processor *ingestion.Processor
}

func NewIngestHandler(processor *ingestion.Processor) *IngestHandler {
	return &IngestHandler{
		processor: processor,
	}
}

func (h *IngestHandler) HandleIngest(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Source    string           `json:"source"`
		Messages  []models.Message `json:"messages"`
		SessionID string           `json:"session_id"`
		AutoLink  bool             `json:"auto_link"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.processor.Ingest(c.Context(), ingestion.Request{
		UserID:    userID,
		Source:    req.Source,
		Messages:  req.Messages,
		SessionID: req.SessionID,
		AutoLink:  req.AutoLink,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrEmptyConversation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Conversation has no content",
			})
		case errors.Is(err, sqlite.ErrSessionNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		case errors.Is(err, llm.ErrEmbeddingUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Embedding service unavailable",
			})
		}

		logger.Error("Failed to ingest conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to ingest conversation",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"conversation_id":      result.ConversationID,
		"outcome":              result.Outcome,
		"session_id":           result.SessionID,
		"suggested_session_id": result.SuggestedSessionID,
		"confidence":           result.Confidence,
		"chunk_count":          result.ChunkCount,
		"knowledge_extracted":  result.KnowledgeExtracted,
	})
}

func requireUserID(c *fiber.Ctx) (string, error) {
	userID := c.Get("X-User-ID")
	if userID == "" {
		return "", c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "X-User-ID header is required",
		})
	}
	return userID, nil
}
