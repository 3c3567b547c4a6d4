package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/recommend"
	"github.com/symmetry-ai/backend/pkg/logger"
)

type RecommendHandler struct {
	engine *recommend.Engine
}

func NewRecommendHandler(engine *recommend.Engine) *RecommendHandler {
	return &RecommendHandler{
		engine: engine,
	}
}

func (h *RecommendHandler) HandleRecommend(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Query string `json:"query"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	resp, err := h.engine.Recommend(c.Context(), userID, req.Query)
	if err != nil {
		if errors.Is(err, llm.ErrEmbeddingUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Embedding service unavailable",
			})
		}

		logger.Error("Failed to compute recommendations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute recommendations",
		})
	}

	return c.JSON(resp)
}

func (h *RecommendHandler) HandleRetrieve(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.TopK <= 0 || req.TopK > 50 {
		req.TopK = 10
	}

	chunks, err := h.engine.RetrieveChunks(c.Context(), userID, req.Query, req.TopK)
	if err != nil {
		if errors.Is(err, llm.ErrEmbeddingUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Embedding service unavailable",
			})
		}

		logger.Error("Failed to retrieve chunks", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve chunks",
		})
	}

	return c.JSON(fiber.Map{
		"chunks": chunks,
	})
}
