package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/kg/classifier"
	"github.com/symmetry-ai/backend/internal/kg/neo4j"
	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/pkg/logger"
)

type KnowledgeHandler struct {
	graph *neo4j.Client
}

func NewKnowledgeHandler(graph *neo4j.Client) *KnowledgeHandler {
	return &KnowledgeHandler{
		graph: graph,
	}
}

func (h *KnowledgeHandler) HandleDecisions(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	status := classifier.Status(c.Query("status", string(classifier.StatusDecided)))
	limit := c.QueryInt("limit", 100)

	assertions, err := h.graph.GetAssertions(c.Context(), userID, status, limit)
	if err != nil {
		logger.Error("Failed to get assertions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get assertions",
		})
	}

	return c.JSON(fiber.Map{
		"assertions": assertionResponses(assertions),
	})
}

// HandleContradictions runs read-side contradiction detection over the
// user's decided assertions. Superseded assertions stay recorded; only
// the current one per category is the live fact.
func (h *KnowledgeHandler) HandleContradictions(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	assertions, err := h.graph.GetAssertions(c.Context(), userID, "", 500)
	if err != nil {
		logger.Error("Failed to get assertions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to detect contradictions",
		})
	}

	contradictions := classifier.DetectContradictions(assertions)
	metrics.ContradictionsFound.Add(float64(len(contradictions)))

	out := make([]fiber.Map, 0, len(contradictions))
	for _, con := range contradictions {
		out = append(out, fiber.Map{
			"category":   con.Current.Category,
			"superseded": assertionResponse(con.Superseded),
			"current":    assertionResponse(con.Current),
		})
	}

	return c.JSON(fiber.Map{
		"contradictions": out,
	})
}

func (h *KnowledgeHandler) HandleHistory(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	entity := c.Params("entity")
	if entity == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Entity is required",
		})
	}

	assertions, err := h.graph.DecisionHistory(c.Context(), userID, entity)
	if err != nil {
		logger.Error("Failed to get decision history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get decision history",
		})
	}

	return c.JSON(fiber.Map{
		"entity":  entity,
		"history": assertionResponses(assertions),
	})
}

func (h *KnowledgeHandler) HandleVerify(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Verified bool `json:"verified"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	fingerprint := c.Params("fingerprint")
	if err := h.graph.SetVerified(c.Context(), userID, fingerprint, req.Verified); err != nil {
		logger.Error("Failed to set verified", zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Assertion not found",
		})
	}

	return c.JSON(fiber.Map{
		"fingerprint": fingerprint,
		"verified":    req.Verified,
	})
}

func assertionResponses(assertions []classifier.Assertion) []fiber.Map {
	out := make([]fiber.Map, 0, len(assertions))
	for _, a := range assertions {
		out = append(out, assertionResponse(a))
	}
	return out
}

func assertionResponse(a classifier.Assertion) fiber.Map {
	return fiber.Map{
		"fingerprint":     a.Fingerprint,
		"subject":         a.Subject,
		"predicate":       a.Predicate,
		"object":          a.Object,
		"source_text":     a.SourceText,
		"status":          a.Status,
		"confidence":      a.Confidence,
		"attributed_to":   a.AttributedTo,
		"category":        a.Category,
		"temporal":        a.Temporal,
		"conversation_id": a.Provenance.ConversationID,
		"asserted_at":     a.AssertedAt,
		"verified":        a.Verified,
	}
}
