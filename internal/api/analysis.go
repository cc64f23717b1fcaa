package api

import (
	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/analysis"
	"github.com/vibebetter/vibebetter-api/internal/services/auth"

	"github.com/gofiber/fiber/v2"
)

type AnalysisHandler struct {
	analysisService *analysis.Service
}

func NewAnalysisHandler(analysisService *analysis.Service) *AnalysisHandler {
	return &AnalysisHandler{
		analysisService: analysisService,
	}
}

// CreateAnalysis runs one prompt analysis for the caller.
func (h *AnalysisHandler) CreateAnalysis(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req models.AnalysisRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.analysisService.Analyze(c.Context(), identity.UserID, identity.PlanName, &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(result)
}

// ListAnalyses returns the caller's analysis history, newest first.
func (h *AnalysisHandler) ListAnalyses(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	limit, _ := parsePagination(c)

	records, err := h.analysisService.ListByUser(c.Context(), identity.UserID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"analyses": records,
	})
}
