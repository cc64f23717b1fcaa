package api

import (
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/auth"
	"github.com/vibebetter/vibebetter-api/internal/services/feedback"

	"github.com/gofiber/fiber/v2"
)

type FeedbackHandler struct {
	feedbackService *feedback.Service
}

func NewFeedbackHandler(feedbackService *feedback.Service) *FeedbackHandler {
	return &FeedbackHandler{
		feedbackService: feedbackService,
	}
}

// SubmitFeedbackRequest represents the request body for feedback submission
type SubmitFeedbackRequest struct {
	Rating      int    `json:"rating"`
	Category    string `json:"category"`
	Message     string `json:"message"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	AllowPublic bool   `json:"allow_public,omitempty"`
}

// SubmitFeedback accepts a feedback submission. Authentication is optional;
// anonymous submissions are accepted.
func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req SubmitFeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	userID, _ := auth.GetUserID(c)

	record, err := h.feedbackService.Create(c.Context(), feedback.CreateParams{
		UserID:      userID,
		Rating:      req.Rating,
		Category:    models.FeedbackCategory(req.Category),
		Message:     req.Message,
		Name:        req.Name,
		Email:       req.Email,
		AllowPublic: req.AllowPublic,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

// PublicFeedbackResponse is the shape of one public wall entry. The optional
// display name is the only identity the submitter chose to attach.
type PublicFeedbackResponse struct {
	ID        uint                    `json:"id"`
	Rating    int                     `json:"rating"`
	Category  models.FeedbackCategory `json:"category"`
	Message   string                  `json:"message"`
	Name      string                  `json:"name,omitzero"`
	CreatedAt time.Time               `json:"created_at"`
}

// ListFeedback returns public feedback, or the caller's own feedback with
// ?mine=true.
func (h *FeedbackHandler) ListFeedback(c *fiber.Ctx) error {
	if c.QueryBool("mine") {
		userID, ok := auth.GetUserID(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		records, err := h.feedbackService.ListByUser(c.Context(), userID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"feedback": records})
	}

	limit, offset := parsePagination(c)

	records, err := h.feedbackService.ListPublic(c.Context(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	// The public wall is unauthenticated; never serialize the submitter's
	// user ID or email here.
	public := make([]PublicFeedbackResponse, 0, len(records))
	for _, record := range records {
		public = append(public, PublicFeedbackResponse{
			ID:        record.ID,
			Rating:    record.Rating,
			Category:  record.Category,
			Message:   record.Message,
			Name:      record.Name,
			CreatedAt: record.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"feedback": public,
		"limit":    limit,
		"offset":   offset,
	})
}
