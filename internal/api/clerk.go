package api

import (
	"encoding/json"
	"fmt"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/credits"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	svix "github.com/svix/svix-webhooks/go"
)

// ClerkWebhookHandler processes identity provider webhooks, currently only
// the signup bonus on user.created.
type ClerkWebhookHandler struct {
	webhookSecret      string
	creditsService     *credits.Service
	signupBonusCredits int64
}

func NewClerkWebhookHandler(webhookSecret string, creditsService *credits.Service, signupBonusCredits int64) *ClerkWebhookHandler {
	return &ClerkWebhookHandler{
		webhookSecret:      webhookSecret,
		creditsService:     creditsService,
		signupBonusCredits: signupBonusCredits,
	}
}

type ClerkWebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ClerkUserData struct {
	ID string `json:"id"`
}

func (h *ClerkWebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	payload := c.Body()

	headers := make(map[string][]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = []string{string(value)}
	})

	wh, err := svix.NewWebhook(h.webhookSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to initialize webhook verifier",
		})
	}

	if err := wh.Verify(payload, headers); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook signature",
		})
	}

	var event ClerkWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON payload",
		})
	}

	switch event.Type {
	case "user.created":
		if err := h.handleUserCreated(c, event.Data); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": fmt.Sprintf("Failed to process user.created event: %v", err),
			})
		}
	}

	return c.JSON(fiber.Map{
		"received": true,
	})
}

func (h *ClerkWebhookHandler) handleUserCreated(c *fiber.Ctx, data json.RawMessage) error {
	if h.signupBonusCredits <= 0 {
		return nil
	}

	var userData ClerkUserData
	if err := json.Unmarshal(data, &userData); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	if userData.ID == "" {
		return fmt.Errorf("user.created event has no user id")
	}

	// Clerk deliveries are at-least-once; the reference dedups redeliveries
	// so the bonus lands exactly once per user.
	granted, err := h.creditsService.GrantOnce(c.Context(), userData.ID, h.signupBonusCredits,
		models.CreditTransactionPromotional, "Welcome bonus", "signup_bonus:"+userData.ID)
	if err != nil {
		return fmt.Errorf("failed to award signup credits: %w", err)
	}
	if !granted {
		fiberlog.Infof("Welcome bonus for user %s already granted, acknowledging", userData.ID)
		return nil
	}

	fiberlog.Infof("Granted %d welcome credits to user %s", h.signupBonusCredits, userData.ID)
	return nil
}
