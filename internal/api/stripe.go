package api

import (
	"context"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/auth"
	"github.com/vibebetter/vibebetter-api/internal/services/billing"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// EmailLookup resolves a user's primary email to prefill checkout.
type EmailLookup interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

type StripeHandler struct {
	stripeService *billing.StripeService
	billingConfig models.BillingConfig
	emails        EmailLookup // optional
}

func NewStripeHandler(stripeService *billing.StripeService, billingConfig models.BillingConfig, emails EmailLookup) *StripeHandler {
	return &StripeHandler{
		stripeService: stripeService,
		billingConfig: billingConfig,
		emails:        emails,
	}
}

// CreateCheckoutSessionRequest represents the request body for creating a checkout session
type CreateCheckoutSessionRequest struct {
	StripePriceID string `json:"stripe_price_id"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// CreateCheckoutSession creates a Stripe checkout session for a credit pack.
// The price decides the credits; clients never submit credit amounts.
func (h *StripeHandler) CreateCheckoutSession(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req CreateCheckoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.StripePriceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "stripe_price_id is required",
		})
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = h.billingConfig.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = h.billingConfig.CancelURL
	}
	if successURL == "" || cancelURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "success_url and cancel_url are required",
		})
	}

	customerEmail := req.CustomerEmail
	if customerEmail == "" && h.emails != nil {
		email, err := h.emails.GetUserEmail(c.Context(), identity.UserID)
		if err != nil {
			// Prefill only; checkout works without it.
			fiberlog.Warnf("Failed to resolve email for user %s: %v", identity.UserID, err)
		} else {
			customerEmail = email
		}
	}

	sess, err := h.stripeService.CreateCheckoutSession(c.Context(), billing.CreateCheckoutParams{
		UserID:        identity.UserID,
		StripePriceID: req.StripePriceID,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		CustomerEmail: customerEmail,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

// CreatePortalSessionRequest represents the request body for a billing portal session
type CreatePortalSessionRequest struct {
	CustomerID string `json:"customer_id"`
	ReturnURL  string `json:"return_url,omitempty"`
}

// CreatePortalSession creates a Stripe billing portal session
func (h *StripeHandler) CreatePortalSession(c *fiber.Ctx) error {
	if _, ok := auth.GetIdentity(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req CreatePortalSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.CustomerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "customer_id is required",
		})
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.billingConfig.PortalReturnURL
	}

	sess, err := h.stripeService.CreatePortalSession(c.Context(), req.CustomerID, returnURL)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"portal_url": sess.URL,
	})
}

// HandleWebhook processes payment provider webhook deliveries. The response
// status controls redelivery: 2xx settles the event, 4xx rejects a bad
// delivery, 5xx asks the provider to redeliver.
func (h *StripeHandler) HandleWebhook(c *fiber.Ctx) error {
	payload := c.Body()

	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing Stripe-Signature header",
		})
	}

	outcome, err := h.stripeService.HandleWebhook(c.Context(), payload, signature)
	if err != nil {
		appErr := models.SanitizeError(err)
		if appErr.Type == models.ErrorTypeValidation {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": appErr.Message,
			})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "Failed to process webhook",
			"outcome": string(outcome),
		})
	}

	return c.JSON(fiber.Map{
		"received": true,
		"outcome":  string(outcome),
	})
}
