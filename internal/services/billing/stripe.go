package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/vibebetter/vibebetter-api/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
)

// PackageFinder resolves a Stripe price to the credit pack it sells.
type PackageFinder interface {
	GetPackageByPriceID(ctx context.Context, stripePriceID string) (*models.CreditPackage, error)
}

// StripeService wraps the payment provider: checkout and billing-portal
// session creation plus webhook verification and reconciliation.
type StripeService struct {
	secretKey     string
	webhookSecret string
	packages      PackageFinder
	reconciler    *Reconciler
}

func NewStripeService(cfg models.BillingConfig, packages PackageFinder, reconciler *Reconciler) *StripeService {
	stripe.Key = cfg.SecretKey

	return &StripeService{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		packages:      packages,
		reconciler:    reconciler,
	}
}

// CreateCheckoutParams contains parameters for creating a checkout session
type CreateCheckoutParams struct {
	UserID        string
	StripePriceID string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// CreateCheckoutSession creates a Stripe checkout session for a credit pack.
// The credit amount comes from the configured package, never the client.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, params CreateCheckoutParams) (*stripe.CheckoutSession, error) {
	pkg, err := s.packages.GetPackageByPriceID(ctx, params.StripePriceID)
	if err != nil {
		return nil, err
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"user_id":    params.UserID,
			"product_id": pkg.Name,
			"credits":    strconv.FormatInt(pkg.Credits, 10),
		},
	}

	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, models.NewProviderError("stripe", "failed to create checkout session", err)
	}

	return sess, nil
}

// CreatePortalSession creates a billing portal session so a user can manage
// their subscription with the payment provider directly.
func (s *StripeService) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, models.NewProviderError("stripe", "failed to create portal session", err)
	}

	return sess, nil
}

// HandleWebhook verifies and processes one Stripe webhook delivery.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return OutcomeFailed, models.NewValidationError("invalid webhook signature", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutSessionCompleted(ctx, event)
	case "payment_intent.payment_failed":
		return s.handlePaymentIntentFailed(ctx, event)
	default:
		// Other event types are acknowledged without side effects.
		fiberlog.Debugf("Ignoring Stripe event type %s", event.Type)
		return OutcomeDeduplicated, nil
	}
}

// handleCheckoutSessionCompleted reconciles a completed checkout into a
// purchase record and credit grant.
func (s *StripeService) handleCheckoutSessionCompleted(ctx context.Context, event stripe.Event) (Outcome, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return OutcomeFailed, models.NewValidationError("failed to parse checkout session", err)
	}

	userID := sess.Metadata["user_id"]
	credits, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil {
		return OutcomeFailed, models.NewValidationError("failed to parse credit amount", err)
	}

	if userID == "" || credits <= 0 {
		return OutcomeFailed, models.NewValidationError("invalid checkout session metadata", nil)
	}
	if sess.PaymentIntent == nil {
		return OutcomeFailed, models.NewValidationError("checkout session has no payment intent", nil)
	}

	var priceID string
	if sess.LineItems != nil && len(sess.LineItems.Data) > 0 && sess.LineItems.Data[0].Price != nil {
		priceID = sess.LineItems.Data[0].Price.ID
	}

	return s.reconciler.Process(ctx, PaymentEvent{
		UserID:          userID,
		ProductID:       sess.Metadata["product_id"],
		PriceID:         priceID,
		PaymentIntentID: sess.PaymentIntent.ID,
		SessionID:       sess.ID,
		Credits:         credits,
		AmountCents:     sess.AmountTotal,
	})
}

// handlePaymentIntentFailed settles the matching purchase as failed, if one
// was ever recorded.
func (s *StripeService) handlePaymentIntentFailed(ctx context.Context, event stripe.Event) (Outcome, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return OutcomeFailed, models.NewValidationError("failed to parse payment intent", err)
	}

	err := s.reconciler.ledger.Finalize(ctx, intent.ID, models.PurchaseStatusFailed)
	if err != nil {
		// Most failed intents never reached checkout completion, so there is
		// nothing to settle.
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Type == models.ErrorTypeNotFound {
			return OutcomeDeduplicated, nil
		}
		return OutcomeFailed, fmt.Errorf("failed to settle failed payment %s: %w", intent.ID, err)
	}

	fiberlog.Warnf("Payment intent %s failed, purchase marked failed", intent.ID)
	return OutcomeRecorded, nil
}
