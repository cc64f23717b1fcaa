package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/purchases"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// PurchaseLedger is the slice of the purchase service the reconciler needs.
type PurchaseLedger interface {
	RecordIfNew(ctx context.Context, params purchases.RecordParams) (bool, *models.Purchase, error)
	ClaimPending(ctx context.Context, paymentIntentID string) (bool, error)
	Finalize(ctx context.Context, paymentIntentID string, status models.PurchaseStatus) error
	ListUnsettledOlderThan(ctx context.Context, age time.Duration) ([]models.Purchase, error)
}

// CreditGranter is the slice of the credit store the reconciler needs.
type CreditGranter interface {
	Grant(ctx context.Context, userID string, amount int64, txType models.CreditTransactionType, description string) (int64, error)
}

// PaymentEvent is one payment-completion event extracted from the provider
// webhook payload.
type PaymentEvent struct {
	UserID          string
	ProductID       string
	PriceID         string
	PaymentIntentID string
	SessionID       string
	Credits         int64
	AmountCents     int64
}

// Outcome is the terminal state of reconciling one event.
type Outcome string

const (
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeRecorded     Outcome = "recorded"
	OutcomeFailed       Outcome = "failed"
)

const (
	defaultGrantMaxRetries = 3
	grantRetryBackoff      = 250 * time.Millisecond
)

// Reconciler turns at-least-once payment webhooks into exactly-one credit
// grants: record-if-new for idempotency, then an exclusive claim of the
// pending row, then grant with bounded retries, then finalize the purchase
// status. The claim is what keeps concurrent duplicate deliveries from both
// granting: only the delivery that wins the pending->granting transition may
// run the grant.
type Reconciler struct {
	ledger     PurchaseLedger
	credits    CreditGranter
	maxRetries int
}

func NewReconciler(ledger PurchaseLedger, credits CreditGranter, maxRetries int) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = defaultGrantMaxRetries
	}
	return &Reconciler{
		ledger:     ledger,
		credits:    credits,
		maxRetries: maxRetries,
	}
}

// Process reconciles one payment event. OutcomeDeduplicated and
// OutcomeRecorded mean the event is settled and the provider should get a 2xx;
// OutcomeFailed means the grant could not be applied and the error should
// bubble so the provider redelivers.
func (r *Reconciler) Process(ctx context.Context, evt PaymentEvent) (Outcome, error) {
	if evt.Credits <= 0 {
		return OutcomeFailed, models.NewValidationError("payment event carries no credits", nil)
	}

	created, err := r.claimEvent(ctx, evt)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Type == models.ErrorTypeDuplicateEvent {
			fiberlog.Infof("Payment event %s already processed, acknowledging", evt.PaymentIntentID)
			return OutcomeDeduplicated, nil
		}
		return OutcomeFailed, err
	}
	if !created {
		fiberlog.Warnf("Payment event %s redelivered with grant unsettled, resuming", evt.PaymentIntentID)
	}

	if err := r.grantWithRetry(ctx, evt); err != nil {
		if finalizeErr := r.ledger.Finalize(ctx, evt.PaymentIntentID, models.PurchaseStatusFailed); finalizeErr != nil {
			fiberlog.Errorf("Failed to mark purchase %s failed: %v", evt.PaymentIntentID, finalizeErr)
		}
		return OutcomeFailed, fmt.Errorf("failed to grant credits for %s: %w", evt.PaymentIntentID, err)
	}

	if err := r.finalizeWithRetry(ctx, evt.PaymentIntentID, models.PurchaseStatusComplete); err != nil {
		// The grant is applied, so the event must be acknowledged: failing
		// here would trigger a redelivery that grants a second time. The
		// stuck row is surfaced by the recovery sweep instead.
		fiberlog.Errorf("Granted but failed to finalize purchase %s, needs manual reconciliation: %v",
			evt.PaymentIntentID, err)
	}

	return OutcomeRecorded, nil
}

// claimEvent records the purchase if new and claims the exclusive right to
// grant it. The duplicate_event error is an internal signal, never surfaced
// to callers: it tells Process to short-circuit to acknowledgment because the
// purchase is settled or another delivery holds the claim.
func (r *Reconciler) claimEvent(ctx context.Context, evt PaymentEvent) (bool, error) {
	created, record, err := r.ledger.RecordIfNew(ctx, purchases.RecordParams{
		UserID:          evt.UserID,
		ProductID:       evt.ProductID,
		PriceID:         evt.PriceID,
		PaymentIntentID: evt.PaymentIntentID,
		SessionID:       evt.SessionID,
		Credits:         evt.Credits,
		AmountCents:     evt.AmountCents,
	})
	if err != nil {
		return false, fmt.Errorf("failed to record purchase: %w", err)
	}

	if !created && record.Status.Settled() {
		return false, models.NewDuplicateEventError(evt.PaymentIntentID)
	}

	// A still-pending record means an earlier delivery recorded the purchase
	// but crashed before granting; the claim lets this redelivery finish the
	// work. If the claim is lost, another delivery is granting right now.
	claimed, err := r.ledger.ClaimPending(ctx, evt.PaymentIntentID)
	if err != nil {
		return false, fmt.Errorf("failed to claim purchase: %w", err)
	}
	if !claimed {
		return false, models.NewDuplicateEventError(evt.PaymentIntentID)
	}

	return created, nil
}

// Recover settles unsettled purchases older than age. Live deliveries are
// healed by provider redelivery; anything still pending or granting after the
// cutoff has stopped being redelivered, so the sweep marks it failed and
// surfaces it for manual reconciliation. It never re-grants: an unsettled row
// cannot prove its grant was or was not applied, and a wrong guess
// double-credits.
func (r *Reconciler) Recover(ctx context.Context, age time.Duration) (int, error) {
	pending, err := r.ledger.ListUnsettledOlderThan(ctx, age)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsettled purchases: %w", err)
	}

	settled := 0
	for _, p := range pending {
		fiberlog.Errorf("Purchase %s (user %s, %d credits) unsettled past cutoff, marking failed for manual reconciliation",
			p.PaymentIntentID, p.UserID, p.Credits)

		if err := r.ledger.Finalize(ctx, p.PaymentIntentID, models.PurchaseStatusFailed); err != nil {
			fiberlog.Errorf("Failed to mark stale purchase %s failed: %v", p.PaymentIntentID, err)
			continue
		}
		settled++
	}

	return settled, nil
}

func (r *Reconciler) grantWithRetry(ctx context.Context, evt PaymentEvent) error {
	description := fmt.Sprintf("Credit purchase (session %s)", evt.SessionID)

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		_, err := r.credits.Grant(ctx, evt.UserID, evt.Credits, models.CreditTransactionGrant, description)
		if err == nil {
			if attempt > 1 {
				fiberlog.Infof("Grant for %s succeeded on attempt %d/%d", evt.PaymentIntentID, attempt, r.maxRetries)
			}
			return nil
		}
		lastErr = err

		var appErr *models.AppError
		if errors.As(err, &appErr) && !appErr.IsRetryable() {
			return err
		}

		fiberlog.Warnf("Grant for %s failed (attempt %d/%d): %v", evt.PaymentIntentID, attempt, r.maxRetries, err)

		if attempt < r.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * grantRetryBackoff):
			}
		}
	}

	return lastErr
}

func (r *Reconciler) finalizeWithRetry(ctx context.Context, paymentIntentID string, status models.PurchaseStatus) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := r.ledger.Finalize(ctx, paymentIntentID, status); err != nil {
			lastErr = err
			if attempt < r.maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt) * grantRetryBackoff):
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}
