package purchases

import (
	"context"
	"fmt"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the purchase ledger: an append-only record of checkout sessions
// keyed by the Stripe payment intent and session IDs. The unique indexes on
// those columns are the idempotency guard against at-least-once webhook
// delivery.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate runs database migrations for the purchases table
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Purchase{})
}

// RecordParams describes a purchase to record.
type RecordParams struct {
	UserID          string
	ProductID       string
	PriceID         string
	PaymentIntentID string
	SessionID       string
	Credits         int64
	AmountCents     int64
}

// RecordIfNew inserts a pending purchase unless one already exists for the
// same payment intent or session. Returns created=false and the existing
// record on a duplicate, without modifying anything.
func (s *Service) RecordIfNew(ctx context.Context, params RecordParams) (bool, *models.Purchase, error) {
	if params.PaymentIntentID == "" || params.SessionID == "" {
		return false, nil, models.NewValidationError("payment_intent_id and session_id are required", nil)
	}
	if params.UserID == "" {
		return false, nil, models.NewValidationError("user_id is required", nil)
	}

	purchase := models.Purchase{
		UserID:          params.UserID,
		ProductID:       params.ProductID,
		PriceID:         params.PriceID,
		PaymentIntentID: params.PaymentIntentID,
		SessionID:       params.SessionID,
		Credits:         params.Credits,
		AmountCents:     params.AmountCents,
		Status:          models.PurchaseStatusPending,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&purchase)
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to record purchase: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		existing, err := s.findByKeys(ctx, params.PaymentIntentID, params.SessionID)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}

	return true, &purchase, nil
}

// ClaimPending atomically moves a pending purchase into granting. The status
// guard in the WHERE clause makes the claim exclusive: of several concurrent
// deliveries of the same event, exactly one sees claimed=true and may run the
// grant; the rest must acknowledge without side effects.
func (s *Service) ClaimPending(ctx context.Context, paymentIntentID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("payment_intent_id = ? AND status = ?", paymentIntentID, models.PurchaseStatusPending).
		Update("status", models.PurchaseStatusGranting)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim purchase: %w", res.Error)
	}

	return res.RowsAffected == 1, nil
}

// Finalize transitions an unsettled purchase to complete or failed. The status
// guard in the WHERE clause keeps the record immutable once settled.
func (s *Service) Finalize(ctx context.Context, paymentIntentID string, status models.PurchaseStatus) error {
	if !status.Settled() {
		return models.NewValidationError(fmt.Sprintf("invalid final purchase status: %s", status), nil)
	}

	res := s.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("payment_intent_id = ? AND status IN ?", paymentIntentID,
			[]models.PurchaseStatus{models.PurchaseStatusPending, models.PurchaseStatusGranting}).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to finalize purchase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("pending purchase")
	}

	return nil
}

// GetByPaymentIntent returns the purchase for a payment intent ID.
func (s *Service) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.WithContext(ctx).
		Where("payment_intent_id = ?", paymentIntentID).
		First(&purchase).Error
	if err == gorm.ErrRecordNotFound {
		return nil, models.NewNotFoundError("purchase")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return &purchase, nil
}

// ListByUser returns a user's purchases, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Purchase, error) {
	var purchases []models.Purchase

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&purchases).Error; err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}

	return purchases, nil
}

// ListUnsettledOlderThan returns pending and granting purchases recorded
// before the cutoff. These are rows whose webhook delivery died
// mid-reconciliation; the sweep settles them as failed and surfaces them for
// manual review.
func (s *Service) ListUnsettledOlderThan(ctx context.Context, age time.Duration) ([]models.Purchase, error) {
	var purchases []models.Purchase

	cutoff := time.Now().Add(-age)
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]models.PurchaseStatus{models.PurchaseStatusPending, models.PurchaseStatusGranting}, cutoff).
		Order("created_at ASC").
		Find(&purchases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled purchases: %w", err)
	}

	return purchases, nil
}

func (s *Service) findByKeys(ctx context.Context, paymentIntentID, sessionID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.WithContext(ctx).
		Where("payment_intent_id = ? OR session_id = ?", paymentIntentID, sessionID).
		First(&purchase).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load existing purchase: %w", err)
	}
	return &purchase, nil
}
