package models

import "time"

type PurchaseStatus string

const (
	PurchaseStatusPending  PurchaseStatus = "pending"
	PurchaseStatusGranting PurchaseStatus = "granting"
	PurchaseStatusComplete PurchaseStatus = "complete"
	PurchaseStatusFailed   PurchaseStatus = "failed"
)

// Settled reports whether the purchase has reached a terminal status.
func (s PurchaseStatus) Settled() bool {
	return s == PurchaseStatusComplete || s == PurchaseStatusFailed
}

// Purchase records one completed checkout session. PaymentIntentID and
// SessionID are each globally unique; the pair is the idempotency key that
// protects against duplicate webhook delivery.
type Purchase struct {
	ID              uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          string         `gorm:"index;not null" json:"user_id"`
	ProductID       string         `json:"product_id"`
	PriceID         string         `json:"price_id"`
	PaymentIntentID string         `gorm:"uniqueIndex;not null" json:"payment_intent_id"`
	SessionID       string         `gorm:"uniqueIndex;not null" json:"session_id"`
	Credits         int64          `gorm:"not null" json:"credits"`
	AmountCents     int64          `json:"amount_cents"`
	Status          PurchaseStatus `gorm:"index;not null;default:pending" json:"status"`
	CreatedAt       time.Time      `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
