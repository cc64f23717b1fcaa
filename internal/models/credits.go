package models

import "time"

type CreditTransactionType string

const (
	CreditTransactionGrant       CreditTransactionType = "grant"
	CreditTransactionConsume     CreditTransactionType = "consume"
	CreditTransactionPromotional CreditTransactionType = "promotional"
)

// UserCredit holds the spendable balance for one account. The credits column
// is only ever mutated through atomic increment/conditional-decrement SQL;
// never read-then-write at the application layer.
type UserCredit struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        string    `gorm:"uniqueIndex;not null" json:"user_id"`
	Credits       int64     `gorm:"not null;default:0" json:"credits"`
	TotalGranted  int64     `gorm:"not null;default:0" json:"total_granted"`
	TotalConsumed int64     `gorm:"not null;default:0" json:"total_consumed"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// CreditTransaction is an append-only log of every balance change.
// ReferenceID is set for grants that may be delivered more than once (identity
// webhooks); its unique index is the idempotency guard for those grants.
type CreditTransaction struct {
	ID           uint                  `gorm:"primaryKey;autoIncrement"`
	UserID       string                `gorm:"index"`
	Type         CreditTransactionType `gorm:"index"`
	Amount       int64
	BalanceAfter int64
	Description  string
	ReferenceID  *string   `gorm:"uniqueIndex"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index"`
}

// CreditPackage is a purchasable one-time credit pack mapped to a Stripe price.
type CreditPackage struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	Name          string
	Description   string
	Credits       int64
	PriceCents    int64
	StripePriceID string    `gorm:"uniqueIndex"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}
