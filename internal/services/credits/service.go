package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the credit store. Every balance mutation is a single atomic SQL
// statement (upsert-increment or guarded decrement) so concurrent grants and
// consumes for the same user cannot lose updates or over-spend.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate runs database migrations for credit tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.UserCredit{},
		&models.CreditTransaction{},
		&models.CreditPackage{},
	)
}

// GetUserCredit retrieves the credit record for a user, creating it lazily at
// zero balance. A balance query never fails with not-found.
func (s *Service) GetUserCredit(ctx context.Context, userID string) (*models.UserCredit, error) {
	var credit models.UserCredit

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&credit).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		credit = models.UserCredit{
			UserID:  userID,
			Credits: 0,
		}

		// Another request may create the row first; treat the conflict as a read.
		createErr := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoNothing: true,
			}).
			Create(&credit).Error
		if createErr != nil {
			return nil, fmt.Errorf("failed to create user credit: %w", createErr)
		}

		if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&credit).Error; err != nil {
			return nil, fmt.Errorf("failed to get user credit: %w", err)
		}

		return &credit, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user credit: %w", err)
	}

	return &credit, nil
}

// GetBalance returns the current spendable balance, zero for unknown users.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	credit, err := s.GetUserCredit(ctx, userID)
	if err != nil {
		return 0, err
	}
	return credit.Credits, nil
}

// Grant atomically adds amount to the user's balance and returns the new
// balance. The increment happens in the database, not as an application-level
// read-modify-write, so racing webhook deliveries cannot drop a grant.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, txType models.CreditTransactionType, description string) (int64, error) {
	if amount <= 0 {
		return 0, models.NewValidationError("grant amount must be positive", nil)
	}
	if txType == "" {
		txType = models.CreditTransactionGrant
	}

	var balanceAfter int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit := models.UserCredit{
			UserID:       userID,
			Credits:      amount,
			TotalGranted: amount,
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"credits":       gorm.Expr("credits + ?", amount),
				"total_granted": gorm.Expr("total_granted + ?", amount),
			}),
		}).Create(&credit).Error; err != nil {
			return fmt.Errorf("failed to grant credits: %w", err)
		}

		var updated models.UserCredit
		if err := tx.Where("user_id = ?", userID).First(&updated).Error; err != nil {
			return fmt.Errorf("failed to read balance after grant: %w", err)
		}
		balanceAfter = updated.Credits

		record := models.CreditTransaction{
			UserID:       userID,
			Type:         txType,
			Amount:       amount,
			BalanceAfter: balanceAfter,
			Description:  description,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create credit transaction: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return balanceAfter, nil
}

// GrantOnce applies a grant at most once per reference ID and reports whether
// this call was the one that granted. The transaction log row is inserted
// first under the reference's unique index, so a redelivered webhook (or a
// concurrent duplicate) conflicts there and leaves the balance alone.
func (s *Service) GrantOnce(ctx context.Context, userID string, amount int64, txType models.CreditTransactionType, description, referenceID string) (bool, error) {
	if amount <= 0 {
		return false, models.NewValidationError("grant amount must be positive", nil)
	}
	if referenceID == "" {
		return false, models.NewValidationError("reference id is required", nil)
	}

	granted := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.CreditTransaction{
			UserID:      userID,
			Type:        txType,
			Amount:      amount,
			Description: description,
			ReferenceID: &referenceID,
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("failed to create credit transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Reference already granted.
			return nil
		}

		credit := models.UserCredit{
			UserID:       userID,
			Credits:      amount,
			TotalGranted: amount,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"credits":       gorm.Expr("credits + ?", amount),
				"total_granted": gorm.Expr("total_granted + ?", amount),
			}),
		}).Create(&credit).Error; err != nil {
			return fmt.Errorf("failed to grant credits: %w", err)
		}

		var updated models.UserCredit
		if err := tx.Where("user_id = ?", userID).First(&updated).Error; err != nil {
			return fmt.Errorf("failed to read balance after grant: %w", err)
		}
		if err := tx.Model(&record).Update("balance_after", updated.Credits).Error; err != nil {
			return fmt.Errorf("failed to update credit transaction: %w", err)
		}

		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return granted, nil
}

// Consume atomically decrements the balance by amount if and only if the
// balance covers it, returning the new balance. The guard lives in the UPDATE
// itself: two concurrent consumes can never both succeed on the last credit.
func (s *Service) Consume(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount < 0 {
		return 0, models.NewValidationError("consume amount must be non-negative", nil)
	}

	var balanceAfter int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserCredit{}).
			Where("user_id = ? AND credits >= ?", userID, amount).
			Updates(map[string]any{
				"credits":        gorm.Expr("credits - ?", amount),
				"total_consumed": gorm.Expr("total_consumed + ?", amount),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to consume credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrInsufficientCredits
		}

		var updated models.UserCredit
		if err := tx.Where("user_id = ?", userID).First(&updated).Error; err != nil {
			return fmt.Errorf("failed to read balance after consume: %w", err)
		}
		balanceAfter = updated.Credits

		record := models.CreditTransaction{
			UserID:       userID,
			Type:         models.CreditTransactionConsume,
			Amount:       -amount,
			BalanceAfter: balanceAfter,
			Description:  description,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create credit transaction: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return balanceAfter, nil
}

// ListTransactions retrieves transaction history for a user, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	var transactions []models.CreditTransaction

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}

	return transactions, nil
}

// GetPackageByPriceID resolves a Stripe price ID to its credit package.
func (s *Service) GetPackageByPriceID(ctx context.Context, stripePriceID string) (*models.CreditPackage, error) {
	var pkg models.CreditPackage

	err := s.db.WithContext(ctx).
		Where("stripe_price_id = ?", stripePriceID).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("credit package")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit package: %w", err)
	}

	return &pkg, nil
}

// GetCreditPackages retrieves all available credit packages
func (s *Service) GetCreditPackages(ctx context.Context) ([]models.CreditPackage, error) {
	var packages []models.CreditPackage

	if err := s.db.WithContext(ctx).Find(&packages).Error; err != nil {
		return nil, fmt.Errorf("failed to get credit packages: %w", err)
	}

	return packages, nil
}
