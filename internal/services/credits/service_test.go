package credits

import (
	"context"
	"sync"
	"testing"

	"github.com/vibebetter/vibebetter-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc := NewService(db)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.GetBalance(context.Background(), "user_new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGrantAccumulates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.Grant(ctx, "user_1", 500, models.CreditTransactionGrant, "purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	balance, err = svc.Grant(ctx, "user_1", 250, models.CreditTransactionGrant, "purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	credit, err := svc.GetUserCredit(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), credit.Credits)
	assert.Equal(t, int64(750), credit.TotalGranted)
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Grant(context.Background(), "user_1", 0, models.CreditTransactionGrant, "")
	assert.Error(t, err)

	_, err = svc.Grant(context.Background(), "user_1", -5, models.CreditTransactionGrant, "")
	assert.Error(t, err)
}

func TestConsumeDecrements(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "user_1", 100, models.CreditTransactionGrant, "")
	require.NoError(t, err)

	balance, err := svc.Consume(ctx, "user_1", 30, "analysis")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	credit, err := svc.GetUserCredit(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), credit.TotalConsumed)
}

func TestConsumeInsufficientBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "user_1", 10, models.CreditTransactionGrant, "")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, "user_1", 11, "analysis")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)

	// Balance untouched after the refused consume.
	balance, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestConsumeExactBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "user_1", 10, models.CreditTransactionGrant, "")
	require.NoError(t, err)

	balance, err := svc.Consume(ctx, "user_1", 10, "analysis")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestConsumeUnknownUser(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Consume(context.Background(), "ghost", 1, "analysis")
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)
}

func TestConsumeConcurrentOnLastCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "user_1", 100, models.CreditTransactionGrant, "")
	require.NoError(t, err)

	// Both consumes want the full balance; the guarded decrement must let
	// exactly one through.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, "user_1", 100, "race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, refused := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, models.ErrInsufficientCredits)
			refused++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)

	balance, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGrantOnceDeduplicatesByReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	granted, err := svc.GrantOnce(ctx, "user_1", 250,
		models.CreditTransactionPromotional, "Welcome bonus", "signup_bonus:user_1")
	require.NoError(t, err)
	assert.True(t, granted)

	// A redelivered event carries the same reference and must not grant again.
	granted, err = svc.GrantOnce(ctx, "user_1", 250,
		models.CreditTransactionPromotional, "Welcome bonus", "signup_bonus:user_1")
	require.NoError(t, err)
	assert.False(t, granted)

	balance, err := svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	transactions, err := svc.ListTransactions(ctx, "user_1", 10, 0)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, int64(250), transactions[0].BalanceAfter)
}

func TestGrantOnceRequiresReference(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GrantOnce(context.Background(), "user_1", 250,
		models.CreditTransactionPromotional, "Welcome bonus", "")
	assert.Error(t, err)
}

func TestTransactionLog(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "user_1", 100, models.CreditTransactionPromotional, "welcome")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "user_1", 25, "analysis")
	require.NoError(t, err)

	transactions, err := svc.ListTransactions(ctx, "user_1", 10, 0)
	require.NoError(t, err)
	require.Len(t, transactions, 2)

	var grant, consume *models.CreditTransaction
	for i := range transactions {
		switch transactions[i].Type {
		case models.CreditTransactionPromotional:
			grant = &transactions[i]
		case models.CreditTransactionConsume:
			consume = &transactions[i]
		}
	}

	require.NotNil(t, grant)
	assert.Equal(t, int64(100), grant.Amount)
	assert.Equal(t, int64(100), grant.BalanceAfter)

	require.NotNil(t, consume)
	assert.Equal(t, int64(-25), consume.Amount)
	assert.Equal(t, int64(75), consume.BalanceAfter)
}

func TestGetPackageByPriceID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pkg := models.CreditPackage{
		Name:          "Starter",
		Credits:       500,
		PriceCents:    999,
		StripePriceID: "price_starter",
	}
	require.NoError(t, svc.db.Create(&pkg).Error)

	found, err := svc.GetPackageByPriceID(ctx, "price_starter")
	require.NoError(t, err)
	assert.Equal(t, int64(500), found.Credits)

	_, err = svc.GetPackageByPriceID(ctx, "price_missing")
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeNotFound, appErr.Type)
}
