package purchases

import (
	"context"
	"testing"
	"time"

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

func testParams() RecordParams {
	return RecordParams{
		UserID:          "user_1",
		ProductID:       "pack_small",
		PriceID:         "price_small",
		PaymentIntentID: "pi_123",
		SessionID:       "cs_123",
		Credits:         500,
		AmountCents:     999,
	}
}

func TestRecordIfNewCreatesPending(t *testing.T) {
	svc := newTestService(t)

	created, record, err := svc.RecordIfNew(context.Background(), testParams())
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, models.PurchaseStatusPending, record.Status)
	assert.Equal(t, int64(500), record.Credits)
}

func TestRecordIfNewDeduplicatesByPaymentIntent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, first, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)
	require.True(t, created)

	// Same payment intent, different session: still a duplicate.
	params := testParams()
	params.SessionID = "cs_other"
	created, second, err := svc.RecordIfNew(ctx, params)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordIfNewValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	params := testParams()
	params.PaymentIntentID = ""
	_, _, err := svc.RecordIfNew(ctx, params)
	assert.Error(t, err)

	params = testParams()
	params.UserID = ""
	_, _, err = svc.RecordIfNew(ctx, params)
	assert.Error(t, err)
}

func TestClaimPendingIsExclusive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)

	claimed, err := svc.ClaimPending(ctx, "pi_123")
	require.NoError(t, err)
	assert.True(t, claimed)

	record, err := svc.GetByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusGranting, record.Status)

	// A second delivery of the same event loses the claim.
	claimed, err = svc.ClaimPending(ctx, "pi_123")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimPendingUnknownPurchase(t *testing.T) {
	svc := newTestService(t)

	claimed, err := svc.ClaimPending(context.Background(), "pi_missing")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFinalizeCompletesPending(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)

	require.NoError(t, svc.Finalize(ctx, "pi_123", models.PurchaseStatusComplete))

	record, err := svc.GetByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusComplete, record.Status)
}

func TestFinalizeSettlesGranting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)

	claimed, err := svc.ClaimPending(ctx, "pi_123")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, svc.Finalize(ctx, "pi_123", models.PurchaseStatusComplete))

	record, err := svc.GetByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusComplete, record.Status)
}

func TestFinalizeIsPendingOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, "pi_123", models.PurchaseStatusComplete))

	// A settled purchase is immutable.
	err = svc.Finalize(ctx, "pi_123", models.PurchaseStatusFailed)
	require.Error(t, err)

	record, err := svc.GetByPaymentIntent(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusComplete, record.Status)
}

func TestFinalizeRejectsPendingStatus(t *testing.T) {
	svc := newTestService(t)

	err := svc.Finalize(context.Background(), "pi_123", models.PurchaseStatusPending)
	assert.Error(t, err)
}

func TestListUnsettledOlderThan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, record, err := svc.RecordIfNew(ctx, testParams())
	require.NoError(t, err)

	// Fresh rows are not stale.
	stale, err := svc.ListUnsettledOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Age the row past the cutoff.
	require.NoError(t, svc.db.Model(&models.Purchase{}).
		Where("id = ?", record.ID).
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	stale, err = svc.ListUnsettledOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pi_123", stale[0].PaymentIntentID)

	// A claimed row whose delivery died mid-grant is still swept.
	claimed, err := svc.ClaimPending(ctx, "pi_123")
	require.NoError(t, err)
	require.True(t, claimed)

	stale, err = svc.ListUnsettledOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// Settled rows drop out of the sweep.
	require.NoError(t, svc.Finalize(ctx, "pi_123", models.PurchaseStatusFailed))
	stale, err = svc.ListUnsettledOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestListByUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := testParams()
	_, _, err := svc.RecordIfNew(ctx, first)
	require.NoError(t, err)

	second := testParams()
	second.PaymentIntentID = "pi_456"
	second.SessionID = "cs_456"
	_, _, err = svc.RecordIfNew(ctx, second)
	require.NoError(t, err)

	records, err := svc.ListByUser(ctx, "user_1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = svc.ListByUser(ctx, "someone_else", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
