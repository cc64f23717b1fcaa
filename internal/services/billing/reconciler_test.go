package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/purchases"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu          sync.Mutex
	records     map[string]*models.Purchase
	finalized   map[string]models.PurchaseStatus
	recordErr   error
	finalizeErr error
	stale       []models.Purchase
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records:   make(map[string]*models.Purchase),
		finalized: make(map[string]models.PurchaseStatus),
	}
}

func (f *fakeLedger) RecordIfNew(_ context.Context, params purchases.RecordParams) (bool, *models.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.recordErr != nil {
		return false, nil, f.recordErr
	}
	if existing, ok := f.records[params.PaymentIntentID]; ok {
		snapshot := *existing
		return false, &snapshot, nil
	}
	record := &models.Purchase{
		UserID:          params.UserID,
		PaymentIntentID: params.PaymentIntentID,
		SessionID:       params.SessionID,
		Credits:         params.Credits,
		Status:          models.PurchaseStatusPending,
	}
	f.records[params.PaymentIntentID] = record
	snapshot := *record
	return true, &snapshot, nil
}

func (f *fakeLedger) ClaimPending(_ context.Context, paymentIntentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[paymentIntentID]
	if !ok || record.Status != models.PurchaseStatusPending {
		return false, nil
	}
	record.Status = models.PurchaseStatusGranting
	return true, nil
}

func (f *fakeLedger) Finalize(_ context.Context, paymentIntentID string, status models.PurchaseStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	if record, ok := f.records[paymentIntentID]; ok {
		record.Status = status
	}
	f.finalized[paymentIntentID] = status
	return nil
}

func (f *fakeLedger) ListUnsettledOlderThan(_ context.Context, _ time.Duration) ([]models.Purchase, error) {
	return f.stale, nil
}

func (f *fakeLedger) status(paymentIntentID string) models.PurchaseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[paymentIntentID].Status
}

type fakeGranter struct {
	mu       sync.Mutex
	grants   []int64
	attempts int
	failures int
	grantErr error

	// When set, the first Grant call signals entered and parks until release
	// is closed, so a test can overlap a duplicate delivery with it.
	entered     chan struct{}
	release     chan struct{}
	enteredOnce sync.Once
}

func (f *fakeGranter) Grant(_ context.Context, _ string, amount int64, _ models.CreditTransactionType, _ string) (int64, error) {
	if f.entered != nil {
		f.enteredOnce.Do(func() { close(f.entered) })
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.grantErr != nil {
		return 0, f.grantErr
	}
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("transient grant failure")
	}
	f.grants = append(f.grants, amount)
	return amount, nil
}

func (f *fakeGranter) grantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}

func testEvent() PaymentEvent {
	return PaymentEvent{
		UserID:          "user_1",
		ProductID:       "pack_small",
		PaymentIntentID: "pi_123",
		SessionID:       "cs_123",
		Credits:         500,
		AmountCents:     999,
	}
}

func TestProcessGrantsAndFinalizes(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{}
	r := NewReconciler(ledger, granter, 3)

	outcome, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, outcome)
	assert.Equal(t, []int64{500}, granter.grants)
	assert.Equal(t, models.PurchaseStatusComplete, ledger.finalized["pi_123"])
}

func TestProcessDeduplicatesSettledPurchase(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{}
	r := NewReconciler(ledger, granter, 3)

	_, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)

	// Redelivery of the same event must not grant a second time.
	outcome, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeduplicated, outcome)
	assert.Len(t, granter.grants, 1)
}

func TestProcessConcurrentDuplicateDeliveryGrantsOnce(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := NewReconciler(ledger, granter, 3)

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Process(context.Background(), testEvent())
		firstDone <- err
	}()

	// Wait until the first delivery is inside the grant, then deliver the
	// same event again. The duplicate must lose the claim and acknowledge
	// without granting.
	<-granter.entered

	outcome, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduplicated, outcome)
	assert.Equal(t, 0, granter.grantCount())

	close(granter.release)
	require.NoError(t, <-firstDone)

	assert.Equal(t, 1, granter.grantCount())
	assert.Equal(t, models.PurchaseStatusComplete, ledger.status("pi_123"))
}

func TestProcessResumesPendingRedelivery(t *testing.T) {
	ledger := newFakeLedger()
	ledger.records["pi_123"] = &models.Purchase{
		PaymentIntentID: "pi_123",
		Status:          models.PurchaseStatusPending,
	}
	granter := &fakeGranter{}
	r := NewReconciler(ledger, granter, 3)

	outcome, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, outcome)
	assert.Equal(t, []int64{500}, granter.grants)
	assert.Equal(t, models.PurchaseStatusComplete, ledger.finalized["pi_123"])
}

func TestProcessRetriesTransientGrantFailure(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{failures: 2}
	r := NewReconciler(ledger, granter, 3)

	outcome, err := r.Process(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, outcome)
	assert.Len(t, granter.grants, 1)
}

func TestProcessFailsWhenRetriesExhausted(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{failures: 10}
	r := NewReconciler(ledger, granter, 3)

	outcome, err := r.Process(context.Background(), testEvent())
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, granter.grants)
	assert.Equal(t, models.PurchaseStatusFailed, ledger.finalized["pi_123"])
}

func TestProcessDoesNotRetryNonRetryableGrantFailure(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{grantErr: models.NewValidationError("bad grant", nil)}
	r := NewReconciler(ledger, granter, 3)

	outcome, err := r.Process(context.Background(), testEvent())
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, granter.attempts)
	assert.Equal(t, models.PurchaseStatusFailed, ledger.finalized["pi_123"])
}

func TestProcessRejectsZeroCredits(t *testing.T) {
	r := NewReconciler(newFakeLedger(), &fakeGranter{}, 3)

	evt := testEvent()
	evt.Credits = 0

	outcome, err := r.Process(context.Background(), evt)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestProcessAcksWhenFinalizeFailsAfterGrant(t *testing.T) {
	ledger := newFakeLedger()
	granter := &fakeGranter{}
	r := NewReconciler(ledger, granter, 2)

	// First delivery records the row, then finalize starts failing.
	created, _, err := ledger.RecordIfNew(context.Background(), purchases.RecordParams{
		UserID:          "user_1",
		PaymentIntentID: "pi_123",
		SessionID:       "cs_123",
		Credits:         500,
	})
	require.NoError(t, err)
	require.True(t, created)
	ledger.finalizeErr = errors.New("db down")

	outcome, err := r.Process(context.Background(), testEvent())

	// The grant applied, so the event must be acknowledged to stop
	// redelivery from double-granting.
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
	assert.Len(t, granter.grants, 1)
}

func TestRecoverMarksStalePendingFailed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.records["pi_old"] = &models.Purchase{
		PaymentIntentID: "pi_old",
		Status:          models.PurchaseStatusPending,
	}
	ledger.stale = []models.Purchase{{
		UserID:          "user_1",
		PaymentIntentID: "pi_old",
		Credits:         500,
		Status:          models.PurchaseStatusPending,
	}}
	granter := &fakeGranter{}
	r := NewReconciler(ledger, granter, 3)

	settled, err := r.Recover(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, settled)
	assert.Equal(t, models.PurchaseStatusFailed, ledger.finalized["pi_old"])
	// Recovery never re-grants; it cannot know whether the grant landed.
	assert.Empty(t, granter.grants)
}
