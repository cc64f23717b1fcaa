package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/entitlement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeProvider struct {
	result *models.AnalysisResult
	err    error
	calls  int
	block  bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Analyze(ctx context.Context, _ *models.AnalysisRequest) (*models.AnalysisResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEntitlements struct {
	balance entitlement.Balance
}

func (f *fakeEntitlements) EffectiveBalance(_ context.Context, _, _ string) (entitlement.Balance, error) {
	return f.balance, nil
}

type fakeConsumer struct {
	consumed []int64
	err      error
}

func (f *fakeConsumer) Consume(_ context.Context, _ string, amount int64, _ string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.consumed = append(f.consumed, amount)
	return 0, nil
}

type fakeBreaker struct {
	open      bool
	successes int
	failures  int
}

func (f *fakeBreaker) CanExecute() bool { return !f.open }
func (f *fakeBreaker) RecordSuccess()   { f.successes++ }
func (f *fakeBreaker) RecordFailure()   { f.failures++ }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.AnalysisRecord{}))
	return db
}

func goodResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		ImprovedPrompt: "better prompt",
		Explanation:    "made it specific",
		Provider:       "fake",
		Model:          "fake-1",
	}
}

func TestAnalyzeConsumesCredits(t *testing.T) {
	provider := &fakeProvider{result: goodResult()}
	consumer := &fakeConsumer{}
	breaker := &fakeBreaker{}

	svc := NewService(ServiceParams{
		DB:                 newTestDB(t),
		Provider:           provider,
		Breaker:            breaker,
		Entitlements:       &fakeEntitlements{balance: entitlement.Balance{Credits: 10}},
		Credits:            consumer,
		CreditsPerAnalysis: 2,
	})

	result, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "help"})
	require.NoError(t, err)

	assert.Equal(t, "better prompt", result.ImprovedPrompt)
	assert.Equal(t, []int64{2}, consumer.consumed)
	assert.Equal(t, 1, breaker.successes)

	records, err := svc.ListByUser(context.Background(), "user_1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].CreditsSpent)
}

func TestAnalyzeUnlimitedPlanSkipsConsumption(t *testing.T) {
	provider := &fakeProvider{result: goodResult()}
	consumer := &fakeConsumer{}

	svc := NewService(ServiceParams{
		DB:           newTestDB(t),
		Provider:     provider,
		Entitlements: &fakeEntitlements{balance: entitlement.Balance{Unlimited: true}},
		Credits:      consumer,
	})

	_, err := svc.Analyze(context.Background(), "user_1", "Plan User Unlimited", &models.AnalysisRequest{Prompt: "help"})
	require.NoError(t, err)

	assert.Empty(t, consumer.consumed)
}

func TestAnalyzeTimesOutSlowProvider(t *testing.T) {
	provider := &fakeProvider{block: true}
	breaker := &fakeBreaker{}

	svc := NewService(ServiceParams{
		DB:             newTestDB(t),
		Provider:       provider,
		Breaker:        breaker,
		Entitlements:   &fakeEntitlements{balance: entitlement.Balance{Credits: 10}},
		Credits:        &fakeConsumer{},
		TimeoutSeconds: 1,
	})

	_, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "help"})
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeTimeout, appErr.Type)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, 1, breaker.failures)
}

func TestAnalyzeInsufficientCredits(t *testing.T) {
	provider := &fakeProvider{result: goodResult()}

	svc := NewService(ServiceParams{
		DB:                 newTestDB(t),
		Provider:           provider,
		Entitlements:       &fakeEntitlements{balance: entitlement.Balance{Credits: 1}},
		Credits:            &fakeConsumer{},
		CreditsPerAnalysis: 2,
	})

	_, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "help"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)

	// The provider was never called for a request the user cannot afford.
	assert.Equal(t, 0, provider.calls)
}

func TestAnalyzeOpenBreakerBlocksCall(t *testing.T) {
	provider := &fakeProvider{result: goodResult()}

	svc := NewService(ServiceParams{
		DB:           newTestDB(t),
		Provider:     provider,
		Breaker:      &fakeBreaker{open: true},
		Entitlements: &fakeEntitlements{balance: entitlement.Balance{Credits: 10}},
		Credits:      &fakeConsumer{},
	})

	_, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "help"})
	require.Error(t, err)
	assert.Equal(t, 0, provider.calls)
}

func TestAnalyzeProviderFailureRecordsBreaker(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream down")}
	consumer := &fakeConsumer{}
	breaker := &fakeBreaker{}

	svc := NewService(ServiceParams{
		DB:           newTestDB(t),
		Provider:     provider,
		Breaker:      breaker,
		Entitlements: &fakeEntitlements{balance: entitlement.Balance{Credits: 10}},
		Credits:      consumer,
	})

	_, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "help"})
	require.Error(t, err)

	assert.Equal(t, 1, breaker.failures)
	// Failed analyses are free.
	assert.Empty(t, consumer.consumed)
}

func TestAnalyzeValidation(t *testing.T) {
	svc := NewService(ServiceParams{
		DB:           newTestDB(t),
		Provider:     &fakeProvider{result: goodResult()},
		Entitlements: &fakeEntitlements{balance: entitlement.Balance{Credits: 10}},
		Credits:      &fakeConsumer{},
	})

	_, err := svc.Analyze(context.Background(), "user_1", "", &models.AnalysisRequest{Prompt: "   "})
	assert.Error(t, err)
}
