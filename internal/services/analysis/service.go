package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/services/entitlement"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

const (
	defaultCreditsPerAnalysis = 1
	defaultProviderTimeout    = 60 * time.Second
	maxPromptLength           = 20000
)

// CreditConsumer is the slice of the credit store the analysis service needs.
type CreditConsumer interface {
	Consume(ctx context.Context, userID string, amount int64, description string) (int64, error)
}

// EntitlementChecker decides whether a user may spend credits.
type EntitlementChecker interface {
	EffectiveBalance(ctx context.Context, userID, planName string) (entitlement.Balance, error)
}

// Breaker shields the upstream provider. Nil-safe via the service wrapper.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// Service orchestrates one analysis: entitlement check, cache lookup,
// provider call behind the circuit breaker, credit consumption, history.
type Service struct {
	db           *gorm.DB
	provider     Provider
	cache        *ResultCache
	breaker      Breaker
	entitlements EntitlementChecker
	credits      CreditConsumer

	creditsPerAnalysis int64
	providerTimeout    time.Duration
}

type ServiceParams struct {
	DB           *gorm.DB
	Provider     Provider
	Cache        *ResultCache // optional
	Breaker      Breaker      // optional
	Entitlements EntitlementChecker
	Credits      CreditConsumer

	CreditsPerAnalysis int64
	TimeoutSeconds     int
}

func NewService(params ServiceParams) *Service {
	creditsPerAnalysis := params.CreditsPerAnalysis
	if creditsPerAnalysis <= 0 {
		creditsPerAnalysis = defaultCreditsPerAnalysis
	}

	providerTimeout := defaultProviderTimeout
	if params.TimeoutSeconds > 0 {
		providerTimeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	return &Service{
		db:                 params.DB,
		provider:           params.Provider,
		cache:              params.Cache,
		breaker:            params.Breaker,
		entitlements:       params.Entitlements,
		credits:            params.Credits,
		creditsPerAnalysis: creditsPerAnalysis,
		providerTimeout:    providerTimeout,
	}
}

// AutoMigrate runs database migrations for the analysis history table
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.AnalysisRecord{})
}

// Analyze runs one prompt analysis for a user. Cache hits are free;
// a provider call consumes credits after it succeeds, unless the user's
// plan is unlimited.
func (s *Service) Analyze(ctx context.Context, userID, planName string, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, models.NewValidationError("prompt is required", nil)
	}
	if len(req.Prompt) > maxPromptLength {
		return nil, models.NewValidationError("prompt is too long", nil)
	}

	if s.cache != nil {
		if result, ok := s.cache.Lookup(ctx, req); ok {
			fiberlog.Infof("Analysis cache hit for user %s", userID)
			s.recordHistory(ctx, userID, req, result, 0)
			return result, nil
		}
	}

	balance, err := s.entitlements.EffectiveBalance(ctx, userID, planName)
	if err != nil {
		return nil, err
	}
	if !balance.Unlimited && balance.Credits < s.creditsPerAnalysis {
		return nil, models.ErrInsufficientCredits
	}

	if s.breaker != nil && !s.breaker.CanExecute() {
		return nil, models.NewProviderError(s.provider.Name(), "provider temporarily unavailable", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	result, err := s.provider.Analyze(callCtx, req)
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, models.NewTimeoutError("prompt analysis", err)
		}
		return nil, err
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	creditsSpent := int64(0)
	if !balance.Unlimited {
		if _, err := s.credits.Consume(ctx, userID, s.creditsPerAnalysis, "prompt analysis"); err != nil {
			if errors.Is(err, models.ErrInsufficientCredits) {
				// Balance raced to zero between the check and the charge.
				return nil, models.ErrInsufficientCredits
			}
			return nil, err
		}
		creditsSpent = s.creditsPerAnalysis
	}

	if s.cache != nil {
		s.cache.Store(ctx, req, result)
	}

	s.recordHistory(ctx, userID, req, result, creditsSpent)

	return result, nil
}

// ListByUser returns a user's analysis history, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]models.AnalysisRecord, error) {
	var records []models.AnalysisRecord

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// recordHistory persists the analysis for the user's history page. History is
// best effort; a write failure must not fail a completed analysis.
func (s *Service) recordHistory(ctx context.Context, userID string, req *models.AnalysisRequest, result *models.AnalysisResult, creditsSpent int64) {
	record := models.AnalysisRecord{
		UserID:         userID,
		Prompt:         req.Prompt,
		Language:       req.Language,
		ImprovedPrompt: result.ImprovedPrompt,
		Explanation:    result.Explanation,
		Provider:       result.Provider,
		Model:          result.Model,
		CreditsSpent:   creditsSpent,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		fiberlog.Errorf("Failed to record analysis history for user %s: %v", userID, err)
	}
}
