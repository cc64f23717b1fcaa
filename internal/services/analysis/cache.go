package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix  = "analysis:result:"
	defaultCacheTTL = 24 * time.Hour
)

// ResultCache stores completed analyses in Redis keyed by the exact request.
// Cache errors are logged and treated as misses so Redis outages only cost
// provider calls, never requests.
type ResultCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewResultCache(redisClient *redis.Client, ttlSeconds int) *ResultCache {
	ttl := defaultCacheTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &ResultCache{
		redisClient: redisClient,
		ttl:         ttl,
	}
}

func cacheKey(req *models.AnalysisRequest) string {
	sum := sha256.Sum256([]byte(req.Prompt + "\x00" + req.Language + "\x00" + req.Goal))
	return cacheKeyPrefix + fmt.Sprintf("%x", sum[:16])
}

// Lookup returns the cached result for an identical earlier request.
func (rc *ResultCache) Lookup(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, bool) {
	payload, err := rc.redisClient.Get(ctx, cacheKey(req)).Bytes()
	if err != nil {
		if err != redis.Nil {
			fiberlog.Errorf("ResultCache: lookup failed: %v", err)
		}
		return nil, false
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		fiberlog.Errorf("ResultCache: failed to decode cached result: %v", err)
		return nil, false
	}

	result.Cached = true
	return &result, true
}

// Store writes a completed analysis for later identical requests.
func (rc *ResultCache) Store(ctx context.Context, req *models.AnalysisRequest, result *models.AnalysisResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		fiberlog.Errorf("ResultCache: failed to encode result: %v", err)
		return
	}

	if err := rc.redisClient.Set(ctx, cacheKey(req), payload, rc.ttl).Err(); err != nil {
		fiberlog.Errorf("ResultCache: store failed: %v", err)
	}
}
