package models

// CacheConfig holds configuration for the analysis result cache (optional).
// Redis also backs the provider circuit breakers when configured.
type CacheConfig struct {
	Enabled    bool   `json:"enabled,omitzero" yaml:"enabled"`
	RedisURL   string `json:"redis_url,omitzero" yaml:"redis_url"`
	TTLSeconds int    `json:"ttl_seconds,omitzero" yaml:"ttl_seconds"`
}
