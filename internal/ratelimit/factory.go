package ratelimit

import (
	"fmt"

	"github.com/tokenrelay/llm-gateway/internal/config"
)

// NewStore builds the configured CounterStore backend. Config validation
// at load time (config.YAMLConfig.Validate) guarantees Backend is one of
// "memory" or "redis" by the time this runs.
func NewStore(cfg config.RateLimitingConfig) (CounterStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(DefaultMaxBucketsPerShard), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("ratelimit: unsupported backend %q", cfg.Backend)
	}
}
