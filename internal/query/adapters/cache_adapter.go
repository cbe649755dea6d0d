package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/providers"
)

// QueryCacheAdapter stores JSON values in the shared CacheProvider. A nil
// provider behaves as an always-empty cache.
type QueryCacheAdapter struct {
	provider providers.CacheProvider
}

// NewQueryCacheAdapter creates a new query cache adapter
func NewQueryCacheAdapter(provider providers.CacheProvider) *QueryCacheAdapter {
	return &QueryCacheAdapter{provider: provider}
}

// Get unmarshals the value stored under key into out. It reports false on a
// miss; decode failures are returned as errors.
func (a *QueryCacheAdapter) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if a == nil || a.provider == nil {
		return false, nil
	}

	data, err := a.provider.Get(ctx, key)
	if errors.Is(err, providers.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Set marshals the value to JSON and stores it in cache
func (a *QueryCacheAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if a == nil || a.provider == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return a.provider.Set(ctx, key, data, ttl)
}

// DeletePattern removes every stored key matching pattern
func (a *QueryCacheAdapter) DeletePattern(ctx context.Context, pattern string) error {
	if a == nil || a.provider == nil {
		return nil
	}
	return a.provider.DeletePattern(ctx, pattern)
}
