package swr

import (
	"context"
	"net/url"
)

// Key builds a cache key from an endpoint path and its query parameters.
// Parameters are sorted, so equal requests always share a key.
func Key(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	values := make(url.Values, len(params))
	for name, value := range params {
		values.Set(name, value)
	}
	return path + "?" + values.Encode()
}

// Result is a typed Snapshot
type Result[T any] struct {
	Data         T
	Err          error
	IsLoading    bool
	IsValidating bool
}

// Get reads key through c and asserts the cached value to T
func Get[T any](ctx context.Context, c *Cache, key string, policy Policy, fetch func(ctx context.Context) (T, error)) Result[T] {
	snap := c.Read(ctx, key, policy, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	return typed[T](snap)
}

// Peek returns the typed state of key without fetching
func Peek[T any](c *Cache, key string) (Result[T], bool) {
	snap, ok := c.Snapshot(key)
	return typed[T](snap), ok
}

func typed[T any](snap Snapshot) Result[T] {
	out := Result[T]{
		Err:          snap.Err,
		IsLoading:    snap.IsLoading,
		IsValidating: snap.IsValidating,
	}
	if data, ok := snap.Data.(T); ok {
		out.Data = data
	}
	return out
}
