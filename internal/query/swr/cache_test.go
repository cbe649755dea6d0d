package swr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// scriptedFetcher answers each call with the next step; steps may block on a gate
type scriptedFetcher struct {
	calls int32
	steps []func() (interface{}, error)
}

func (s *scriptedFetcher) Fetch(ctx context.Context) (interface{}, error) {
	n := int(atomic.AddInt32(&s.calls, 1))
	if n > len(s.steps) {
		return s.steps[len(s.steps)-1]()
	}
	return s.steps[n-1]()
}

func (s *scriptedFetcher) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

func value(v interface{}) func() (interface{}, error) {
	return func() (interface{}, error) { return v, nil }
}

func failure(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func gated(gate <-chan struct{}, v interface{}) func() (interface{}, error) {
	return func() (interface{}, error) {
		<-gate
		return v, nil
	}
}

func newTestCache(clock *fakeClock) *Cache {
	return New(Options{
		DedupInterval: 2 * time.Second,
		FetchTimeout:  time.Second,
		Now:           clock.Now,
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "/queue-entries", Key("/queue-entries", nil))
	assert.Equal(t, "/queue-entries?fullExpansion=true", Key("/queue-entries", map[string]string{"fullExpansion": "true"}))
	assert.Equal(t,
		Key("/queue-entries", map[string]string{"patient": "p1", "visit": "v1"}),
		Key("/queue-entries", map[string]string{"visit": "v1", "patient": "p1"}),
	)
	assert.Equal(t, "/queue-entries?patient=p1&visit=v1", Key("/queue-entries", map[string]string{"visit": "v1", "patient": "p1"}))
}

func TestCache_FirstRead(t *testing.T) {
	clock := newFakeClock()

	t.Run("waits for data", func(t *testing.T) {
		cache := newTestCache(clock)
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1")}}

		snap := cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)

		assert.Equal(t, "v1", snap.Data)
		assert.NoError(t, snap.Err)
		assert.False(t, snap.IsLoading)
		assert.False(t, snap.IsValidating)
		assert.Equal(t, 1, fetcher.Calls())
	})

	t.Run("reports loading while the first fetch is in flight", func(t *testing.T) {
		cache := newTestCache(clock)
		gate := make(chan struct{})
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){gated(gate, "v1")}}

		done := make(chan Snapshot)
		go func() { done <- cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch) }()

		require.Eventually(t, func() bool {
			snap, ok := cache.Snapshot("k")
			return ok && snap.IsLoading
		}, time.Second, 5*time.Millisecond)

		close(gate)
		snap := <-done
		assert.Equal(t, "v1", snap.Data)
		assert.False(t, snap.IsLoading)
	})

	t.Run("error without data", func(t *testing.T) {
		cache := newTestCache(clock)
		boom := errors.New("connection refused")
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){failure(boom)}}

		snap := cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)

		assert.Nil(t, snap.Data)
		assert.ErrorIs(t, snap.Err, boom)
		assert.False(t, snap.IsLoading)

		snap = cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		assert.ErrorIs(t, snap.Err, boom)
		assert.Equal(t, 1, fetcher.Calls(), "errors are not refetched inside the dedup window")
	})

	t.Run("cancelled reader leaves the fetch running", func(t *testing.T) {
		cache := newTestCache(clock)
		gate := make(chan struct{})
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){gated(gate, "v1")}}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		snap := cache.Read(ctx, "k", PolicyRevalidate, fetcher.Fetch)
		assert.Nil(t, snap.Data)

		close(gate)
		require.Eventually(t, func() bool {
			snap, _ := cache.Snapshot("k")
			return snap.Data == "v1"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("panicking fetcher becomes an error", func(t *testing.T) {
		cache := newTestCache(clock)
		snap := cache.Read(context.Background(), "k", PolicyRevalidate, func(ctx context.Context) (interface{}, error) {
			panic("nil map")
		})
		require.Error(t, snap.Err)
		assert.Contains(t, snap.Err.Error(), "nil map")
	})
}

func TestCache_Coalescing(t *testing.T) {
	cache := newTestCache(newFakeClock())
	gate := make(chan struct{})
	fetcher := &scriptedFetcher{steps: []func() (interface{}, error){gated(gate, "v1")}}

	const readers = 25
	var wg sync.WaitGroup
	results := make([]Snapshot, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Read(context.Background(), "/queue-entries?fullExpansion=true", PolicyRevalidate, fetcher.Fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, fetcher.Calls())
	for _, snap := range results {
		assert.Equal(t, "v1", snap.Data)
	}
}

func TestCache_Revalidate(t *testing.T) {
	t.Run("serves cached data inside the dedup window", func(t *testing.T) {
		clock := newFakeClock()
		cache := newTestCache(clock)
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), value("v2")}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		clock.Advance(time.Second)
		snap := cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)

		assert.Equal(t, "v1", snap.Data)
		assert.False(t, snap.IsValidating)
		assert.Equal(t, 1, fetcher.Calls())
	})

	t.Run("serves stale data while refreshing in the background", func(t *testing.T) {
		clock := newFakeClock()
		cache := newTestCache(clock)
		gate := make(chan struct{})
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), gated(gate, "v2")}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		clock.Advance(3 * time.Second)

		snap := cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		assert.Equal(t, "v1", snap.Data)
		assert.True(t, snap.IsValidating)
		assert.False(t, snap.IsLoading)

		again := cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		assert.Equal(t, "v1", again.Data)

		close(gate)
		require.Eventually(t, func() bool {
			snap, _ := cache.Snapshot("k")
			return snap.Data == "v2" && !snap.IsValidating
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, fetcher.Calls())
	})

	t.Run("keeps data when a refresh fails", func(t *testing.T) {
		clock := newFakeClock()
		cache := newTestCache(clock)
		boom := errors.New("502 bad gateway")
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), failure(boom)}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		clock.Advance(3 * time.Second)
		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)

		require.Eventually(t, func() bool {
			snap, _ := cache.Snapshot("k")
			return snap.Err != nil && !snap.IsValidating
		}, time.Second, 5*time.Millisecond)

		snap, _ := cache.Snapshot("k")
		assert.Equal(t, "v1", snap.Data)
		assert.ErrorIs(t, snap.Err, boom)
	})

	t.Run("immutable keys are fetched once", func(t *testing.T) {
		clock := newFakeClock()
		cache := newTestCache(clock)
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), value("v2")}}

		cache.Read(context.Background(), "ref", PolicyImmutable, fetcher.Fetch)
		clock.Advance(24 * time.Hour)
		snap := cache.Read(context.Background(), "ref", PolicyImmutable, fetcher.Fetch)

		assert.Equal(t, "v1", snap.Data)
		assert.False(t, snap.IsValidating)
		assert.Equal(t, 1, fetcher.Calls())
	})
}

func TestCache_Invalidate(t *testing.T) {
	t.Run("refetches before returning", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), value("v2")}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		require.NoError(t, cache.Invalidate(context.Background(), "k"))

		snap, ok := cache.Snapshot("k")
		require.True(t, ok)
		assert.Equal(t, "v2", snap.Data)
		assert.Equal(t, 2, fetcher.Calls())
	})

	t.Run("immutable keys refetch too", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), value("v2")}}

		cache.Read(context.Background(), "ref", PolicyImmutable, fetcher.Fetch)
		require.NoError(t, cache.Invalidate(context.Background(), "ref"))

		snap := cache.Read(context.Background(), "ref", PolicyImmutable, fetcher.Fetch)
		assert.Equal(t, "v2", snap.Data)
	})

	t.Run("unknown key", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		assert.NoError(t, cache.Invalidate(context.Background(), "nope"))
		assert.Empty(t, cache.Keys())
	})

	t.Run("drops an older refresh that finishes late", func(t *testing.T) {
		clock := newFakeClock()
		cache := newTestCache(clock)
		gate := make(chan struct{})
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){
			value("v1"),
			gated(gate, "before-write"),
			value("after-write"),
		}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		clock.Advance(3 * time.Second)
		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)
		require.Eventually(t, func() bool { return fetcher.Calls() == 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, cache.Invalidate(context.Background(), "k"))
		snap, _ := cache.Snapshot("k")
		assert.Equal(t, "after-write", snap.Data)

		close(gate)
		require.Eventually(t, func() bool {
			snap, _ := cache.Snapshot("k")
			return !snap.IsValidating
		}, time.Second, 5*time.Millisecond)

		snap, _ = cache.Snapshot("k")
		assert.Equal(t, "after-write", snap.Data)
	})

	t.Run("cancelled", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		gate := make(chan struct{})
		defer close(gate)
		fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v1"), gated(gate, "v2")}}

		cache.Read(context.Background(), "k", PolicyRevalidate, fetcher.Fetch)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := cache.Invalidate(ctx, "k")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCache_KeysAndEvict(t *testing.T) {
	cache := newTestCache(newFakeClock())
	fetcher := &scriptedFetcher{steps: []func() (interface{}, error){value("v")}}

	cache.Read(context.Background(), "b", PolicyRevalidate, fetcher.Fetch)
	cache.Read(context.Background(), "a", PolicyImmutable, fetcher.Fetch)
	assert.Equal(t, []string{"a", "b"}, cache.Keys())

	cache.Evict("a")
	assert.Equal(t, []string{"b"}, cache.Keys())
	_, ok := cache.Snapshot("a")
	assert.False(t, ok)
}

func TestGet(t *testing.T) {
	cache := newTestCache(newFakeClock())

	res := Get(context.Background(), cache, "nums", PolicyImmutable, func(ctx context.Context) ([]int, error) {
		return []int{1, 2, 3}, nil
	})
	assert.Equal(t, []int{1, 2, 3}, res.Data)
	assert.NoError(t, res.Err)

	peeked, ok := Peek[[]int](cache, "nums")
	require.True(t, ok)
	assert.Len(t, peeked.Data, 3)

	failed := Get(context.Background(), cache, "broken", PolicyImmutable, func(ctx context.Context) ([]int, error) {
		return nil, errors.New("down")
	})
	assert.Nil(t, failed.Data)
	assert.Error(t, failed.Err)
}
