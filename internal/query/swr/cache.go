// Package swr implements a stale-while-revalidate read cache. Each key holds
// the last good value, the last error, and the state of the fetches running
// for it. Concurrent reads of a key share one upstream call.
package swr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"golang.org/x/sync/singleflight"
)

// Policy controls when cached data is refreshed
type Policy int

const (
	// PolicyRevalidate serves cached data and refreshes it in the background
	// once the dedup interval has passed.
	PolicyRevalidate Policy = iota

	// PolicyImmutable fetches once and never refreshes successful data.
	PolicyImmutable
)

func (p Policy) String() string {
	if p == PolicyImmutable {
		return "immutable"
	}
	return "revalidate"
}

const (
	defaultDedupInterval = 2 * time.Second
	defaultFetchTimeout  = 15 * time.Second

	// a read retries a stale key this many times before serving what it has
	maxStaleLoads = 3
)

// Fetcher loads the value for a key from upstream
type Fetcher func(ctx context.Context) (interface{}, error)

// Snapshot is the observable state of one key
type Snapshot struct {
	Data         interface{}
	Err          error
	IsLoading    bool
	IsValidating bool
	UpdatedAt    time.Time
}

// Options configures a Cache
type Options struct {
	DedupInterval time.Duration
	FetchTimeout  time.Duration
	Metrics       *observability.Metrics
	Now           func() time.Time
}

type entry struct {
	policy  Policy
	data    interface{}
	hasData bool
	err     error

	fetchedAt time.Time
	updatedAt time.Time

	stale      bool
	validating int
	lastFetch  Fetcher

	// sequence numbers order fetches; results older than the last applied
	// one, or started before the last invalidation, are dropped
	appliedSeq uint64
	invalidSeq uint64
}

// Cache is a goroutine-safe keyed SWR table
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	group   singleflight.Group
	opts    Options
}

// New creates an empty cache
func New(opts Options) *Cache {
	if opts.DedupInterval <= 0 {
		opts.DedupInterval = defaultDedupInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries: make(map[string]*entry),
		opts:    opts,
	}
}

// Read returns the state of key, fetching it when nothing usable is cached.
// The first read of a key, and any read of a stale key, waits for the fetch
// or for ctx to end. Fetch errors are reported in Snapshot.Err and never
// discard previously fetched data.
func (c *Cache) Read(ctx context.Context, key string, policy Policy, fetch Fetcher) Snapshot {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		e := c.entryLocked(key, policy)
		e.lastFetch = fetch

		if c.needsLoadLocked(e) && attempt < maxStaleLoads {
			observed := e.appliedSeq
			c.mu.Unlock()

			observability.RecordCacheMiss(ctx, c.opts.Metrics, key)
			select {
			case <-c.load(ctx, key, observed, fetch):
				continue
			case <-ctx.Done():
				return c.mustSnapshot(key)
			}
		}

		if c.shouldRevalidateLocked(e) {
			observed := e.appliedSeq
			// count the refresh as in flight before returning
			e.validating++
			c.mu.Unlock()

			observability.RecordRevalidation(ctx, c.opts.Metrics, key)
			done := c.load(ctx, key, observed, fetch)
			go func() {
				<-done
				c.mu.Lock()
				e.validating--
				c.mu.Unlock()
			}()
			return c.mustSnapshot(key)
		}

		snap := snapshotOf(e)
		c.mu.Unlock()
		if e.hasData {
			observability.RecordCacheHit(ctx, c.opts.Metrics, key)
		}
		return snap
	}
}

// Invalidate marks key stale and fetches it again, without joining fetches
// that started before the call. It returns once the new fetch has been
// applied, or with ctx's error. Keys never read are ignored.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	fetch := e.lastFetch
	e.stale = true
	e.invalidSeq = c.seq
	observed := e.appliedSeq
	c.mu.Unlock()

	c.group.Forget(key)
	if fetch == nil {
		return nil
	}

	select {
	case <-c.load(ctx, key, observed, fetch):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("invalidate %s: %w", key, ctx.Err())
	}
}

// Snapshot returns the state of key without fetching
func (c *Cache) Snapshot(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(e), true
}

// Keys returns every cached key in order
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Evict drops key; fetches still running for it are discarded
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

func (c *Cache) mustSnapshot(key string) Snapshot {
	snap, _ := c.Snapshot(key)
	return snap
}

func (c *Cache) entryLocked(key string, policy Policy) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{policy: policy}
		c.entries[key] = e
	}
	return e
}

// needsLoadLocked reports whether a read must wait for a fetch
func (c *Cache) needsLoadLocked(e *entry) bool {
	if e.stale {
		return true
	}
	if !e.hasData && e.err == nil {
		return true
	}
	// nothing but an error: retry once the dedup window has passed
	return !e.hasData && c.opts.Now().Sub(e.fetchedAt) >= c.opts.DedupInterval
}

func (c *Cache) shouldRevalidateLocked(e *entry) bool {
	if e.policy == PolicyImmutable || !e.hasData || e.validating > 0 {
		return false
	}
	return c.opts.Now().Sub(e.fetchedAt) >= c.opts.DedupInterval
}

// load runs fetch for key through the singleflight group. The returned
// channel is closed once the result has been applied or dropped.
func (c *Cache) load(ctx context.Context, key string, observed uint64, fetch Fetcher) <-chan struct{} {
	done := make(chan struct{})
	results := c.group.DoChan(key, func() (interface{}, error) {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			c.mu.Unlock()
			return nil, nil
		}
		// another caller already refreshed the key since we looked
		if !e.stale && e.appliedSeq > observed {
			c.mu.Unlock()
			return nil, nil
		}
		c.seq++
		seq := c.seq
		e.validating++
		c.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()

		started := time.Now()
		data, err := safeFetch(fetchCtx, fetch)
		observability.RecordUpstreamMetric(ctx, c.opts.Metrics, key, err != nil, time.Since(started))
		if err != nil {
			observability.LoggerFromContext(ctx).Warn().
				Err(err).
				Str("cache_key", key).
				Msg("cache fetch failed")
		}

		c.apply(key, e, seq, data, err)
		return nil, nil
	})

	go func() {
		<-results
		close(done)
	}()
	return done
}

func (c *Cache) apply(key string, e *entry, seq uint64, data interface{}, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.validating--
	if current, ok := c.entries[key]; !ok || current != e {
		return
	}
	if seq <= e.appliedSeq || seq <= e.invalidSeq {
		return
	}

	now := c.opts.Now()
	e.appliedSeq = seq
	e.fetchedAt = now
	e.stale = false
	if err != nil {
		e.err = err
		return
	}
	e.data = data
	e.hasData = true
	e.err = nil
	e.updatedAt = now
}

func safeFetch(ctx context.Context, fetch Fetcher) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

func snapshotOf(e *entry) Snapshot {
	return Snapshot{
		Data:         e.data,
		Err:          e.err,
		IsLoading:    e.validating > 0 && !e.hasData && e.err == nil,
		IsValidating: e.validating > 0 && e.hasData,
		UpdatedAt:    e.updatedAt,
	}
}
