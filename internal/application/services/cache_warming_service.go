package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
)

// WarmableReader is the part of the query service the warmer keeps hot
type WarmableReader interface {
	ListActiveQueueEntries(ctx context.Context) querysvc.ActiveEntries
	GetPriorities(ctx context.Context) querysvc.ReferenceTerms
	GetServices(ctx context.Context) querysvc.ReferenceTerms
	GetStatuses(ctx context.Context) querysvc.ReferenceTerms
	GetQueueLocations(ctx context.Context) querysvc.QueueLocations
}

// CacheWarmingService preloads reference data and the active list so the
// first clinician request does not wait on the queue server
type CacheWarmingService struct {
	reader WarmableReader
}

// NewCacheWarmingService creates a new cache warming service
func NewCacheWarmingService(reader WarmableReader) *CacheWarmingService {
	return &CacheWarmingService{reader: reader}
}

// WarmCache reads every warmable key once. Failures are collected; a
// missing vocabulary does not stop the rest from loading.
func (s *CacheWarmingService) WarmCache(ctx context.Context) error {
	logger := observability.LoggerFromContext(ctx)
	start := time.Now()

	var errs []error
	for name, terms := range map[string]func(context.Context) querysvc.ReferenceTerms{
		"priorities": s.reader.GetPriorities,
		"services":   s.reader.GetServices,
		"statuses":   s.reader.GetStatuses,
	} {
		if res := terms(ctx); res.Err != nil {
			errs = append(errs, fmt.Errorf("warm %s: %w", name, res.Err))
		}
	}
	if res := s.reader.GetQueueLocations(ctx); res.Err != nil {
		errs = append(errs, fmt.Errorf("warm queue locations: %w", res.Err))
	}

	active := s.reader.ListActiveQueueEntries(ctx)
	if active.Err != nil {
		errs = append(errs, fmt.Errorf("warm active queue entries: %w", active.Err))
	}

	err := errors.Join(errs...)
	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.
		Int("active_entries", len(active.Entries)).
		Dur("duration", time.Since(start)).
		Msg("cache warming completed")
	return err
}

// StartPeriodicWarming warms once, then keeps the active list revalidated
// every interval until ctx is done
func (s *CacheWarmingService) StartPeriodicWarming(ctx context.Context, interval time.Duration) {
	logger := observability.LoggerFromContext(ctx)
	_ = s.WarmCache(ctx)

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("stopping cache warming service")
				return
			case <-ticker.C:
				if res := s.reader.ListActiveQueueEntries(ctx); res.Err != nil {
					logger.Warn().Err(res.Err).Msg("periodic active list refresh failed")
				}
			}
		}
	}()
	logger.Info().Dur("interval", interval).Msg("started periodic cache warming")
}
