package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const eventInvalidateTimeout = 15 * time.Second

// CacheInvalidationService refreshes this instance's cached queue reads
// when another instance announces a committed queue change
type CacheInvalidationService struct {
	invalidator QueueCacheInvalidator
	eventBus    providers.EventBus
	origin      string
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewCacheInvalidationService creates a new cache invalidation service.
// Events published with origin are skipped; the publishing instance has
// already refreshed its own cache.
func NewCacheInvalidationService(invalidator QueueCacheInvalidator, eventBus providers.EventBus, origin string) *CacheInvalidationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheInvalidationService{
		invalidator: invalidator,
		eventBus:    eventBus,
		origin:      origin,
		logger:      observability.GetLogger().With().Str("component", "cache_invalidation").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins listening for events and invalidating cache
func (s *CacheInvalidationService) Start() error {
	eventChan, err := s.eventBus.Subscribe(s.ctx, providers.EventChannelQueueEntries)
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue entry updates: %w", err)
	}

	s.wg.Add(1)
	go s.processEvents(eventChan)
	s.logger.Info().Str("channel", providers.EventChannelQueueEntries).Msg("cache invalidation service started")
	return nil
}

// Stop stops the cache invalidation service and waits for the event loop
func (s *CacheInvalidationService) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("cache invalidation service stopped")
}

func (s *CacheInvalidationService) processEvents(eventChan <-chan *entities.QueueEntryEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			s.handleEvent(event)
		}
	}
}

func (s *CacheInvalidationService) handleEvent(event *entities.QueueEntryEvent) {
	if event.Origin != "" && event.Origin == s.origin {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, eventInvalidateTimeout)
	defer cancel()

	logger := s.logger.With().
		Str("event_id", event.ID).
		Str("event_type", string(event.EventType)).
		Str("patient_id", event.PatientID).
		Str("visit_id", event.VisitID).
		Logger()

	if err := s.invalidator.InvalidateQueueEntries(ctx, event.PatientID, event.VisitID); err != nil {
		logger.Warn().Err(err).Msg("failed to refresh queue entries after remote change")
		return
	}
	logger.Debug().Msg("refreshed queue entries after remote change")
}
