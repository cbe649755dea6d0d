package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"github.com/carequeue/servicequeues/internal/query/adapters"
	"github.com/carequeue/servicequeues/internal/query/swr"
	"github.com/carequeue/servicequeues/pkg/config"
)

const queueEntriesPath = "/queue-entries"

// ActiveEntriesKey is the cache key of the active queue entry list
var ActiveEntriesKey = swr.Key(queueEntriesPath, map[string]string{"fullExpansion": "true"})

// PatientVisitKey is the cache key of the open entry for a patient's visit
func PatientVisitKey(patientID, visitID string) string {
	return swr.Key(queueEntriesPath, map[string]string{"patient": patientID, "visit": visitID})
}

// ActiveEntries is the state of the active queue entry list
type ActiveEntries struct {
	Entries      []entities.MappedQueueEntry
	IsLoading    bool
	Err          error
	IsValidating bool
}

// PatientVisitEntry is the state of one patient's open entry; Entry is nil
// when the visit is not queued
type PatientVisitEntry struct {
	Entry        *entities.MappedQueueEntry
	IsLoading    bool
	Err          error
	IsValidating bool
}

// QueueQueryService serves cached queue reads
type QueueQueryService struct {
	server   providers.QueueServer
	cache    *swr.Cache
	store    *adapters.QueryCacheAdapter
	concepts config.ConceptConfig
	refTTL   time.Duration
}

// NewQueueQueryService creates a new queue query service. store may wrap a
// nil provider, in which case reference data lives only in cache.
func NewQueueQueryService(
	server providers.QueueServer,
	cache *swr.Cache,
	store *adapters.QueryCacheAdapter,
	concepts config.ConceptConfig,
	refTTL time.Duration,
) *QueueQueryService {
	return &QueueQueryService{
		server:   server,
		cache:    cache,
		store:    store,
		concepts: concepts,
		refTTL:   refTTL,
	}
}

// ListActiveQueueEntries returns every open queue entry in server order
func (s *QueueQueryService) ListActiveQueueEntries(ctx context.Context) ActiveEntries {
	res := swr.Get(ctx, s.cache, ActiveEntriesKey, swr.PolicyRevalidate, s.fetchActiveEntries)
	return ActiveEntries{
		Entries:      res.Data,
		IsLoading:    res.IsLoading,
		Err:          res.Err,
		IsValidating: res.IsValidating,
	}
}

func (s *QueueQueryService) fetchActiveEntries(ctx context.Context) ([]entities.MappedQueueEntry, error) {
	ctx, span := observability.StartSpan(ctx, "queue.list_active_entries")
	defer span.End()

	records, err := s.server.ListQueueEntries(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return entities.ActiveQueueEntries(records), nil
}

// GetQueueEntryForPatientVisit returns the first open entry for the pair,
// derived from the active list
func (s *QueueQueryService) GetQueueEntryForPatientVisit(ctx context.Context, patientID, visitID string) PatientVisitEntry {
	key := PatientVisitKey(patientID, visitID)
	res := swr.Get(ctx, s.cache, key, swr.PolicyRevalidate, func(ctx context.Context) (*entities.MappedQueueEntry, error) {
		active := s.ListActiveQueueEntries(ctx)
		if active.Err != nil && active.Entries == nil {
			return nil, active.Err
		}
		return FindPatientVisitEntry(active.Entries, patientID, visitID), nil
	})
	return PatientVisitEntry{
		Entry:        res.Data,
		IsLoading:    res.IsLoading,
		Err:          res.Err,
		IsValidating: res.IsValidating,
	}
}

// FindPatientVisitEntry returns the first entry in entries for the pair
func FindPatientVisitEntry(entries []entities.MappedQueueEntry, patientID, visitID string) *entities.MappedQueueEntry {
	for i := range entries {
		if entries[i].PatientID == patientID && entries[i].VisitID == visitID {
			entry := entries[i]
			return &entry
		}
	}
	return nil
}

// InvalidateQueueEntries refetches the active list and, when both ids are
// set, the patient's visit entry. It returns after both refetches.
func (s *QueueQueryService) InvalidateQueueEntries(ctx context.Context, patientID, visitID string) error {
	var errs []error
	if err := s.cache.Invalidate(ctx, ActiveEntriesKey); err != nil {
		errs = append(errs, err)
	}
	if patientID != "" && visitID != "" {
		if err := s.cache.Invalidate(ctx, PatientVisitKey(patientID, visitID)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalidate queue entries: %w", errors.Join(errs...))
	}
	return nil
}
