package services

import (
	"sort"
	"sync"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
)

const defaultDoneRetention = time.Hour

// TransitionStore keeps move-to-next-service records in memory, keyed by
// the id of the entry being closed. Completed records are kept for a
// retention window so repeated submissions can be answered without calling
// the queue server again. Pending records are kept until resumed.
type TransitionStore struct {
	mu        sync.Mutex
	records   map[string]entities.Transition
	inFlight  map[string]struct{}
	retention time.Duration
	now       func() time.Time
}

// NewTransitionStore creates an empty store
func NewTransitionStore(retention time.Duration) *TransitionStore {
	if retention <= 0 {
		retention = defaultDoneRetention
	}
	return &TransitionStore{
		records:   make(map[string]entities.Transition),
		inFlight:  make(map[string]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

// Acquire claims entryID for one caller; it reports false when another
// transition of the same entry is running
func (s *TransitionStore) Acquire(entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[entryID]; busy {
		return false
	}
	s.inFlight[entryID] = struct{}{}
	return true
}

// Release gives up the claim taken by Acquire
func (s *TransitionStore) Release(entryID string) {
	s.mu.Lock()
	delete(s.inFlight, entryID)
	s.mu.Unlock()
}

// Get returns the record for entryID
func (s *TransitionStore) Get(entryID string) (entities.Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[entryID]
	return t, ok
}

// Put stores t and drops completed records past retention
func (s *TransitionStore) Put(t entities.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[t.EntryID] = t
	s.pruneLocked()
}

// Delete removes the record for entryID
func (s *TransitionStore) Delete(entryID string) {
	s.mu.Lock()
	delete(s.records, entryID)
	s.mu.Unlock()
}

// Pending returns every record waiting for its second step, oldest first
func (s *TransitionStore) Pending() []entities.Transition {
	s.mu.Lock()
	pending := make([]entities.Transition, 0)
	for _, t := range s.records {
		if t.State == entities.TransitionCreatePending {
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].StartedAt.Equal(pending[j].StartedAt) {
			return pending[i].EntryID < pending[j].EntryID
		}
		return pending[i].StartedAt.Before(pending[j].StartedAt)
	})
	return pending
}

func (s *TransitionStore) pruneLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, t := range s.records {
		if t.State == entities.TransitionDone && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.records, id)
		}
	}
}
