package providers

import (
	"context"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
)

// QueueServer is the upstream system of record for queues and visits.
// Implementations must honour ctx cancellation on every call.
type QueueServer interface {
	// ListQueueEntries returns every queue entry with nested visit data expanded
	ListQueueEntries(ctx context.Context) ([]entities.QueueEntryRecord, error)

	// GetConceptSet returns a vocabulary concept set by uuid
	GetConceptSet(ctx context.Context, conceptSetUUID string) (*entities.ConceptSetRecord, error)

	// ListQueueLocations returns the FHIR bundle of queue locations
	ListQueueLocations(ctx context.Context) (*entities.LocationBundle, error)

	// ListPatientObs returns a patient's observations for one concept, newest first
	ListPatientObs(ctx context.Context, patientID, conceptUUID string) ([]entities.ObsRecord, error)

	// EndQueueEntry closes the entry the patient occupies on queueID
	EndQueueEntry(ctx context.Context, queueID, entryID string, endedAt time.Time) error

	// CreateQueueEntry opens a new entry and returns it as stored
	CreateQueueEntry(ctx context.Context, req entities.CreateQueueEntryRequest) (*entities.QueueEntryRecord, error)
}
