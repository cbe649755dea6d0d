package entities

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntryEventType represents the type of queue entry event
type QueueEntryEventType string

const (
	QueueEntryEventTypeMoved  QueueEntryEventType = "queue_entry_moved"
	QueueEntryEventTypeClosed QueueEntryEventType = "queue_entry_closed"
)

// QueueEntryEvent announces a committed queue change so that other
// instances can drop their cached reads.
type QueueEntryEvent struct {
	ID              string              `json:"id"`
	EventType       QueueEntryEventType `json:"event_type"`
	Origin          string              `json:"origin"`
	PatientID       string              `json:"patient_id"`
	VisitID         string              `json:"visit_id"`
	PreviousEntryID string              `json:"previous_entry_id"`
	EntryID         string              `json:"entry_id,omitempty"`
	QueueID         string              `json:"queue_id,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// NewQueueEntryEvent creates a new queue entry event
func NewQueueEntryEvent(eventType QueueEntryEventType, origin, patientID, visitID, previousEntryID string) *QueueEntryEvent {
	return &QueueEntryEvent{
		ID:              uuid.NewString(),
		EventType:       eventType,
		Origin:          origin,
		PatientID:       patientID,
		VisitID:         visitID,
		PreviousEntryID: previousEntryID,
		Timestamp:       time.Now().UTC(),
	}
}
