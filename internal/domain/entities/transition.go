package entities

import "time"

// NewQueueEntry is the queueEntry part of a create request; ids are concept
// and queue uuids.
type NewQueueEntry struct {
	QueueID         string    `json:"queue"`
	PriorityID      string    `json:"priority"`
	StatusID        string    `json:"status"`
	PatientID       string    `json:"patient"`
	PriorityComment string    `json:"priorityComment,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
}

// CreateQueueEntryRequest is the body of POST /queue-entries
type CreateQueueEntryRequest struct {
	Visit      string        `json:"visit"`
	QueueEntry NewQueueEntry `json:"queueEntry"`
}

// EndQueueEntryRequest is the body of POST /queue/{queue}/entry/{entry}
type EndQueueEntryRequest struct {
	EndedAt time.Time `json:"endedAt"`
}

// TransitionState is the progress of a two-step move
type TransitionState string

const (
	TransitionClosePending  TransitionState = "close_pending"
	TransitionCreatePending TransitionState = "create_pending"
	TransitionDone          TransitionState = "done"
)

// Transition records a move of one queue entry to the next service.
type Transition struct {
	EntryID        string            `json:"entryId"`
	QueueID        string            `json:"queueId"`
	VisitID        string            `json:"visitId"`
	PatientID      string            `json:"patientId"`
	EndedAt        time.Time         `json:"endedAt"`
	Next           NewQueueEntry     `json:"next"`
	State          TransitionState   `json:"state"`
	NewEntryID     string            `json:"newEntryId,omitempty"`
	NewEntry       *MappedQueueEntry `json:"newEntry,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	CreateAttempts int               `json:"createAttempts"`
	// NewEntryUnconfirmed is set when the server accepted the create but did
	// not return the new entry
	NewEntryUnconfirmed bool `json:"newEntryUnconfirmed,omitempty"`
}
