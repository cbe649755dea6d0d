package entities

import (
	"encoding/json"
	"time"
)

// MappedQueueEntry is the normalized queue entry handed to consumers.
// Wait time is not stored; call WaitTime with the current time.
type MappedQueueEntry struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	PatientID          string            `json:"patientUuid"`
	VisitID            string            `json:"visitUuid"`
	VisitStartDateTime *time.Time        `json:"visitStartDateTime"`
	VisitType          string            `json:"visitType"`
	QueueID            string            `json:"queueUuid"`
	QueueName          string            `json:"queueName"`
	QueueDescription   string            `json:"queueDescription"`
	Service            string            `json:"service"`
	Priority           string            `json:"priority"`
	PriorityID         string            `json:"priorityUuid"`
	PriorityComment    string            `json:"priorityComment"`
	Status             string            `json:"status"`
	StatusID           string            `json:"statusUuid"`
	StartedAt          *time.Time        `json:"startedAt"`
	EndedAt            *time.Time        `json:"endedAt"`
	Encounters         []MappedEncounter `json:"encounters"`
	// Ended is set when the server sent any endedAt, even one EndedAt could
	// not represent
	Ended bool `json:"-"`
}

// MappedEncounter is an encounter with its type and provider flattened
type MappedEncounter struct {
	UUID              string            `json:"uuid"`
	EncounterDatetime *time.Time        `json:"encounterDatetime"`
	EncounterType     string            `json:"encounterType"`
	Provider          string            `json:"provider"`
	Diagnoses         []json.RawMessage `json:"diagnoses"`
	Obs               []ObsRecord       `json:"obs"`
	Voided            bool              `json:"voided"`
}

// IsActive reports whether the entry is still open.
func (e MappedQueueEntry) IsActive() bool {
	return e.EndedAt == nil && !e.Ended
}

// WaitTime is the whole minutes the patient has waited at now, or "--".
func (e MappedQueueEntry) WaitTime(now time.Time) string {
	return ComputeWaitTime(e.StartedAt, now)
}

// MapQueueEntry normalizes a raw record. It never fails: missing nested
// fields become empty values.
func MapQueueEntry(record QueueEntryRecord) MappedQueueEntry {
	mapped := MappedQueueEntry{
		ID:         record.UUID,
		Name:       record.Display,
		PatientID:  record.Patient.UUIDOf(),
		Priority:   MapPriority(record.Priority.DisplayOf()),
		PriorityID: record.Priority.UUIDOf(),
		Status:     record.Status.DisplayOf(),
		StatusID:   record.Status.UUIDOf(),
		StartedAt:  record.StartedAt.TimePtr(),
		EndedAt:    record.EndedAt.TimePtr(),
		Ended:      record.EndedAt.Present(),
		Encounters: []MappedEncounter{},
	}
	if record.PriorityComment != nil {
		mapped.PriorityComment = *record.PriorityComment
	}

	if q := record.Queue; q != nil {
		mapped.QueueID = q.UUID
		mapped.QueueName = q.Name
		if mapped.QueueName == "" {
			mapped.QueueName = q.Display
		}
		mapped.QueueDescription = q.Description
		mapped.Service = q.Service.DisplayOf()
	}

	if v := record.Visit; v != nil {
		mapped.VisitID = v.UUID
		mapped.VisitStartDateTime = v.StartDatetime.TimePtr()
		mapped.VisitType = v.VisitType.DisplayOf()
		mapped.Encounters = make([]MappedEncounter, 0, len(v.Encounters))
		for _, enc := range v.Encounters {
			mapped.Encounters = append(mapped.Encounters, MapEncounter(enc))
		}
	}

	return mapped
}

// MapEncounter flattens the encounter type and takes the provider name from
// the first listed encounter provider.
func MapEncounter(record EncounterRecord) MappedEncounter {
	mapped := MappedEncounter{
		UUID:              record.UUID,
		EncounterDatetime: record.EncounterDatetime.TimePtr(),
		EncounterType:     record.EncounterType.DisplayOf(),
		Diagnoses:         record.Diagnoses,
		Obs:               record.Obs,
		Voided:            record.Voided,
	}
	if len(record.EncounterProviders) > 0 {
		if p := record.EncounterProviders[0].Provider; p != nil {
			mapped.Provider = p.Person.DisplayOf()
			if mapped.Provider == "" {
				mapped.Provider = p.Display
			}
		}
	}
	return mapped
}

// ActiveQueueEntries maps records and keeps the open ones in server order.
func ActiveQueueEntries(records []QueueEntryRecord) []MappedQueueEntry {
	active := make([]MappedQueueEntry, 0, len(records))
	for _, record := range records {
		mapped := MapQueueEntry(record)
		if mapped.IsActive() {
			active = append(active, mapped)
		}
	}
	return active
}
