package entities

import (
	"encoding/json"
	"time"
)

// ConceptTerm is one member of a vocabulary concept set. UUID is the source
// of truth; Display is presentational.
type ConceptTerm struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

// ConceptSetRecord is a concept set as returned by the queue server
type ConceptSetRecord struct {
	UUID       string        `json:"uuid"`
	Display    string        `json:"display"`
	SetMembers []ConceptTerm `json:"setMembers"`
}

// Terms returns the set members, skipping blanks.
func (c ConceptSetRecord) Terms() []ConceptTerm {
	terms := make([]ConceptTerm, 0, len(c.SetMembers))
	for _, member := range c.SetMembers {
		if member.UUID == "" && member.Display == "" {
			continue
		}
		terms = append(terms, member)
	}
	return terms
}

// FindTerm looks a term up by uuid.
func FindTerm(terms []ConceptTerm, uuid string) (ConceptTerm, bool) {
	for _, term := range terms {
		if term.UUID == uuid {
			return term, true
		}
	}
	return ConceptTerm{}, false
}

// LocationBundle is the FHIR searchset returned for queue locations
type LocationBundle struct {
	ResourceType string                `json:"resourceType"`
	Type         string                `json:"type"`
	Total        int                   `json:"total"`
	Entry        []LocationBundleEntry `json:"entry"`
}

// LocationBundleEntry wraps one Location resource
type LocationBundleEntry struct {
	Resource QueueLocation `json:"resource"`
}

// QueueLocation is a FHIR Location tagged as a queue location
type QueueLocation struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status,omitempty"`
}

// Locations unwraps entry[].resource, dropping entries without an id.
func (b LocationBundle) Locations() []QueueLocation {
	locations := make([]QueueLocation, 0, len(b.Entry))
	for _, entry := range b.Entry {
		if entry.Resource.ID == "" {
			continue
		}
		locations = append(locations, entry.Resource)
	}
	return locations
}

// PatientPhoto is the latest photo observation of a patient
type PatientPhoto struct {
	DateTime *time.Time `json:"dateTime"`
	ImageSrc string     `json:"imageSrc"`
}

type photoValue struct {
	Display string `json:"display"`
	Links   struct {
		Rel string `json:"rel"`
		URI string `json:"uri"`
	} `json:"links"`
}

// PhotoFromObs builds a PatientPhoto from the first observation, or nil
// when there is none.
func PhotoFromObs(obs []ObsRecord) *PatientPhoto {
	if len(obs) == 0 {
		return nil
	}
	first := obs[0]
	photo := &PatientPhoto{DateTime: first.ObsDatetime.TimePtr()}
	var value photoValue
	if len(first.Value) > 0 && json.Unmarshal(first.Value, &value) == nil {
		photo.ImageSrc = value.Links.URI
	}
	return photo
}
