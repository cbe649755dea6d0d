package entities

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// QueueEntryRecord is a queue entry as returned by the queue server with full
// expansion. Every nested field is optional.
type QueueEntryRecord struct {
	UUID               string       `json:"uuid"`
	Display            string       `json:"display"`
	Patient            *Ref         `json:"patient"`
	Priority           *Ref         `json:"priority"`
	PriorityComment    *string      `json:"priorityComment"`
	Status             *Ref         `json:"status"`
	Queue              *QueueRecord `json:"queue"`
	LocationWaitingFor *Ref         `json:"locationWaitingFor"`
	ProviderWaitingFor *Ref         `json:"providerWaitingFor"`
	StartedAt          *Timestamp   `json:"startedAt"`
	EndedAt            *Timestamp   `json:"endedAt"`
	Visit              *VisitRecord `json:"visit"`
}

// QueueRecord identifies the physical queue and the service it delivers
type QueueRecord struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Display     string `json:"display"`
	Description string `json:"description"`
	Service     *Ref   `json:"service"`
	Location    *Ref   `json:"location"`
}

// VisitRecord is the visit a queue entry belongs to
type VisitRecord struct {
	UUID          string            `json:"uuid"`
	StartDatetime *Timestamp        `json:"startDatetime"`
	VisitType     *Ref              `json:"visitType"`
	Encounters    []EncounterRecord `json:"encounters"`
}

// EncounterRecord is a raw encounter nested in a visit
type EncounterRecord struct {
	UUID               string                    `json:"uuid"`
	EncounterDatetime  *Timestamp                `json:"encounterDatetime"`
	EncounterType      *Ref                      `json:"encounterType"`
	EncounterProviders []EncounterProviderRecord `json:"encounterProviders"`
	Diagnoses          []json.RawMessage         `json:"diagnoses"`
	Obs                []ObsRecord               `json:"obs"`
	Voided             bool                      `json:"voided"`
}

// EncounterProviderRecord links an encounter to a provider
type EncounterProviderRecord struct {
	Provider *ProviderRecord `json:"provider"`
}

// ProviderRecord is a clinician reference
type ProviderRecord struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
	Person  *Ref   `json:"person"`
}

// ObsRecord is an observation; Value is kept opaque
type ObsRecord struct {
	UUID         string          `json:"uuid"`
	Display      string          `json:"display"`
	Concept      *Ref            `json:"concept"`
	Value        json.RawMessage `json:"value,omitempty"`
	GroupMembers []ObsRecord     `json:"groupMembers,omitempty"`
	ObsDatetime  *Timestamp      `json:"obsDatetime"`
}

// Ref is a uuid/display reference. It decodes from either an object or a
// bare uuid string; anything else leaves it empty.
type Ref struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Ref) UnmarshalJSON(data []byte) error {
	*r = Ref{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var uuid string
	if err := json.Unmarshal(trimmed, &uuid); err == nil {
		r.UUID = uuid
		return nil
	}

	type plain Ref
	var p plain
	if err := json.Unmarshal(trimmed, &p); err == nil {
		*r = Ref(p)
	}
	return nil
}

// UUIDOf returns the uuid of r, or "" when r is nil.
func (r *Ref) UUIDOf() string {
	if r == nil {
		return ""
	}
	return r.UUID
}

// DisplayOf returns the display of r, or "" when r is nil.
func (r *Ref) DisplayOf() string {
	if r == nil {
		return ""
	}
	return r.Display
}

// timestampLayouts are tried in order; the queue server emits the
// millisecond "+0000" offset form.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp is a lenient time value. Unparseable input decodes to the zero
// time instead of failing the enclosing record. Set records that a value
// was sent at all: null, false, 0 and blank strings leave it unset.
type Timestamp struct {
	time.Time
	Set bool
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are epoch milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		return nil
	case data[0] == '"':
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
		t.Set = strings.TrimSpace(raw) != ""
		t.Time = ParseTimestamp(raw)
	default:
		var millis float64
		if err := json.Unmarshal(data, &millis); err != nil {
			t.Set = true
			return nil
		}
		t.Set = millis != 0
		if t.Set {
			t.Time = time.UnixMilli(int64(millis)).UTC()
		}
	}
	return nil
}

// Present reports whether a value was sent, whether or not it parsed
func (t *Timestamp) Present() bool {
	return t != nil && (t.Set || !t.IsZero())
}

// ParseTimestamp parses the timestamp formats used by the queue server and
// returns the zero time when none match.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// TimePtr returns a pointer to the parsed time, or nil for a missing or
// unparseable timestamp.
func (t *Timestamp) TimePtr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
