package entities

import (
	"fmt"
	"strings"
)

// QueuePriority is the display label of a priority concept
type QueuePriority string

const (
	PriorityEmergency QueuePriority = "Emergency"
	PriorityNotUrgent QueuePriority = "Not Urgent"
	PriorityPriority  QueuePriority = "Priority"
	PriorityUrgent    QueuePriority = "Urgent"
)

// QueueService is the display label of the service a queue delivers
type QueueService string

const (
	ServiceClinicalConsultation QueueService = "Clinical consultation"
	ServiceTriage               QueueService = "Triage"
)

// QueueStatus is the display label of a queue entry status
type QueueStatus string

const (
	StatusWaiting         QueueStatus = "Waiting"
	StatusInService       QueueStatus = "In Service"
	StatusFinishedService QueueStatus = "Finished Service"
)

// MapPriority collapses "Urgent" into "Priority"; any other label, known or
// not, is returned unchanged.
func MapPriority(display string) string {
	if display == string(PriorityUrgent) {
		return string(PriorityPriority)
	}
	return display
}

// PriorityTone returns the tag colour used for a mapped priority label.
func PriorityTone(display string) string {
	switch strings.ToLower(strings.TrimSpace(display)) {
	case "emergency":
		return "red"
	case "not urgent":
		return "green"
	default:
		return "gray"
	}
}

var statusRank = map[QueueStatus]int{
	StatusWaiting:         0,
	StatusInService:       1,
	StatusFinishedService: 2,
}

// ParseStatus matches a status label ignoring case and spacing, so
// "in service", "InService" and "In Service" are the same status.
func ParseStatus(display string) (QueueStatus, bool) {
	key := normalizeLabel(display)
	for status := range statusRank {
		if normalizeLabel(string(status)) == key {
			return status, true
		}
	}
	return "", false
}

// ValidateStatusTransition rejects any move that takes an entry backwards
// along Waiting -> In Service -> Finished Service.
func ValidateStatusTransition(from, to QueueStatus) error {
	fromRank, ok := statusRank[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("unknown status %q", to)
	}
	if toRank < fromRank {
		return fmt.Errorf("status cannot move from %q back to %q", from, to)
	}
	return nil
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
