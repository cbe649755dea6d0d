package entities

import (
	"strconv"
	"time"
)

// WaitTimeUnknown is shown when an entry has no start time
const WaitTimeUnknown = "--"

// ComputeWaitTime returns the whole minutes elapsed since startedAt as a
// string without unit. A start in the future counts as zero.
func ComputeWaitTime(startedAt *time.Time, now time.Time) string {
	if startedAt == nil || startedAt.IsZero() {
		return WaitTimeUnknown
	}
	minutes := int64(now.Sub(*startedAt) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return strconv.FormatInt(minutes, 10)
}
