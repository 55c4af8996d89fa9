package payout

import (
	"fmt"
	"time"
)

// AddBusinessDays advances date by n weekdays, skipping Saturday and
// Sunday. A simple day-at-a-time walk; n stays single-digit here so
// nothing faster is warranted, and no holiday calendar is consulted.
func AddBusinessDays(date time.Time, n int) time.Time {
	added := 0
	for added < n {
		date = date.AddDate(0, 0, 1)
		switch date.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			added++
		}
	}
	return date
}

// ComputePayoutReleaseAt returns the organizer payout release time for
// an event ending at endTime (RFC 3339), offset by businessDays
// weekdays. An unparseable input is an explicit error, never silently
// replaced with the current time.
func ComputePayoutReleaseAt(endTime string, businessDays int) (time.Time, error) {
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid event end time %q: %w", endTime, err)
	}
	return AddBusinessDays(end, businessDays), nil
}
