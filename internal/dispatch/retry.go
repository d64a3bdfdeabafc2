package dispatch

import "time"

// DefaultRetrySchedule is the delay before each attempt, indexed by attempt
// number (attempt 1 runs immediately, attempt 2 after a minute, and so on).
// The sequence is part of the delivery SLA published to integrators.
var DefaultRetrySchedule = []time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// NextRetryTime returns when attempt number n should run. Indexes past the
// end of the schedule reuse the final delay.
func NextRetryTime(attempt int, schedule []time.Duration) time.Time {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return time.Now().UTC().Add(schedule[idx])
}
