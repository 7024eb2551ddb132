// Package system provides the wall clock used for progress timestamps, fetch
// latencies and snapshot partitioning.
package system

import "time"

// Clock implements the Clock interfaces of the correlator, collector and
// snapshot packages with the real time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time. The monotonic reading is kept so that
// latencies computed from two readings are immune to wall-clock steps;
// callers that persist a value convert it with UTC.
func (Clock) Now() time.Time {
	return time.Now()
}
