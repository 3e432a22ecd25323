// Package system provides the wall clocks used for task timestamps.
package system

import "time"

// Clock implements task.Clock using time.Now. Readings are UTC and truncated
// to microseconds, the resolution Postgres keeps for timestamptz, so a stored
// row compares equal to the value that was written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Func adapts a plain function to task.Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f().UTC().Truncate(time.Microsecond)
}

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
