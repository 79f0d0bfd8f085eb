// Package mono provides a process-local monotonic time base for frame
// scheduling. All frame clock arithmetic happens on this timeline; wall
// clock adjustments never affect it.
package mono

import "time"

// Time is a point on the monotonic timeline, in nanoseconds. The zero
// value means "unset"; valid timestamps handed out by a Clock are always
// positive.
type Time int64

// Add returns t + d.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d)
}

// Sub returns t - u as a duration.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t - u)
}

// IsZero reports whether t is the unset sentinel.
func (t Time) IsZero() bool {
	return t == 0
}

// Microseconds returns t truncated to microsecond resolution, for logs
// and diagnostics.
func (t Time) Microseconds() int64 {
	return int64(t) / 1e3
}

// Clock provides the current monotonic time. It makes it possible to
// replace the system clock with a simulated one.
type Clock interface {
	Now() Time
}
