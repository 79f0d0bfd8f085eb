// Package wake provides one-shot wakeup sources for frame scheduling. A
// source is armed with an absolute monotonic deadline and delivers a
// wakeup on its channel when the deadline passes. Re-arming replaces any
// pending deadline.
package wake

import (
	"example.com/frame-clock/base/mono"
)

type Source interface {
	// Arm schedules a one-shot wakeup at the absolute time t, replacing
	// any previously armed deadline. Deadlines in the past fire
	// immediately.
	Arm(t mono.Time)

	// Disarm cancels a pending deadline. Wakeups already in flight may
	// still be delivered.
	Disarm()

	// Wakeups returns the channel on which wakeups are delivered. The
	// value is the time the wakeup was observed, not the armed deadline.
	Wakeups() <-chan mono.Time

	// Close releases the source. The source must not be armed again
	// afterwards.
	Close() error
}
