package wake

import (
	"example.com/frame-clock/base/mono"
)

// Manual is a Source driven entirely by its owner. Tests and simulators
// arm it like any other source, then inspect the deadline and fire
// wakeups by hand. Not safe for concurrent use.
type Manual struct {
	deadline mono.Time
	armed    bool
	wakeups  chan mono.Time
}

var _ Source = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{wakeups: make(chan mono.Time, 1)}
}

func (s *Manual) Arm(t mono.Time) {
	s.deadline = t
	s.armed = true
}

func (s *Manual) Disarm() {
	s.armed = false
}

// Deadline returns the armed deadline, if any.
func (s *Manual) Deadline() (mono.Time, bool) {
	return s.deadline, s.armed
}

// Fire disarms the source and delivers a wakeup carrying t.
func (s *Manual) Fire(t mono.Time) {
	s.armed = false
	select {
	case s.wakeups <- t:
	default:
	}
}

func (s *Manual) Wakeups() <-chan mono.Time {
	return s.wakeups
}

func (s *Manual) Close() error {
	s.armed = false
	return nil
}
