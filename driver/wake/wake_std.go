package wake

import (
	"sync"
	"time"

	"example.com/frame-clock/base/mono"
)

// TimerSource is a portable Source backed by the Go runtime timer. It is
// the fallback where no timerfd is available; deadline precision is
// whatever the runtime provides.
type TimerSource struct {
	clk     mono.Clock
	wakeups chan mono.Time

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

var _ Source = (*TimerSource)(nil)

func NewTimerSource(clk mono.Clock) *TimerSource {
	if clk == nil {
		clk = mono.System{}
	}
	return &TimerSource{
		clk:     clk,
		wakeups: make(chan mono.Time, 1),
	}
}

func (s *TimerSource) Arm(t mono.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	d := t.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, func() { s.fire(gen) })
}

func (s *TimerSource) fire(gen uint64) {
	s.mu.Lock()
	stale := s.closed || gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	select {
	case s.wakeups <- s.clk.Now():
	default:
	}
}

func (s *TimerSource) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *TimerSource) Wakeups() <-chan mono.Time {
	return s.wakeups
}

func (s *TimerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.closed = true
	s.gen++
	return nil
}
