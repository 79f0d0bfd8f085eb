package frameclock

import (
	"example.com/frame-clock/base/mono"
)

// Timeline drives one time-based animation. The clock advances every
// attached timeline once per dispatch, passing the time the frame is
// expected to land on screen. Timelines are owned by their creator; the
// clock only holds a detachable reference.
type Timeline struct {
	onTick func(mono.Time)
	clock  *FrameClock
}

func NewTimeline(onTick func(mono.Time)) *Timeline {
	return &Timeline{onTick: onTick}
}

// Clock returns the frame clock the timeline is attached to, nil if
// detached.
func (tl *Timeline) Clock() *FrameClock {
	return tl.clock
}

// AddTimeline attaches a timeline. Attaching the first timeline starts
// the update cycle.
func (fc *FrameClock) AddTimeline(tl *Timeline) {
	for _, t := range fc.timelines {
		if t == tl {
			return
		}
	}

	isFirst := len(fc.timelines) == 0
	fc.timelines = append(fc.timelines, tl)
	tl.clock = fc

	if isFirst {
		fc.ScheduleUpdate()
	}
}

// RemoveTimeline detaches a timeline. Missing timelines are ignored.
func (fc *FrameClock) RemoveTimeline(tl *Timeline) {
	for i, t := range fc.timelines {
		if t == tl {
			fc.timelines = append(fc.timelines[:i], fc.timelines[i+1:]...)
			tl.clock = nil
			return
		}
	}
}

func (fc *FrameClock) advanceTimelines(t mono.Time) {
	// Tick against a copy; a tick callback may attach or detach
	// timelines. Newly attached ones are advanced starting with the
	// next dispatch.
	timelines := make([]*Timeline, len(fc.timelines))
	copy(timelines, fc.timelines)
	for _, tl := range timelines {
		if tl.clock == fc && tl.onTick != nil {
			tl.onTick(t)
		}
	}
}
