package frameclock_test

import (
	"testing"
	"time"

	"example.com/frame-clock/base/mono"
	"example.com/frame-clock/base/timemath"
	"example.com/frame-clock/core/frameclock"
)

// presentAt runs one full schedule/dispatch/present cycle so that the
// clock ends up idle with the given presentation recorded. No latency
// measurements are fed in; the static render time estimate stays active.
func presentAt(t *testing.T, fc *frameclock.FrameClock, clk *mono.Simulated,
	presentation mono.Time, flags frameclock.FrameInfoFlags) {
	t.Helper()

	fc.ScheduleUpdate()
	dispatchAt(t, fc, clk, fc.NextUpdateTime())
	fc.NotifyPresented(frameclock.FrameInfo{
		PresentationTime: presentation,
		Flags:            flags,
	})
	if s := fc.State(); s != frameclock.StateIdle {
		t.Fatalf("state after presentation: %v, want idle", s)
	}
	clk.Set(presentation)
}

func TestPredictionWithoutHistory(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	interval := timemath.RefreshInterval(60)

	// First ever schedule: wake immediately.
	fc.ScheduleUpdate()
	if got := fc.NextUpdateTime(); got != clk.Now() {
		t.Errorf("update time: %v, want now (%v)", got, clk.Now())
	}
	if _, ok := fc.NextPresentationTime(); ok {
		t.Error("presentation predicted without history")
	}

	// After a dispatch that never got presented, pace one interval after
	// the previous dispatch.
	dispatchTime := fc.NextUpdateTime()
	dispatchAt(t, fc, clk, dispatchTime)
	fc.NotifyReady()
	fc.ScheduleUpdate()
	if got, want := fc.NextUpdateTime(), dispatchTime.Add(interval); got != want {
		t.Errorf("update time: %v, want %v", got, want)
	}
}

func TestPredictionSteadyState(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	interval := timemath.RefreshInterval(60)

	last := startTime.Add(interval)
	presentAt(t, fc, clk, last, frameclock.FrameInfoFlagVSync)
	clk.Advance(time.Millisecond)

	fc.ScheduleUpdate()

	target, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	if want := last.Add(interval); target != want {
		t.Errorf("presentation target: %v, want %v", target, want)
	}
	// The static estimate is a fixed fraction of the interval; with a
	// 16667 µs interval the wake lands 14583 µs before the target.
	if got, want := fc.NextUpdateTime(), target.Add(-14583625*time.Nanosecond); got != want {
		t.Errorf("update time: %v, want %v", got, want)
	}
	deadline, ok := fc.NextFrameDeadline()
	if !ok {
		t.Fatal("no frame deadline")
	}
	if want := target.Add(-interval / 2); deadline != want {
		t.Errorf("frame deadline: %v, want %v", deadline, want)
	}
}

func TestPredictionPhaseRealignment(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	interval := timemath.RefreshInterval(60)

	last := startTime.Add(interval)
	presentAt(t, fc, clk, last, 0)

	// Idle long enough that the last presentation is many intervals in
	// the past, then wake up mid-interval.
	clk.Set(last.Add(10*interval + 5*time.Millisecond))

	fc.ScheduleUpdate()

	target, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	// The target must stay on the presentation phase, at the first
	// boundary after now.
	if want := last.Add(11 * interval); target != want {
		t.Errorf("presentation target: %v, want %v", target, want)
	}
	if diff := target.Sub(last) % interval; diff != 0 {
		t.Errorf("target drifted off phase by %v", diff)
	}
	if got := fc.NextUpdateTime(); got < clk.Now() || got >= target {
		t.Errorf("update time %v outside [now, target)", got)
	}
}

func TestPredictionIdleVSyncFastPath(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	interval := timemath.RefreshInterval(60)

	last := startTime.Add(interval)
	presentAt(t, fc, clk, last, frameclock.FrameInfoFlagVSync)

	clk.Set(last.Add(10*interval + 5*time.Millisecond))

	fc.ScheduleUpdate()

	// Nothing animated since the last vsynced presentation: the update
	// runs immediately so sporadic input gets minimum latency.
	if got := fc.NextUpdateTime(); got != clk.Now() {
		t.Errorf("update time: %v, want now (%v)", got, clk.Now())
	}
	target, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	if want := last.Add(11 * interval); target != want {
		t.Errorf("presentation target: %v, want %v", target, want)
	}
	// With the whole interval available to render, the deadline is the
	// target itself.
	deadline, ok := fc.NextFrameDeadline()
	if !ok {
		t.Fatal("no frame deadline")
	}
	if deadline != target {
		t.Errorf("frame deadline: %v, want %v", deadline, target)
	}
}

func TestPredictionEarlyPresentationSkip(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	interval := timemath.RefreshInterval(60)

	first := startTime.Add(interval)
	presentAt(t, fc, clk, first, 0)
	clk.Advance(time.Millisecond)

	// Schedule against a predicted target, then report a presentation
	// three quarters of an interval earlier than predicted.
	fc.ScheduleUpdate()
	predicted, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	dispatchAt(t, fc, clk, fc.NextUpdateTime())
	early := predicted.Add(-3 * interval / 4)
	fc.NotifyPresented(frameclock.FrameInfo{PresentationTime: early})
	clk.Set(early.Add(time.Millisecond))

	fc.ScheduleUpdate()

	// Naively the next target would be early + interval, a quarter
	// interval past the previous prediction; that slot is skipped.
	target, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	if want := predicted.Add(interval); target != want {
		t.Errorf("presentation target: %v, want %v", target, want)
	}
}

func TestPredictionVariableMode(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	fc.SetMode(frameclock.ModeVariable)
	interval := timemath.RefreshInterval(60)

	last := startTime.Add(interval)
	presentAt(t, fc, clk, last, 0)
	clk.Advance(time.Millisecond)

	fc.ScheduleUpdate()

	target, ok := fc.NextPresentationTime()
	if !ok {
		t.Fatal("no presentation target")
	}
	if want := last.Add(interval); target != want {
		t.Errorf("presentation target: %v, want %v", target, want)
	}
	if _, ok := fc.NextFrameDeadline(); ok {
		t.Error("variable mode predicted a frame deadline")
	}
	if got := fc.NextUpdateTime(); got < clk.Now() || got > target {
		t.Errorf("update time %v outside [now, target]", got)
	}
}

func TestPredictionVariableModeLateWake(t *testing.T) {
	fc, clk, _, _ := newTestClock(t, frameclock.Config{})
	fc.SetMode(frameclock.ModeVariable)
	interval := timemath.RefreshInterval(60)

	last := startTime.Add(interval)
	presentAt(t, fc, clk, last, 0)

	// Waking after the next cadence slot has already passed: present
	// whenever ready, with no target at all.
	clk.Set(last.Add(interval + 5*time.Millisecond))

	fc.ScheduleUpdate()

	if got := fc.NextUpdateTime(); got != clk.Now() {
		t.Errorf("update time: %v, want now (%v)", got, clk.Now())
	}
	if _, ok := fc.NextPresentationTime(); ok {
		t.Error("stale presentation target predicted")
	}
}

func TestVariableModeTimelinePacing(t *testing.T) {
	fc, clk, src, _ := newTestClock(t, frameclock.Config{
		MinimumRefreshRate: 30.0,
	})
	fc.SetMode(frameclock.ModeVariable)
	interval := timemath.RefreshInterval(60)
	minInterval := timemath.RefreshInterval(30)

	tl := frameclock.NewTimeline(func(mono.Time) {})
	fc.AddTimeline(tl)

	dispatchAt(t, fc, clk, fc.NextUpdateTime())
	last := clk.Now().Add(interval)
	fc.NotifyPresented(frameclock.FrameInfo{PresentationTime: last})

	// Only the timeline demands frames: self-refresh at the minimum
	// refresh rate, not the content cadence.
	if s := fc.State(); s != frameclock.StateScheduled {
		t.Fatalf("state: %v, want scheduled", s)
	}
	deadline, armed := src.Deadline()
	if !armed {
		t.Fatal("wake source not armed")
	}
	if want := last.Add(minInterval); deadline != want {
		t.Errorf("wake time: %v, want %v", deadline, want)
	}
	if _, ok := fc.NextPresentationTime(); ok {
		t.Error("timeline self-refresh carries a presentation target")
	}
}
