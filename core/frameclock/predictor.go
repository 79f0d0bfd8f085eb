package frameclock

import (
	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
)

// scheduleTimes is one prediction: when to wake up, and, when known,
// which presentation the frame is aimed at and how late its GPU work may
// finish.
type scheduleTimes struct {
	update mono.Time

	presentation    mono.Time
	hasPresentation bool

	deadline    mono.Time
	hasDeadline bool
}

func (fc *FrameClock) calculateUpdateTimes() scheduleTimes {
	if fc.mode == ModeVariable {
		return fc.calculateNextVariableUpdateTime()
	}
	return fc.calculateNextUpdateTime()
}

// calculateNextUpdateTime predicts the next aligned presentation time
// and derives the wake time from it (fixed mode).
func (fc *FrameClock) calculateNextUpdateTime() scheduleTimes {
	now := fc.clk.Now()
	interval := fc.refreshInterval

	if fc.lastPresentationTime.IsZero() {
		// Never presented. Pace off the previous dispatch if there was
		// one, otherwise wake immediately.
		update := now
		if !fc.lastDispatchTime.IsZero() {
			update = fc.lastDispatchTime.
				Add(-fc.lastDispatchLateness).
				Add(interval)
		}
		return scheduleTimes{update: update}
	}

	minRenderTime := interval / 2
	maxRenderTime := fc.computeMaxRenderTime()
	if minRenderTime > maxRenderTime {
		minRenderTime = maxRenderTime
	}

	last := fc.lastPresentationTime

	// The smooth candidate keeps the current cadence: one interval per
	// frame still in flight, plus one for the frame being scheduled.
	var nextSmooth mono.Time
	switch fc.state {
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		nextSmooth = last.Add(interval)
	case StateDispatchedOne, StateDispatchedOneAndScheduled,
		StateDispatchedOneAndScheduledNow:
		nextSmooth = last.Add(2 * interval)
	case StateDispatchedTwo:
		// Scheduling on top of two frames in flight would mean quad
		// buffering; that is never intended.
		fc.log.Warn("scheduling with two frames in flight",
			zap.Stringer("state", fc.state))
		nextSmooth = last.Add(3 * interval)
	}
	next := nextSmooth

	if next < now {
		// The last presentation is more than a frame in the past, due
		// to idling or missed deadlines. Realign to the next interval
		// boundary after now while preserving the presentation phase;
		// naively using now + interval would drift the phase.
		presentationPhase := int64(last) % int64(interval)
		currentPhase := (int64(now) - presentationPhase) % int64(interval)
		intervalStart := int64(now) - presentationPhase - currentPhase

		next = mono.Time(intervalStart + presentationPhase + int64(interval))
	}

	if fc.hasLastNextPresentationTime {
		// Skip one interval if the last frame was presented earlier
		// than predicted, e.g. by driver-side frame dropping.
		sinceLastNext := next.Sub(fc.lastNextPresentationTime)
		if sinceLastNext > 0 && sinceLastNext < interval/2 {
			next = fc.lastNextPresentationTime.Add(interval)
		}
	}

	var update mono.Time
	updateNow := false
	if fc.lastPresentationFlags&FrameInfoFlagVSync != 0 && next != nextSmooth {
		// There was an idle period since the last vsynced presentation,
		// so nothing is animating continuously. Start working on the
		// next update right away; sporadic input gets lowest latency
		// instead of pacing against a stale cadence.
		update = now
		updateNow = true
		minRenderTime = 0
	}

	for next < now.Add(minRenderTime) {
		next = next.Add(interval)
	}

	if !updateNow {
		update = next.Add(-maxRenderTime)
		if update < now {
			update = now
		}
	}

	return scheduleTimes{
		update:          update,
		presentation:    next,
		hasPresentation: true,
		deadline:        next.Add(-minRenderTime),
		hasDeadline:     true,
	}
}

// calculateNextVariableUpdateTime predicts the next update under
// adaptive sync. There is no multi-interval catch-up: the display
// presents when the frame is ready.
func (fc *FrameClock) calculateNextVariableUpdateTime() scheduleTimes {
	now := fc.clk.Now()
	interval := fc.refreshInterval

	if fc.lastPresentationTime.IsZero() {
		update := now
		if !fc.lastDispatchTime.IsZero() {
			update = fc.lastDispatchTime.
				Add(-fc.lastDispatchLateness).
				Add(interval)
		}
		return scheduleTimes{update: update}
	}

	maxRenderTime := fc.computeMaxRenderTime()

	next := fc.lastPresentationTime.Add(interval)
	update := next.Add(-maxRenderTime)
	if update < now {
		update = now
	}

	if next < update {
		// The target has already slipped past the wake time; present
		// whenever the frame is ready instead.
		return scheduleTimes{update: update}
	}

	return scheduleTimes{
		update:          update,
		presentation:    next,
		hasPresentation: true,
	}
}

// calculateNextVariableUpdateTimeout computes the self-refresh cadence
// used when only timelines demand frames in variable mode, paced at the
// minimum refresh rate rather than content changes.
func (fc *FrameClock) calculateNextVariableUpdateTimeout() mono.Time {
	now := fc.clk.Now()

	if fc.lastPresentationTime.IsZero() {
		return now
	}

	next := fc.lastPresentationTime.Add(fc.minimumRefreshInterval)
	if next < now {
		next = now
	}
	return next
}
