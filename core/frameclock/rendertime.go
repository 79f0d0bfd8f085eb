package frameclock

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
	"example.com/frame-clock/base/timemath"
)

// When no latency measurements exist yet the clock falls back to
// dispatching this fraction of a refresh interval ahead of the target
// presentation.
const syncDelayFallbackFraction = 0.875

// computeMaxRenderTime estimates how long before the target presentation
// time the clock must be dispatched so that GPU rendering and buffer
// submission both finish before the vblank. It is composed of:
//   - the larger of the long- and short-term update duration envelopes,
//   - the duration of the vblank,
//   - a constant to absorb variation in the estimates.
func (fc *FrameClock) computeMaxRenderTime() time.Duration {
	interval := fc.refreshInterval

	if !fc.everGotMeasurements || fc.disableDynamicMaxRenderTime {
		t := time.Duration(float64(interval) * syncDelayFallbackFraction)
		if fc.state == StateDispatchedOne {
			t += interval
		}
		return t
	}

	envelope := fc.longtermMaxUpdateDuration
	if fc.shorttermMaxUpdateDuration > envelope {
		envelope = fc.shorttermMaxUpdateDuration
	}

	t := envelope + fc.vblankDuration + fc.maxRenderTimeConstant
	return timemath.Clamp(t, 0, 2*interval)
}

// recordUpdateDuration folds one frame's presentation feedback into the
// latency model. Only called with valid CPU swap and GPU duration data.
func (fc *FrameClock) recordUpdateDuration(info FrameInfo) {
	dispatchTime := fc.lastDispatchTime
	flipTime := fc.lastFlipTime
	if fc.state == StateDispatchedTwo {
		// The frame being presented is the older of the two in flight.
		dispatchTime = fc.prevLastDispatchTime
		flipTime = fc.prevLastFlipTime
	}

	dispatchToSwap := info.CPUTimeBeforeBufferSwap.Sub(dispatchTime)
	swapToRenderDone := info.GPURenderingDuration
	swapToFlip := flipTime.Sub(info.CPUTimeBeforeBufferSwap)

	fc.log.Debug("frame timings",
		zap.Duration("dispatch_to_swap", dispatchToSwap),
		zap.Duration("swap_to_render_done", swapToRenderDone),
		zap.Duration("swap_to_flip", swapToFlip),
	)

	fc.dispatchToSwap.add(dispatchToSwap)
	fc.swapToRenderDone.add(swapToRenderDone)
	fc.swapToFlip.add(swapToFlip)

	renderDone := swapToRenderDone
	if swapToFlip > renderDone {
		renderDone = swapToFlip
	}
	updateDuration := fc.lastDispatchLateness + dispatchToSwap + renderDone +
		fc.deadlineEvasion

	// Within the promotion window the short-term envelope only grows.
	fc.shorttermMaxUpdateDuration = timemath.Clamp(updateDuration,
		fc.shorttermMaxUpdateDuration, 2*fc.refreshInterval)

	fc.maybePromoteLongtermMaxUpdateDuration(info.PresentationTime)

	fc.gotMeasurementsLastFrame = true
	fc.everGotMeasurements = true
}

// maybePromoteLongtermMaxUpdateDuration decays the long-term envelope
// toward the short-term one at most once per second of presentation time
// progress, then opens a fresh short-term window. The bias is toward
// never underestimating render time.
func (fc *FrameClock) maybePromoteLongtermMaxUpdateDuration(presentationTime mono.Time) {
	if presentationTime.Sub(fc.longtermPromotionTime) < time.Second {
		return
	}

	if fc.longtermMaxUpdateDuration > fc.shorttermMaxUpdateDuration {
		gap := fc.longtermMaxUpdateDuration - fc.shorttermMaxUpdateDuration
		fc.longtermMaxUpdateDuration -= gap / 2
	} else {
		fc.longtermMaxUpdateDuration = fc.shorttermMaxUpdateDuration
	}

	fc.shorttermMaxUpdateDuration = 0
	fc.longtermPromotionTime = presentationTime
}

// MaxRenderTimeDebugInfo formats the current render time estimate and
// its inputs for diagnostics.
func (fc *FrameClock) MaxRenderTimeDebugInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Max render time: %d µs",
		fc.computeMaxRenderTime().Microseconds())
	if fc.gotMeasurementsLastFrame {
		b.WriteString(" =")
	} else {
		b.WriteString(" (no measurements last frame)")
	}
	fmt.Fprintf(&b, "\nLongterm max update duration: %d µs",
		fc.longtermMaxUpdateDuration.Microseconds())
	fmt.Fprintf(&b, "\nShortterm max update duration: %d µs +",
		fc.shorttermMaxUpdateDuration.Microseconds())
	fmt.Fprintf(&b, "\nVblank duration: %d µs +",
		fc.vblankDuration.Microseconds())
	fmt.Fprintf(&b, "\nConstant: %d µs",
		fc.maxRenderTimeConstant.Microseconds())
	fmt.Fprintf(&b, "\nDispatch to swap: %d µs",
		fc.dispatchToSwap.max().Microseconds())
	fmt.Fprintf(&b, "\nmax(Swap to rendering done: %d µs,",
		fc.swapToRenderDone.max().Microseconds())
	fmt.Fprintf(&b, "\nSwap to flip: %d µs)",
		fc.swapToFlip.max().Microseconds())
	return b.String()
}
