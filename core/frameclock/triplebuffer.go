package frameclock

import (
	"os"
	"strconv"
	"sync"
	"time"

	"example.com/frame-clock/base/zaplog"
)

// TripleBuffering selects whether a second frame may be dispatched while
// one is still in flight.
type TripleBuffering int

const (
	// TripleBufferingAuto enables triple buffering in fixed mode unless
	// the most recent flip attempted direct scanout. Scanout bypasses
	// compositing entirely; buffering scanout frames is meaningless.
	TripleBufferingAuto TripleBuffering = iota
	TripleBufferingNever
	TripleBufferingAlways
)

func (tb TripleBuffering) String() string {
	switch tb {
	case TripleBufferingAuto:
		return "auto"
	case TripleBufferingNever:
		return "never"
	case TripleBufferingAlways:
		return "always"
	default:
		return "unknown"
	}
}

func (fc *FrameClock) wantTripleBuffering() bool {
	switch fc.tripleBuffering {
	case TripleBufferingNever:
		return false
	case TripleBufferingAuto:
		return fc.mode == ModeFixed &&
			!fc.lastFlipHints.DirectScanoutAttempted
	case TripleBufferingAlways:
		return true
	default:
		return false
	}
}

const defaultMaxRenderTimeConstant = 2000 * time.Microsecond

// Environment overrides for diagnostics, read once per process.
var envOverridesOnce = sync.OnceValues(func() (TripleBuffering, time.Duration) {
	return resolveEnvOverrides(
		os.Getenv("FRAMECLOCK_TRIPLE_BUFFERING"),
		os.Getenv("FRAMECLOCK_MAX_RENDER_TIME_CONSTANT_US"))
})

// resolveEnvOverrides parses the override values. A negative returned
// policy means no override is in effect.
func resolveEnvOverrides(bufferingVal, constantVal string) (TripleBuffering, time.Duration) {
	log := zaplog.Logger()

	tb := TripleBuffering(-1)
	switch bufferingVal {
	case "":
	case "never":
		tb = TripleBufferingNever
	case "auto":
		tb = TripleBufferingAuto
	case "always":
		tb = TripleBufferingAlways
	default:
		log.Warn("invalid FRAMECLOCK_TRIPLE_BUFFERING value, ignoring")
	}

	constant := defaultMaxRenderTimeConstant
	if constantVal != "" {
		us, err := strconv.ParseInt(constantVal, 10, 64)
		if err != nil || us < 0 {
			log.Warn("invalid FRAMECLOCK_MAX_RENDER_TIME_CONSTANT_US value, ignoring")
		} else {
			constant = time.Duration(us) * time.Microsecond
		}
	}

	return tb, constant
}

func effectiveTripleBuffering(configured TripleBuffering) TripleBuffering {
	envTB, _ := envOverridesOnce()
	if envTB >= 0 {
		return envTB
	}
	return configured
}

func maxRenderTimeConstantDefault() time.Duration {
	_, constant := envOverridesOnce()
	return constant
}
