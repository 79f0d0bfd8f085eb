package timemath

import (
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Seconds(duration time.Duration) float64 {
	return float64(duration) / float64(time.Second)
}

func Sgn(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func Clamp(d, lo, hi time.Duration) time.Duration {
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}

// RefreshInterval converts a display refresh rate in Hz to the duration
// of one refresh cycle, rounded to the nearest microsecond.
func RefreshInterval(refreshRate float32) time.Duration {
	d := time.Duration(float64(time.Second) / float64(refreshRate))
	return d.Round(time.Microsecond)
}
