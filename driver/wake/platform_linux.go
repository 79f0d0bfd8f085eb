//go:build linux

package wake

import (
	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
)

// NewPlatformSource returns the preferred wake source for this platform.
func NewPlatformSource(log *zap.Logger, clk mono.Clock) (Source, error) {
	if _, ok := clk.(mono.System); ok {
		return NewTimerFDSource(log)
	}
	// Simulated clocks cannot be paced by a timerfd.
	return NewTimerSource(clk), nil
}
