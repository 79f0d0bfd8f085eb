//go:build !linux

package wake

import (
	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
)

// NewPlatformSource returns the preferred wake source for this platform.
func NewPlatformSource(log *zap.Logger, clk mono.Clock) (Source, error) {
	_ = log
	return NewTimerSource(clk), nil
}
