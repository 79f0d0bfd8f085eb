//go:build !linux

package mono

import "time"

var epoch = time.Now()

// System derives the monotonic timeline from the Go runtime's monotonic
// reading, relative to process start.
type System struct{}

var _ Clock = System{}

func (System) Now() Time {
	return Time(time.Since(epoch)) + 1
}
