// Package benchmark measures frame pacing behavior against a simulated
// display. The simulation runs on a virtual clock, so a run covers many
// thousands of frames in negligible wall time.
package benchmark

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
	"example.com/frame-clock/base/timemath"
	"example.com/frame-clock/core/frameclock"
	"example.com/frame-clock/driver/wake"
)

type PacingConfig struct {
	RefreshRate     float32
	VblankDuration  time.Duration
	TripleBuffering frameclock.TripleBuffering

	// CPUTime and GPUTime are the mean simulated durations of the paint
	// and render stages; Jitter spreads both uniformly.
	CPUTime time.Duration
	GPUTime time.Duration
	Jitter  time.Duration

	Frames int
	Seed   int64
}

type simFrame struct {
	swapTime mono.Time
	gpuDone  mono.Time
	flipTime mono.Time
}

// pacingListener paints simulated frames: it burns virtual CPU time,
// submits a flip and remembers the timings so the driver loop can
// deliver presentation feedback.
type pacingListener struct {
	clk    *mono.Simulated
	rng    *rand.Rand
	cfg    *PacingConfig
	clock  *frameclock.FrameClock
	frames []simFrame
}

func (l *pacingListener) NewFrame() *frameclock.Frame {
	return nil
}

func (l *pacingListener) BeforeFrame(frame *frameclock.Frame) {}

func (l *pacingListener) Frame(frame *frameclock.Frame) frameclock.Result {
	jitter := func() time.Duration {
		if l.cfg.Jitter <= 0 {
			return 0
		}
		return time.Duration(l.rng.Int63n(int64(l.cfg.Jitter)))
	}

	swapTime := l.clk.Now().Add(l.cfg.CPUTime + jitter())
	l.clk.Set(swapTime)
	flipTime := swapTime.Add(100 * time.Microsecond)
	gpuDone := swapTime.Add(l.cfg.GPUTime + jitter())

	l.clock.RecordFlip(flipTime, frameclock.FlipHints{})
	l.frames = append(l.frames, simFrame{
		swapTime: swapTime,
		gpuDone:  gpuDone,
		flipTime: flipTime,
	})
	return frameclock.ResultPendingPresented
}

// RunPacing drives a frame clock against the simulated display and
// prints dispatch lateness and input-to-photon latency percentiles.
func RunPacing(log *zap.Logger, cfg PacingConfig) error {
	if cfg.Frames <= 0 {
		cfg.Frames = 100_000
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60.0
	}

	interval := timemath.RefreshInterval(cfg.RefreshRate)
	clk := mono.NewSimulated(0)
	source := wake.NewManual()
	rng := rand.New(rand.NewSource(cfg.Seed))

	lis := &pacingListener{clk: clk, rng: rng, cfg: &cfg}
	fc, err := frameclock.New(frameclock.Config{
		Name:            "benchmark",
		RefreshRate:     cfg.RefreshRate,
		VblankDuration:  cfg.VblankDuration,
		Listener:        lis,
		TripleBuffering: cfg.TripleBuffering,
		Clock:           clk,
		Source:          source,
		Log:             log,
	})
	if err != nil {
		return err
	}
	defer fc.Destroy()
	lis.clock = fc

	latenessHg := hdrhistogram.New(1, int64(time.Second/time.Microsecond), 3)
	photonHg := hdrhistogram.New(1, int64(time.Second/time.Microsecond), 3)

	t0 := time.Now()
	for i := 0; i < cfg.Frames; i++ {
		fc.ScheduleUpdate()

		deadline, armed := source.Deadline()
		if !armed {
			return fmt.Errorf("frame clock did not arm a wake (state %v)", fc.State())
		}
		// The scheduler never fires exactly on time.
		osJitter := time.Duration(rng.Int63n(int64(200 * time.Microsecond)))
		dispatchTime := deadline.Add(osJitter)
		if dispatchTime < clk.Now() {
			dispatchTime = clk.Now()
		}
		clk.Set(dispatchTime)
		fc.Dispatch(dispatchTime)

		if len(lis.frames) == 0 {
			return fmt.Errorf("dispatch produced no frame (state %v)", fc.State())
		}
		frame := lis.frames[0]
		lis.frames = lis.frames[1:]

		// The display latches the buffer at the first vblank boundary
		// after rendering and submission are both done.
		ready := frame.gpuDone
		if frame.flipTime > ready {
			ready = frame.flipTime
		}
		ready = ready.Add(cfg.VblankDuration)
		presentation := alignUp(ready, interval)
		clk.Set(presentation)

		fc.NotifyPresented(frameclock.FrameInfo{
			PresentationTime:             presentation,
			Flags:                        frameclock.FrameInfoFlagVSync,
			CPUTimeBeforeBufferSwap:      frame.swapTime,
			GPURenderingDuration:         frame.gpuDone.Sub(frame.swapTime),
			HasValidGPURenderingDuration: true,
		})

		err = latenessHg.RecordValue(dispatchTime.Sub(deadline).Microseconds() + 1)
		if err != nil {
			return err
		}
		err = photonHg.RecordValue(presentation.Sub(dispatchTime).Microseconds())
		if err != nil {
			return err
		}
	}
	elapsed := time.Since(t0)

	log.Info("pacing benchmark finished",
		zap.Int("frames", cfg.Frames),
		zap.Duration("elapsed", elapsed),
		zap.String("max_render_time", fc.MaxRenderTimeDebugInfo()),
	)

	fmt.Println("dispatch lateness (µs):")
	latenessHg.PercentilesPrint(os.Stdout, 1, 1.0)
	fmt.Println("dispatch to photon (µs):")
	photonHg.PercentilesPrint(os.Stdout, 1, 1.0)
	return nil
}

func alignUp(t mono.Time, interval time.Duration) mono.Time {
	n := (int64(t) + int64(interval) - 1) / int64(interval)
	return mono.Time(n * int64(interval))
}
