// Frame pacing service

package main

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/frame-clock/base/metrics"
	"example.com/frame-clock/base/mono"
	"example.com/frame-clock/base/timemath"
	"example.com/frame-clock/base/zaplog"
	"example.com/frame-clock/benchmark"
	"example.com/frame-clock/core/frameclock"
	"example.com/frame-clock/driver/wake"
)

type pacerConfig struct {
	Name               string  `toml:"name,omitempty"`
	RefreshRate        float32 `toml:"refresh_rate,omitempty"`
	MinimumRefreshRate float32 `toml:"minimum_refresh_rate,omitempty"`
	VariableRefresh    bool    `toml:"variable_refresh,omitempty"`
	VblankDurationUs   int64   `toml:"vblank_duration_us,omitempty"`
	DeadlineEvasionUs  int64   `toml:"deadline_evasion_us,omitempty"`
	TripleBuffering    string  `toml:"triple_buffering,omitempty"`
	CPUTimeUs          int64   `toml:"cpu_time_us,omitempty"`
	GPUTimeUs          int64   `toml:"gpu_time_us,omitempty"`
	JitterUs           int64   `toml:"jitter_us,omitempty"`
	DurationSec        int64   `toml:"duration_sec,omitempty"`
	MetricsAddr        string  `toml:"metrics_address,omitempty"`
}

var (
	log *zap.Logger

	framesPainted = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.PacerFramesPaintedN,
		Help: metrics.PacerFramesPaintedH,
	})
	framesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.PacerFramesSkippedN,
		Help: metrics.PacerFramesSkippedH,
	})
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func runMonitor(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) pacerConfig {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	var cfg pacerConfig
	err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		log.Fatal("failed to decode configuration", zap.Error(err))
	}
	return cfg
}

func tripleBufferingFromString(s string) frameclock.TripleBuffering {
	switch s {
	case "", "auto":
		return frameclock.TripleBufferingAuto
	case "never":
		return frameclock.TripleBufferingNever
	case "always":
		return frameclock.TripleBufferingAlways
	default:
		log.Fatal("invalid triple buffering mode", zap.String("mode", s))
		panic("unreachable")
	}
}

// simulator plays the role of the compositor stage and the display: it
// paints synthetic frames with configurable CPU/GPU cost and reports
// vblank-aligned presentation feedback.
type simulator struct {
	log   *zap.Logger
	clk   mono.Clock
	clock *frameclock.FrameClock
	rng   *rand.Rand

	interval time.Duration
	vblank   time.Duration
	cpuTime  time.Duration
	gpuTime  time.Duration
	jitter   time.Duration

	presentCh chan frameclock.FrameInfo

	animationTicks int64
}

var _ frameclock.Listener = (*simulator)(nil)

func (s *simulator) jit() time.Duration {
	if s.jitter <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(s.jitter)))
}

func (s *simulator) NewFrame() *frameclock.Frame {
	return nil
}

func (s *simulator) BeforeFrame(frame *frameclock.Frame) {}

func (s *simulator) Frame(frame *frameclock.Frame) frameclock.Result {
	now := s.clk.Now()
	swapTime := now.Add(s.cpuTime + s.jit())
	flipTime := swapTime.Add(100 * time.Microsecond)
	gpuDone := swapTime.Add(s.gpuTime + s.jit())

	s.clock.RecordFlip(flipTime, frameclock.FlipHints{})

	// The display latches at the first vblank boundary after both
	// rendering and submission are done.
	ready := gpuDone
	if flipTime > ready {
		ready = flipTime
	}
	presentation := alignUp(ready.Add(s.vblank), s.interval)

	info := frameclock.FrameInfo{
		PresentationTime:             presentation,
		Flags:                        frameclock.FrameInfoFlagVSync,
		CPUTimeBeforeBufferSwap:      swapTime,
		GPURenderingDuration:         gpuDone.Sub(swapTime),
		HasValidGPURenderingDuration: true,
	}
	time.AfterFunc(presentation.Sub(now), func() {
		s.presentCh <- info
	})

	framesPainted.Inc()
	return frameclock.ResultPendingPresented
}

func alignUp(t mono.Time, interval time.Duration) mono.Time {
	n := (int64(t) + int64(interval) - 1) / int64(interval)
	return mono.Time(n * int64(interval))
}

func runSimulation(cfg pacerConfig) {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60.0
	}
	if cfg.DurationSec <= 0 {
		cfg.DurationSec = 10
	}

	clk := mono.System{}
	source, err := wake.NewPlatformSource(log, clk)
	if err != nil {
		log.Fatal("failed to create wake source", zap.Error(err))
	}

	sim := &simulator{
		log:       log,
		clk:       clk,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		interval:  timemath.RefreshInterval(cfg.RefreshRate),
		vblank:    time.Duration(cfg.VblankDurationUs) * time.Microsecond,
		cpuTime:   time.Duration(cfg.CPUTimeUs) * time.Microsecond,
		gpuTime:   time.Duration(cfg.GPUTimeUs) * time.Microsecond,
		jitter:    time.Duration(cfg.JitterUs) * time.Microsecond,
		presentCh: make(chan frameclock.FrameInfo, 4),
	}

	fc, err := frameclock.New(frameclock.Config{
		Name:               cfg.Name,
		RefreshRate:        cfg.RefreshRate,
		MinimumRefreshRate: cfg.MinimumRefreshRate,
		VblankDuration:     sim.vblank,
		DeadlineEvasion:    time.Duration(cfg.DeadlineEvasionUs) * time.Microsecond,
		TripleBuffering:    tripleBufferingFromString(cfg.TripleBuffering),
		Listener:           sim,
		Clock:              clk,
		Source:             source,
		Log:                log,
	})
	if err != nil {
		log.Fatal("failed to create frame clock", zap.Error(err))
	}
	sim.clock = fc
	if cfg.VariableRefresh {
		fc.SetMode(frameclock.ModeVariable)
	}

	// A continuously running animation keeps the update cycle alive.
	tl := frameclock.NewTimeline(func(t mono.Time) {
		sim.animationTicks++
	})
	fc.AddTimeline(tl)

	if cfg.MetricsAddr != "" {
		go runMonitor(cfg.MetricsAddr)
	}

	expectedFrames := int64(cfg.DurationSec) * int64(float64(cfg.RefreshRate))
	stop := time.After(time.Duration(cfg.DurationSec) * time.Second)
	for {
		select {
		case t := <-source.Wakeups():
			fc.Dispatch(t)
		case info := <-sim.presentCh:
			fc.NotifyPresented(info)
		case <-stop:
			skipped := expectedFrames - sim.animationTicks
			if skipped > 0 {
				framesSkipped.Add(float64(skipped))
			}
			log.Info("simulation finished",
				zap.Int64("animation_ticks", sim.animationTicks),
				zap.Int64("expected_frames", expectedFrames),
				zap.String("max_render_time", fc.MaxRenderTimeDebugInfo()),
			)
			fc.RemoveTimeline(tl)
			fc.Destroy()
			return
		}
	}
}

func exitWithUsage() {
	fmt.Println("usage: framepacer simulate|benchmark|monitor")
	os.Exit(1)
}

func main() {
	simulateFlags := flag.NewFlagSet("simulate", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)
	monitorFlags := flag.NewFlagSet("monitor", flag.ExitOnError)

	simulateConfig := simulateFlags.String("config", "", "configuration file")
	simulateVerbose := simulateFlags.Bool("verbose", false, "verbose logging")

	benchmarkRate := benchmarkFlags.Float64("rate", 60.0, "refresh rate (Hz)")
	benchmarkFrames := benchmarkFlags.Int("frames", 100_000, "number of frames")
	benchmarkSeed := benchmarkFlags.Int64("seed", 1, "simulation seed")
	benchmarkVerbose := benchmarkFlags.Bool("verbose", false, "verbose logging")

	monitorAddr := monitorFlags.String("addr", "127.0.0.1:8080", "metrics address")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case simulateFlags.Name():
		err := simulateFlags.Parse(os.Args[2:])
		if err != nil || simulateFlags.NArg() != 0 {
			exitWithUsage()
		}
		if *simulateConfig == "" {
			exitWithUsage()
		}
		initLogger(*simulateVerbose)
		cfg := loadConfig(*simulateConfig)
		runSimulation(cfg)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(*benchmarkVerbose)
		err = benchmark.RunPacing(log, benchmark.PacingConfig{
			RefreshRate: float32(*benchmarkRate),
			Frames:      *benchmarkFrames,
			Seed:        *benchmarkSeed,
			CPUTime:     1000 * time.Microsecond,
			GPUTime:     4000 * time.Microsecond,
			Jitter:      1500 * time.Microsecond,
		})
		if err != nil {
			log.Fatal("pacing benchmark failed", zap.Error(err))
		}
	case monitorFlags.Name():
		err := monitorFlags.Parse(os.Args[2:])
		if err != nil || monitorFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(false)
		runMonitor(*monitorAddr)
	default:
		exitWithUsage()
	}
}
