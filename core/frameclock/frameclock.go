// Package frameclock implements the compositor frame scheduling engine:
// a per-output state machine that decides when to start producing the
// next frame, paced against the display's refresh cycle and adapted to
// measured render and submission latency.
//
// The frame clock is single-threaded by contract. All methods must be
// called from the goroutine that owns the clock, typically the one
// draining the wake source; the clock never locks.
package frameclock

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"example.com/frame-clock/base/mono"
	"example.com/frame-clock/base/timemath"
	"example.com/frame-clock/base/zaplog"
	"example.com/frame-clock/driver/wake"
)

type State int

const (
	StateInit State = iota
	StateIdle
	StateScheduled
	StateScheduledNow
	StateDispatchedOne
	StateDispatchedOneAndScheduled
	StateDispatchedOneAndScheduledNow
	StateDispatchedTwo
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateScheduledNow:
		return "scheduled-now"
	case StateDispatchedOne:
		return "dispatched-one"
	case StateDispatchedOneAndScheduled:
		return "dispatched-one-and-scheduled"
	case StateDispatchedOneAndScheduledNow:
		return "dispatched-one-and-scheduled-now"
	case StateDispatchedTwo:
		return "dispatched-two"
	default:
		return "unknown"
	}
}

// Mode selects how presentation times are paced. ModeFixed locks them to
// the refresh cadence; ModeVariable follows content readiness (VRR).
type Mode int

const (
	ModeFixed Mode = iota
	ModeVariable
)

// Result is returned by a Listener's Frame callback.
type Result int

const (
	// ResultPendingPresented means a frame was submitted and a
	// NotifyPresented or NotifyReady call will follow.
	ResultPendingPresented Result = iota
	// ResultIdle means nothing was submitted for this dispatch.
	ResultIdle
)

type FrameInfoFlags uint32

const (
	// FrameInfoFlagVSync marks a presentation synchronized to the
	// display's vertical refresh.
	FrameInfoFlagVSync FrameInfoFlags = 1 << iota
	FrameInfoFlagHWClock
	FrameInfoFlagZeroCopy
)

// FrameInfo carries presentation feedback from the display subsystem.
type FrameInfo struct {
	// PresentationTime is when the frame became visible; zero if the
	// backend could not tell.
	PresentationTime mono.Time
	Flags            FrameInfoFlags

	// CPUTimeBeforeBufferSwap is when the compositor handed the buffer
	// to the swap; zero if not measured.
	CPUTimeBeforeBufferSwap mono.Time

	GPURenderingDuration         time.Duration
	HasValidGPURenderingDuration bool

	// RefreshRate reports a changed display refresh rate; zero or
	// values up to 1 Hz mean unchanged.
	RefreshRate float32
}

// FlipHints describes the most recent buffer submission.
type FlipHints struct {
	DirectScanoutAttempted bool
}

// Frame is the context object handed through one dispatch cycle.
type Frame struct {
	Count int64

	TargetPresentationTime    mono.Time
	HasTargetPresentationTime bool

	FrameDeadline    mono.Time
	HasFrameDeadline bool

	RefreshRate float32
}

// Listener is the paint callback interface supplied by the owning
// compositor. Callbacks run synchronously inside Dispatch, in the order
// NewFrame, BeforeFrame, Frame, and must not re-enter Dispatch,
// NotifyPresented or NotifyReady.
type Listener interface {
	// NewFrame may return a frame context to reuse; returning nil lets
	// the clock allocate one. The clock fills the scheduling fields
	// either way.
	NewFrame() *Frame
	BeforeFrame(frame *Frame)
	Frame(frame *Frame) Result
}

var (
	errInvalidRefreshRate = errors.New("frameclock: refresh rate must be positive")
	errNoListener         = errors.New("frameclock: listener must not be nil")
)

const defaultMinimumRefreshRate = 30.0

// Config carries construction parameters. RefreshRate and Listener are
// required; everything else has working defaults. The triple buffering
// policy and max render time constant may additionally be overridden
// process-wide through FRAMECLOCK_TRIPLE_BUFFERING and
// FRAMECLOCK_MAX_RENDER_TIME_CONSTANT_US, a diagnostics facility.
type Config struct {
	// Name labels logs and metrics, typically the output connector
	// name.
	Name string

	RefreshRate float32

	// MinimumRefreshRate is the floor cadence used in variable mode;
	// defaults to 30 Hz.
	MinimumRefreshRate float32

	// VblankDuration is how long before a presentation the buffer must
	// be submitted.
	VblankDuration time.Duration

	Listener Listener

	TripleBuffering       TripleBuffering
	MaxRenderTimeConstant time.Duration
	DeadlineEvasion       time.Duration

	// DisableDynamicMaxRenderTime forces the static fallback estimate.
	DisableDynamicMaxRenderTime bool

	Clock  mono.Clock
	Source wake.Source
	Log    *zap.Logger
}

// FrameClock paces updates for one display output.
type FrameClock struct {
	log      *zap.Logger
	clk      mono.Clock
	source   wake.Source
	listener Listener
	name     string

	ownSource bool

	state State
	mode  Mode

	refreshRate            float32
	refreshInterval        time.Duration
	minimumRefreshRate     float32
	minimumRefreshInterval time.Duration

	vblankDuration              time.Duration
	deadlineEvasion             time.Duration
	maxRenderTimeConstant       time.Duration
	disableDynamicMaxRenderTime bool
	tripleBuffering             TripleBuffering

	frameCount int64

	lastDispatchTime     mono.Time
	prevLastDispatchTime mono.Time
	lastDispatchLateness time.Duration

	lastPresentationTime  mono.Time
	lastPresentationFlags FrameInfoFlags

	nextUpdateTime mono.Time

	nextPresentationTime    mono.Time
	hasNextPresentationTime bool

	nextFrameDeadline    mono.Time
	hasNextFrameDeadline bool

	lastNextPresentationTime    mono.Time
	hasLastNextPresentationTime bool

	lastFlipTime     mono.Time
	prevLastFlipTime mono.Time
	lastFlipHints    FlipHints

	longtermMaxUpdateDuration  time.Duration
	shorttermMaxUpdateDuration time.Duration
	longtermPromotionTime      mono.Time
	gotMeasurementsLastFrame   bool
	everGotMeasurements        bool

	dispatchToSwap   estimateQueue
	swapToRenderDone estimateQueue
	swapToFlip       estimateQueue

	inhibitCount         int
	pendingReschedule    bool
	pendingRescheduleNow bool

	inDispatch bool
	destroyed  bool

	timelines        []*Timeline
	destroyObservers []func()
}

// New creates a frame clock for an output with the given refresh rate.
// The clock starts in the init state and schedules nothing until
// ScheduleUpdate is called.
func New(cfg Config) (*FrameClock, error) {
	if cfg.RefreshRate <= 0 {
		return nil, errInvalidRefreshRate
	}
	if cfg.Listener == nil {
		return nil, errNoListener
	}

	log := cfg.Log
	if log == nil {
		log = zaplog.Logger()
	}
	name := cfg.Name
	if name == "" {
		name = "frameclock"
	}
	log = log.Named(name)

	clk := cfg.Clock
	if clk == nil {
		clk = mono.System{}
	}

	source := cfg.Source
	ownSource := false
	if source == nil {
		s, err := wake.NewPlatformSource(log, clk)
		if err != nil {
			return nil, err
		}
		source = s
		ownSource = true
	}

	minRate := cfg.MinimumRefreshRate
	if minRate <= 0 {
		minRate = defaultMinimumRefreshRate
	}
	if minRate > cfg.RefreshRate {
		minRate = cfg.RefreshRate
	}

	constant := cfg.MaxRenderTimeConstant
	if constant == 0 {
		constant = maxRenderTimeConstantDefault()
	}

	fc := &FrameClock{
		log:                         log,
		clk:                         clk,
		source:                      source,
		listener:                    cfg.Listener,
		name:                        name,
		ownSource:                   ownSource,
		state:                       StateInit,
		mode:                        ModeFixed,
		minimumRefreshRate:          minRate,
		minimumRefreshInterval:      timemath.RefreshInterval(minRate),
		vblankDuration:              cfg.VblankDuration,
		deadlineEvasion:             cfg.DeadlineEvasion,
		maxRenderTimeConstant:       constant,
		disableDynamicMaxRenderTime: cfg.DisableDynamicMaxRenderTime,
		tripleBuffering:             effectiveTripleBuffering(cfg.TripleBuffering),
	}
	fc.setRefreshRate(cfg.RefreshRate)
	return fc, nil
}

func (fc *FrameClock) setRefreshRate(refreshRate float32) {
	fc.refreshRate = refreshRate
	fc.refreshInterval = timemath.RefreshInterval(refreshRate)
}

// RefreshRate returns the refresh rate the clock is currently pacing
// against.
func (fc *FrameClock) RefreshRate() float32 {
	return fc.refreshRate
}

// State returns the current scheduling state.
func (fc *FrameClock) State() State {
	return fc.state
}

// Mode returns the current pacing mode.
func (fc *FrameClock) Mode() Mode {
	return fc.mode
}

// NextPresentationTime returns the predicted presentation time of the
// currently scheduled update, if one is scheduled with a target.
func (fc *FrameClock) NextPresentationTime() (mono.Time, bool) {
	return fc.nextPresentationTime, fc.hasNextPresentationTime
}

// NextFrameDeadline returns the latest moment the scheduled frame's GPU
// work may complete and still meet its target, if known.
func (fc *FrameClock) NextFrameDeadline() (mono.Time, bool) {
	return fc.nextFrameDeadline, fc.hasNextFrameDeadline
}

// NextUpdateTime returns the armed wake time, zero if none is armed.
func (fc *FrameClock) NextUpdateTime() mono.Time {
	return fc.nextUpdateTime
}

// SetDeadlineEvasion adjusts the extra safety margin added to render
// time measurements.
func (fc *FrameClock) SetDeadlineEvasion(d time.Duration) {
	if d < 0 {
		d = 0
	}
	fc.deadlineEvasion = d
}

// SetMode switches between fixed and variable pacing. A pending schedule
// is recomputed under the new mode.
func (fc *FrameClock) SetMode(mode Mode) {
	if fc.mode == mode {
		return
	}
	fc.mode = mode

	switch fc.state {
	case StateInit, StateIdle, StateDispatchedOne, StateDispatchedTwo:
	case StateScheduled:
		fc.pendingReschedule = true
		fc.state = StateIdle
	case StateScheduledNow:
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
		fc.state = StateIdle
	case StateDispatchedOneAndScheduled:
		fc.pendingReschedule = true
		fc.state = StateDispatchedOne
	case StateDispatchedOneAndScheduledNow:
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
		fc.state = StateDispatchedOne
	}

	fc.maybeRescheduleUpdate()
}

// RecordFlip records a buffer submission to the display hardware, used
// for latency measurements and the triple buffering policy.
func (fc *FrameClock) RecordFlip(flipTime mono.Time, hints FlipHints) {
	fc.prevLastFlipTime = fc.lastFlipTime
	fc.lastFlipTime = flipTime
	fc.lastFlipHints = hints
}

// Inhibit suspends scheduling. Calls nest; scheduling resumes when every
// Inhibit has been matched by an Uninhibit.
func (fc *FrameClock) Inhibit() {
	fc.inhibitCount++
	if fc.inhibitCount == 1 {
		fc.inhibited()
	}
}

func (fc *FrameClock) inhibited() {
	switch fc.state {
	case StateInit, StateIdle, StateDispatchedOne, StateDispatchedTwo:
	case StateScheduled:
		fc.pendingReschedule = true
		fc.state = StateIdle
	case StateScheduledNow:
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
		fc.state = StateIdle
	case StateDispatchedOneAndScheduled:
		fc.pendingReschedule = true
		fc.state = StateDispatchedOne
	case StateDispatchedOneAndScheduledNow:
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
		fc.state = StateDispatchedOne
	}

	fc.disarm()
}

// Uninhibit undoes one Inhibit. The last Uninhibit replays any schedule
// intent recorded while inhibited.
func (fc *FrameClock) Uninhibit() {
	if fc.inhibitCount == 0 {
		fc.log.Warn("uninhibit without matching inhibit")
		return
	}
	fc.inhibitCount--
	if fc.inhibitCount == 0 {
		fc.maybeRescheduleUpdate()
	}
}

func (fc *FrameClock) maybeRescheduleUpdate() {
	if !fc.pendingReschedule && len(fc.timelines) == 0 {
		return
	}
	timelinesOnly := !fc.pendingReschedule
	fc.pendingReschedule = false
	switch {
	case fc.pendingRescheduleNow:
		fc.pendingRescheduleNow = false
		fc.ScheduleUpdateNow()
	case timelinesOnly && fc.mode == ModeVariable:
		fc.scheduleTimelineUpdate()
	default:
		fc.ScheduleUpdate()
	}
}

// ScheduleUpdate asks for a dispatch at the optimal time before the next
// predicted presentation. It is idempotent while a schedule is pending.
func (fc *FrameClock) ScheduleUpdate() {
	if fc.destroyed {
		return
	}
	if fc.inhibitCount > 0 {
		fc.pendingReschedule = true
		return
	}

	switch fc.state {
	case StateInit, StateIdle:
		st := fc.calculateUpdateTimes()
		fc.applySchedule(st)
		fc.state = StateScheduled
	case StateScheduled, StateScheduledNow:
		return
	case StateDispatchedOne:
		if fc.wantTripleBuffering() {
			st := fc.calculateUpdateTimes()
			fc.applySchedule(st)
			fc.state = StateDispatchedOneAndScheduled
			break
		}
		fc.pendingReschedule = true
	case StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		// A schedule is already pending; nothing to do.
		return
	case StateDispatchedTwo:
		fc.pendingReschedule = true
	}
}

// ScheduleUpdateNow forces a dispatch at the earliest opportunity,
// bypassing presentation pacing. Used for redraws that must not wait for
// the optimal wake time.
func (fc *FrameClock) ScheduleUpdateNow() {
	if fc.destroyed {
		return
	}
	if fc.inhibitCount > 0 {
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
		return
	}

	switch fc.state {
	case StateInit, StateIdle, StateScheduled:
		fc.applyScheduleNow()
		fc.state = StateScheduledNow
	case StateScheduledNow:
		return
	case StateDispatchedOne:
		if fc.wantTripleBuffering() {
			fc.applyScheduleNow()
			fc.state = StateDispatchedOneAndScheduledNow
			break
		}
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
	case StateDispatchedOneAndScheduledNow:
		// An immediate schedule is already pending; nothing to do.
		return
	case StateDispatchedTwo:
		fc.pendingReschedule = true
		fc.pendingRescheduleNow = true
	case StateDispatchedOneAndScheduled:
		fc.applyScheduleNow()
		fc.state = StateDispatchedOneAndScheduledNow
	}
}

// scheduleTimelineUpdate schedules the self-refresh cadence used when
// only timelines keep the clock alive in variable mode.
func (fc *FrameClock) scheduleTimelineUpdate() {
	if fc.inhibitCount > 0 {
		fc.pendingReschedule = true
		return
	}
	switch fc.state {
	case StateInit, StateIdle:
		update := fc.calculateNextVariableUpdateTimeout()
		fc.applySchedule(scheduleTimes{update: update})
		fc.state = StateScheduled
	default:
		fc.ScheduleUpdate()
	}
}

func (fc *FrameClock) applySchedule(st scheduleTimes) {
	fc.nextPresentationTime = st.presentation
	fc.hasNextPresentationTime = st.hasPresentation
	fc.nextFrameDeadline = st.deadline
	fc.hasNextFrameDeadline = st.hasDeadline
	fc.nextUpdateTime = st.update
	fc.source.Arm(st.update)
}

func (fc *FrameClock) applyScheduleNow() {
	now := fc.clk.Now()
	fc.applySchedule(scheduleTimes{update: now})
}

func (fc *FrameClock) disarm() {
	fc.source.Disarm()
	fc.nextUpdateTime = 0
}

// Dispatch runs one update cycle: it invokes the listener's callbacks
// and advances timelines. It must be called in response to a wake source
// wakeup, with the observed wakeup time.
func (fc *FrameClock) Dispatch(dispatchTime mono.Time) {
	if fc.destroyed {
		fc.log.Warn("dispatch on destroyed frame clock")
		return
	}
	if fc.inDispatch {
		fc.log.Warn("reentrant dispatch", zap.Stringer("state", fc.state))
		return
	}

	switch fc.state {
	case StateScheduled, StateScheduledNow:
		fc.state = StateDispatchedOne
	case StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		fc.state = StateDispatchedTwo
	default:
		fc.log.Warn("dispatch in invalid state", zap.Stringer("state", fc.state))
		return
	}

	idealDispatchTime := fc.nextUpdateTime
	if idealDispatchTime.IsZero() {
		idealDispatchTime = fc.lastDispatchTime.
			Add(-fc.lastDispatchLateness).
			Add(fc.refreshInterval)
	}
	lateness := dispatchTime.Sub(idealDispatchTime)
	if lateness < 0 || lateness >= fc.refreshInterval/4 {
		fc.lastDispatchLateness = 0
	} else {
		fc.lastDispatchLateness = lateness
	}

	fc.prevLastDispatchTime = fc.lastDispatchTime
	fc.lastDispatchTime = dispatchTime
	fc.disarm()

	frameCount := fc.frameCount
	fc.frameCount++

	dispatchesCounter.WithLabelValues(fc.name).Inc()
	dispatchLatenessGauge.WithLabelValues(fc.name).
		Set(float64(fc.lastDispatchLateness.Microseconds()))

	fc.inDispatch = true
	defer func() { fc.inDispatch = false }()

	frame := fc.listener.NewFrame()
	if frame == nil {
		frame = &Frame{}
	}
	frame.Count = frameCount
	frame.TargetPresentationTime = fc.nextPresentationTime
	frame.HasTargetPresentationTime = fc.hasNextPresentationTime
	frame.FrameDeadline = fc.nextFrameDeadline
	frame.HasFrameDeadline = fc.hasNextFrameDeadline
	frame.RefreshRate = fc.refreshRate

	fc.listener.BeforeFrame(frame)

	// Animations advance against where the frame will land on screen,
	// not when the CPU happened to wake up.
	timelineTime := dispatchTime
	if frame.HasTargetPresentationTime {
		timelineTime = frame.TargetPresentationTime
	}
	fc.advanceTimelines(timelineTime)

	result := fc.listener.Frame(frame)

	switch result {
	case ResultPendingPresented:
	case ResultIdle:
		switch fc.state {
		case StateDispatchedOne:
			fc.state = StateIdle
			fc.maybeRescheduleUpdate()
		case StateDispatchedOneAndScheduled:
			fc.state = StateScheduled
		case StateDispatchedOneAndScheduledNow:
			fc.state = StateScheduledNow
		case StateDispatchedTwo:
			fc.state = StateDispatchedOne
		default:
			fc.log.Warn("unexpected state after idle frame",
				zap.Stringer("state", fc.state))
		}
	}
}

// NotifyPresented delivers presentation feedback for the oldest frame in
// flight and updates the render time model.
func (fc *FrameClock) NotifyPresented(info FrameInfo) {
	if fc.destroyed {
		fc.log.Warn("notify presented on destroyed frame clock")
		return
	}
	if fc.inDispatch {
		fc.log.Warn("notify presented during dispatch")
		return
	}

	presentationsCounter.WithLabelValues(fc.name).Inc()

	fc.lastNextPresentationTime = fc.nextPresentationTime
	fc.hasLastNextPresentationTime = fc.hasNextPresentationTime

	if !info.PresentationTime.IsZero() {
		if fc.hasLastNextPresentationTime &&
			info.PresentationTime.Sub(fc.lastNextPresentationTime) > fc.refreshInterval/2 {
			missedDeadlinesCounter.WithLabelValues(fc.name).Inc()
		}
		fc.lastPresentationTime = info.PresentationTime
	}
	fc.lastPresentationFlags = info.Flags

	fc.gotMeasurementsLastFrame = false
	if !info.CPUTimeBeforeBufferSwap.IsZero() && info.HasValidGPURenderingDuration {
		fc.recordUpdateDuration(info)
	}

	if info.RefreshRate > 1.0 {
		fc.setRefreshRate(info.RefreshRate)
	}

	maxRenderTimeGauge.WithLabelValues(fc.name).
		Set(float64(fc.computeMaxRenderTime().Microseconds()))

	fc.completeFrame("notify presented")
}

// NotifyReady signals frame completion without presentation feedback.
// State transitions match NotifyPresented; the render time model is left
// untouched.
func (fc *FrameClock) NotifyReady() {
	if fc.destroyed {
		fc.log.Warn("notify ready on destroyed frame clock")
		return
	}
	if fc.inDispatch {
		fc.log.Warn("notify ready during dispatch")
		return
	}
	fc.completeFrame("notify ready")
}

func (fc *FrameClock) completeFrame(event string) {
	switch fc.state {
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		fc.log.Warn("frame completion without frame in flight",
			zap.String("event", event),
			zap.Stringer("state", fc.state))
		return
	case StateDispatchedOne:
		fc.state = StateIdle
	case StateDispatchedOneAndScheduled:
		fc.state = StateScheduled
	case StateDispatchedOneAndScheduledNow:
		fc.state = StateScheduledNow
	case StateDispatchedTwo:
		fc.state = StateDispatchedOne
	}
	fc.maybeRescheduleUpdate()
}

// OnDestroy registers a callback invoked exactly once when the clock is
// destroyed.
func (fc *FrameClock) OnDestroy(f func()) {
	fc.destroyObservers = append(fc.destroyObservers, f)
}

// Destroy detaches the clock from its wake source, notifies destroy
// observers and detaches all timelines. The clock must not be used
// afterwards.
func (fc *FrameClock) Destroy() {
	if fc.destroyed {
		return
	}
	fc.destroyed = true

	fc.disarm()
	if fc.ownSource {
		if err := fc.source.Close(); err != nil {
			fc.log.Warn("failed to close wake source", zap.Error(err))
		}
	}

	observers := fc.destroyObservers
	fc.destroyObservers = nil
	for _, f := range observers {
		f()
	}

	timelines := fc.timelines
	fc.timelines = nil
	for _, tl := range timelines {
		tl.clock = nil
	}
}
