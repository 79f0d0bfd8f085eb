package metrics

const (
	FrameClockDispatchLatenessH = "The lateness of the most recent dispatch relative to its ideal time, in microseconds"
	FrameClockDispatchLatenessN = "frameclock_dispatch_lateness_us"
	FrameClockDispatchesH       = "The total number of frame clock dispatches"
	FrameClockDispatchesN       = "frameclock_dispatches"
	FrameClockMaxRenderTimeH    = "The current max render time estimate, in microseconds"
	FrameClockMaxRenderTimeN    = "frameclock_max_render_time_us"
	FrameClockMissedDeadlinesH  = "The total number of frames presented after their predicted presentation time"
	FrameClockMissedDeadlinesN  = "frameclock_missed_deadlines"
	FrameClockPresentationsH    = "The total number of presentation notifications"
	FrameClockPresentationsN    = "frameclock_presentations"

	PacerFramesPaintedH = "The total number of frames painted by the pacing simulator"
	PacerFramesPaintedN = "framepacer_frames_painted"
	PacerFramesSkippedH = "The total number of refresh cycles the pacing simulator left idle"
	PacerFramesSkippedN = "framepacer_frames_skipped"
)
