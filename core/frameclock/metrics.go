package frameclock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/frame-clock/base/metrics"
)

var (
	dispatchesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.FrameClockDispatchesN,
		Help: metrics.FrameClockDispatchesH,
	}, []string{"clock"})
	presentationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.FrameClockPresentationsN,
		Help: metrics.FrameClockPresentationsH,
	}, []string{"clock"})
	missedDeadlinesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.FrameClockMissedDeadlinesN,
		Help: metrics.FrameClockMissedDeadlinesH,
	}, []string{"clock"})
	dispatchLatenessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: metrics.FrameClockDispatchLatenessN,
		Help: metrics.FrameClockDispatchLatenessH,
	}, []string{"clock"})
	maxRenderTimeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: metrics.FrameClockMaxRenderTimeN,
		Help: metrics.FrameClockMaxRenderTimeH,
	}, []string{"clock"})
)
