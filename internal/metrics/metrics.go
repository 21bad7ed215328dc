package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicecore"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live sessions.",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of sessions created.",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Total number of sessions closed, by reason.",
	}, []string{"reason"})

	FramesInbound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_inbound_total",
		Help:      "Total inbound audio frames consumed from transports.",
	})

	FramesOutbound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_outbound_total",
		Help:      "Total outbound audio frames emitted to transports.",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Total barge-in cancellations of in-flight synthesis.",
	})

	OrchestrationCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orchestration_cycles_total",
		Help:      "Total orchestration cycles run.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "orchestration_cycle_duration_seconds",
		Help:      "Wall-clock duration of one orchestration cycle, tool calls included.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Total tool calls executed, by resolved status.",
	}, []string{"status"})
)
