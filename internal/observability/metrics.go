package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidates_total", Help: "Ride candidates offered to the queue by admission verdict"},
		[]string{"verdict"},
	)
	QueueLength  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_length", Help: "Candidates currently queued"})
	DriverLocked = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "driver_locked", Help: "1 while the driver is locked out by debt or suspension"})
	DriverOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "driver_online", Help: "1 while the driver is online"})

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "phase_transitions_total", Help: "Ride phase transitions"},
		[]string{"from", "to"},
	)
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Guarded accept attempts by outcome"},
		[]string{"outcome"},
	)
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Settlement calls by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)
	OverridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "overrides_total", Help: "Forced returns to idle caused by server truth"},
		[]string{"reason"},
	)
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Ride mutation service call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "stream_events_total", Help: "Realtime events received"},
		[]string{"table", "type"},
	)
	StreamSubscriptions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stream_subscriptions_total", Help: "Realtime stream (re)subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ShellSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "shell_sessions", Help: "Connected presentation shell websockets"})
)

// BoolGauge sets g to 1 or 0.
func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
