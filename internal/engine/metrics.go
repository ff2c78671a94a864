package engine

import "github.com/prometheus/client_golang/prometheus"

// Session result label values.
const (
	resultPass    = "pass"
	resultFail    = "fail"
	resultAborted = "aborted"
)

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_sessions_total",
			Help: "Total number of finished sessions.",
		},
		[]string{"suite", "result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_active_sessions",
			Help: "Number of sessions currently running.",
		},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_session_duration_seconds",
			Help:    "Session duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"suite"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_step_duration_seconds",
			Help:    "Step body duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"suite", "step"},
	)

	resourceWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_resource_wait_seconds",
			Help:    "Time spent waiting for a shared resource.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	promptWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_prompt_wait_seconds",
			Help:    "Time spent waiting for operator prompts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(sessionDuration)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(resourceWaitDuration)
	prometheus.MustRegister(promptWaitDuration)
}

func resultLabel(aborted, success bool) string {
	switch {
	case aborted:
		return resultAborted
	case success:
		return resultPass
	default:
		return resultFail
	}
}
