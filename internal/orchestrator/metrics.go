package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	sessionsTotal   prometheus.Counter
	sessionsActive  prometheus.Gauge
	approvalsTotal  prometheus.Counter
	rejectionsTotal prometheus.Counter
	phaseDuration   *prometheus.HistogramVec
	agentFailures   *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics with reg. A nil reg
// gets a private registry, which keeps tests isolated from the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studiod_sessions_total",
			Help: "Total number of sessions started.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studiod_sessions_active",
			Help: "Number of pipelines currently executing.",
		}),
		approvalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studiod_approvals_total",
			Help: "Total human-gate approvals.",
		}),
		rejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studiod_rejections_total",
			Help: "Total human-gate rejections.",
		}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studiod_phase_duration_seconds",
			Help:    "Agent phase execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"phase"}),
		agentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studiod_agent_failures_total",
			Help: "Agent execution failures by phase, including timeouts.",
		}, []string{"phase"}),
	}
}
