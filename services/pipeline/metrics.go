package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters for the /metrics endpoint. A nil
// *Metrics is valid and records nothing, which keeps tests quiet.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  prometheus.Counter
	approvals     *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "steward_runs_started_total",
			Help: "Runs accepted by the coordinator.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_runs_finished_total",
			Help: "Runs reaching a terminal state, by outcome.",
		}, []string{"state"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_stage_duration_seconds",
			Help:    "Wall time spent executing each stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		stageRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "steward_stage_retries_total",
			Help: "Implementation attempts repeated after review feedback or failure.",
		}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_approvals_total",
			Help: "Gate decisions, by gate and outcome.",
		}, []string{"gate", "decision"}),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *Metrics) RunFinished(state State) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) StageObserved(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) RetryRecorded() {
	if m == nil {
		return
	}
	m.stageRetries.Inc()
}

func (m *Metrics) ApprovalRecorded(kind GateKind, approved bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	m.approvals.WithLabelValues(string(kind), decision).Inc()
}
