package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report run activity.
type Metrics struct {
	runsStarted       *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	capabilityRetries *prometheus.CounterVec
	proposalsDecided  *prometheus.CounterVec
	runsActive        prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics registered with the global
// Prometheus registry. Created once so repeated orchestrator construction
// (tests, embedded use) does not panic on duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the provided registerer.
// Registration errors other than AlreadyRegistered panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	runsStarted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "runs_started_total",
			Help:      "Runs created, labeled by task type.",
		},
		[]string{"task_type"},
	)
	runsCompleted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "runs_completed_total",
			Help:      "Runs reaching a terminal status.",
		},
		[]string{"task_type", "status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall time from run creation to terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type", "status"},
	)
	capabilityRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "capability_retries_total",
			Help:      "Capability invocations retried after a transient failure.",
		},
		[]string{"task_type"},
	)
	proposalsDecided := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "proposals_decided_total",
			Help:      "Approval decisions applied, labeled by decision.",
		},
		[]string{"decision"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leadflow",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Runs currently executing or awaiting approval.",
		},
	)

	collectors := []prometheus.Collector{
		runsStarted, runsCompleted, runDuration, capabilityRetries, proposalsDecided, runsActive,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case runsStarted:
					runsStarted = already.ExistingCollector.(*prometheus.CounterVec)
				case runsCompleted:
					runsCompleted = already.ExistingCollector.(*prometheus.CounterVec)
				case runDuration:
					runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case capabilityRetries:
					capabilityRetries = already.ExistingCollector.(*prometheus.CounterVec)
				case proposalsDecided:
					proposalsDecided = already.ExistingCollector.(*prometheus.CounterVec)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runsStarted:       runsStarted,
		runsCompleted:     runsCompleted,
		runDuration:       runDuration,
		capabilityRetries: capabilityRetries,
		proposalsDecided:  proposalsDecided,
		runsActive:        runsActive,
	}
}

// IncRunStarted records a new run for the task type.
func (m *Metrics) IncRunStarted(taskType string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(taskType).Inc()
	m.runsActive.Inc()
}

// ObserveRunCompleted records a terminal run with its total duration.
func (m *Metrics) ObserveRunCompleted(taskType, status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(taskType, status).Inc()
	m.runDuration.WithLabelValues(taskType, status).Observe(duration.Seconds())
	m.runsActive.Dec()
}

// IncCapabilityRetry records a retried capability invocation.
func (m *Metrics) IncCapabilityRetry(taskType string) {
	if m == nil || m.capabilityRetries == nil {
		return
	}
	m.capabilityRetries.WithLabelValues(taskType).Inc()
}

// IncProposalDecided records an applied approval decision.
func (m *Metrics) IncProposalDecided(decision string) {
	if m == nil || m.proposalsDecided == nil {
		return
	}
	m.proposalsDecided.WithLabelValues(decision).Inc()
}
