package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for orchestration, scoring and the
// pipeline monitor.
type Metrics struct {
	PhaseTransitions  *prometheus.CounterVec
	RequirementChecks *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	ComplianceScore   *prometheus.HistogramVec
	PipelineOutcomes  *prometheus.CounterVec
}

// New creates and registers the collectors once per process.
//
// Metrics:
//   - sdline_phase_transitions_total{phase,outcome}
//   - sdline_requirement_checks_total{requirement,result}
//   - sdline_run_duration_seconds{outcome}
//   - sdline_compliance_score{dimension}
//   - sdline_pipeline_outcomes_total{decision,category}
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PhaseTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdline_phase_transitions_total",
					Help: "Phase attempts by outcome",
				},
				[]string{"phase", "outcome"},
			),
			RequirementChecks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdline_requirement_checks_total",
					Help: "Requirement validations by result",
				},
				[]string{"requirement", "result"},
			),
			RunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sdline_run_duration_seconds",
					Help:    "Orchestration run duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			ComplianceScore: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sdline_compliance_score",
					Help:    "Compliance dimension scores",
					Buckets: []float64{50, 60, 70, 80, 90, 100},
				},
				[]string{"dimension"},
			),
			PipelineOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sdline_pipeline_outcomes_total",
					Help: "Improvement proposal outcomes",
				},
				[]string{"decision", "category"},
			),
		}
	})
	return globalMetrics
}

// The helpers below accept a nil receiver so callers can run without metrics.

func (m *Metrics) PhaseTransition(phase, outcome string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) RequirementCheck(requirement string, satisfied bool) {
	if m == nil {
		return
	}
	result := "fail"
	if satisfied {
		result = "pass"
	}
	m.RequirementChecks.WithLabelValues(requirement, result).Inc()
}

func (m *Metrics) RunFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) Score(dimension string, score int) {
	if m == nil {
		return
	}
	m.ComplianceScore.WithLabelValues(dimension).Observe(float64(score))
}

func (m *Metrics) PipelineOutcome(decision, category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "none"
	}
	m.PipelineOutcomes.WithLabelValues(decision, category).Inc()
}
