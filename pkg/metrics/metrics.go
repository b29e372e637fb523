// Package metrics instruments validation runs.
//
// Every recording goes to two places: process-wide Prometheus collectors
// registered with promauto, and the lock-free counters of a Metrics value
// that a single Validator owns and can snapshot.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "fhir"
	subsystem = "conformance"

	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "validations_total",
			Help:      "Total number of top-level validations by outcome",
		},
		[]string{"outcome"},
	)

	validationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "validation_duration_seconds",
			Help:      "Duration of top-level validations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	issuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "issues_total",
			Help:      "Total number of validation messages by severity",
		},
		[]string{"severity"},
	)

	expressionCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "expression_cache_total",
			Help:      "Compiled expression cache lookups by result",
		},
		[]string{"result"},
	)

	snapshotGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_generations_total",
			Help:      "Snapshots generated from differentials by status",
		},
		[]string{"status"},
	)

	terminologyCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminology_calls_total",
			Help:      "Terminology service calls by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	profilesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "profiles_loaded",
			Help:      "Number of StructureDefinitions in the profile store",
		},
	)
)

// Outcome labels for validations.
const (
	OutcomeValid   = "valid"
	OutcomeInvalid = "invalid"
	OutcomeAborted = "aborted"
)

// RecordExpressionCache records a compiled expression cache lookup.
func RecordExpressionCache(hit bool) {
	if hit {
		expressionCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	expressionCacheTotal.WithLabelValues("miss").Inc()
}

// RecordSnapshot records a snapshot generation attempt.
func RecordSnapshot(err error) {
	if err != nil {
		snapshotGenerationsTotal.WithLabelValues("error").Inc()
		return
	}
	snapshotGenerationsTotal.WithLabelValues("ok").Inc()
}

// RecordTerminology records one terminology call.
func RecordTerminology(service, outcome string) {
	terminologyCallsTotal.WithLabelValues(service, outcome).Inc()
}

// SetProfilesLoaded publishes the profile store size.
func SetProfilesLoaded(n int) {
	profilesLoaded.Set(float64(n))
}

// Metrics tracks one validator's runs using atomic counters. All methods are
// safe for concurrent use.
type Metrics struct {
	validationsTotal atomic.Uint64
	validationsValid atomic.Uint64
	aborted          atomic.Uint64

	// nanoseconds
	validationTimeTotal atomic.Uint64
	validationTimeMin   atomic.Uint64
	validationTimeMax   atomic.Uint64

	errorsTotal   atomic.Uint64
	warningsTotal atomic.Uint64
	infosTotal    atomic.Uint64
}

// New creates a new Metrics instance.
func New() *Metrics {
	m := &Metrics{}
	m.validationTimeMin.Store(^uint64(0))
	return m
}

// RecordValidation records a completed validation.
func (m *Metrics) RecordValidation(duration time.Duration, outcome string) {
	validationsTotal.WithLabelValues(outcome).Inc()
	validationDuration.Observe(duration.Seconds())

	m.validationsTotal.Add(1)
	switch outcome {
	case OutcomeValid:
		m.validationsValid.Add(1)
	case OutcomeAborted:
		m.aborted.Add(1)
	}

	ns := uint64(duration.Nanoseconds()) //nolint:gosec // durations are non-negative
	m.validationTimeTotal.Add(ns)
	for {
		old := m.validationTimeMin.Load()
		if ns >= old || m.validationTimeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.validationTimeMax.Load()
		if ns <= old || m.validationTimeMax.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordIssues records message counts by severity.
func (m *Metrics) RecordIssues(errors, warnings, infos int) {
	issuesTotal.WithLabelValues("error").Add(float64(errors))
	issuesTotal.WithLabelValues("warning").Add(float64(warnings))
	issuesTotal.WithLabelValues("information").Add(float64(infos))
	m.errorsTotal.Add(uint64(errors))     //nolint:gosec // counts are non-negative
	m.warningsTotal.Add(uint64(warnings)) //nolint:gosec // counts are non-negative
	m.infosTotal.Add(uint64(infos))       //nolint:gosec // counts are non-negative
}

// Snapshot is a point-in-time copy of a Metrics value.
type Snapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	ValidationsTotal    uint64    `json:"validations_total"`
	ValidationsValid    uint64    `json:"validations_valid"`
	ValidationsAborted  uint64    `json:"validations_aborted"`
	AvgValidationTimeNs uint64    `json:"avg_validation_time_ns"`
	MinValidationTimeNs uint64    `json:"min_validation_time_ns"`
	MaxValidationTimeNs uint64    `json:"max_validation_time_ns"`
	ErrorsTotal         uint64    `json:"errors_total"`
	WarningsTotal       uint64    `json:"warnings_total"`
	InfosTotal          uint64    `json:"infos_total"`
}

// Snapshot returns a point-in-time snapshot of all counters.
func (m *Metrics) Snapshot() Snapshot {
	total := m.validationsTotal.Load()
	var avg uint64
	if total > 0 {
		avg = m.validationTimeTotal.Load() / total
	}
	minTime := m.validationTimeMin.Load()
	if minTime == ^uint64(0) {
		minTime = 0
	}
	return Snapshot{
		Timestamp:           time.Now(),
		ValidationsTotal:    total,
		ValidationsValid:    m.validationsValid.Load(),
		ValidationsAborted:  m.aborted.Load(),
		AvgValidationTimeNs: avg,
		MinValidationTimeNs: minTime,
		MaxValidationTimeNs: m.validationTimeMax.Load(),
		ErrorsTotal:         m.errorsTotal.Load(),
		WarningsTotal:       m.warningsTotal.Load(),
		InfosTotal:          m.infosTotal.Load(),
	}
}

// ValidationRate returns the share of valid validations (0.0 to 1.0).
func (m *Metrics) ValidationRate() float64 {
	total := m.validationsTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(m.validationsValid.Load()) / float64(total)
}
