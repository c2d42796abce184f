// Package metrics provides Prometheus metrics for reconciliation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for RunsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDryRun  = "dry_run"
)

type Metrics struct {
	RunsTotal          *prometheus.CounterVec // Runs by outcome
	RunFailuresTotal   *prometheus.CounterVec // Failed runs by error category
	RunDurationSeconds prometheus.Histogram   // End-to-end run latency

	// Size of the last submitted plan
	LastRemoved  prometheus.Gauge
	LastAppended prometheus.Gauge

	LastSuccessTimestamp prometheus.Gauge
}

// New registers all metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_sync_runs_total",
			Help: "Total number of reconciliation runs by outcome",
		}, []string{"outcome"}),

		RunFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_sync_run_failures_total",
			Help: "Total number of failed reconciliation runs by error category",
		}, []string{"category"}),

		RunDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_sync_run_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		LastRemoved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_sync_last_plan_removed",
			Help: "Number of values removed by the last submitted plan",
		}),

		LastAppended: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_sync_last_plan_appended",
			Help: "Number of entries appended by the last submitted plan",
		}),

		LastSuccessTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
	}
}

// RecordSuccess records a submitted (or dry-run) plan.
func (m *Metrics) RecordSuccess(removed, appended int, dryRun bool, d time.Duration) {
	outcome := OutcomeSuccess
	if dryRun {
		outcome = OutcomeDryRun
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDurationSeconds.Observe(d.Seconds())
	if dryRun {
		return
	}
	m.LastRemoved.Set(float64(removed))
	m.LastAppended.Set(float64(appended))
	m.LastSuccessTimestamp.SetToCurrentTime()
}

// RecordFailure records a failed run.
func (m *Metrics) RecordFailure(category string, d time.Duration) {
	if category == "" {
		category = "internal"
	}
	m.RunsTotal.WithLabelValues(OutcomeFailure).Inc()
	m.RunFailuresTotal.WithLabelValues(category).Inc()
	m.RunDurationSeconds.Observe(d.Seconds())
}
