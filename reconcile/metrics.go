package reconcile

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the standing reconciliation signal. The discrepancy is a
// gauge, not an error: dashboards alert on it staying non-zero.
type Metrics struct {
	expected    prometheus.Gauge
	actual      prometheus.Gauge
	discrepancy prometheus.Gauge
	reconciled  prometheus.Gauge
	lastRun     prometheus.Gauge
	drifted     prometheus.Gauge
	runs        *prometheus.CounterVec
}

// MustNewMetrics registers the reconciliation collectors. Collectors already
// registered under the same name are reused, so tests and multiple reporters
// can share a registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commission",
			Subsystem: "reconcile",
			Name:      name,
			Help:      help,
		})
		if err := reg.Register(g); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
					return existing
				}
			}
			panic(err)
		}
		return g
	}

	m := &Metrics{
		expected:    gauge("expected_minor", "Money received from merchants minus money paid out, platform-held sellers."),
		actual:      gauge("actual_minor", "Sum of platform-held seller balances."),
		discrepancy: gauge("discrepancy_minor", "Expected minus actual. Non-zero beyond tolerance signals a defect."),
		reconciled:  gauge("is_reconciled", "1 when the last run was within tolerance."),
		lastRun:     gauge("last_run_timestamp_seconds", "Unix time of the last reconciliation run."),
		drifted:     gauge("drifted_sellers", "Sellers whose cached balance differs from a journal replay."),
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commission",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome.",
	}, []string{"outcome"})
	if err := reg.Register(runs); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			panic(err)
		}
		runs = existing
	}
	m.runs = runs
	return m
}

// Observe publishes a report.
func (m *Metrics) Observe(r Report) {
	if m == nil {
		return
	}
	m.expected.Set(float64(r.Expected))
	m.actual.Set(float64(r.Actual))
	m.discrepancy.Set(float64(r.Discrepancy))
	m.lastRun.Set(float64(r.AsOf.Unix()))
	if r.IsReconciled {
		m.reconciled.Set(1)
		m.runs.WithLabelValues("reconciled").Inc()
	} else {
		m.reconciled.Set(0)
		m.runs.WithLabelValues("discrepancy").Inc()
	}
}

func (m *Metrics) ObserveDrift(sellers int) {
	if m == nil {
		return
	}
	m.drifted.Set(float64(sellers))
}
