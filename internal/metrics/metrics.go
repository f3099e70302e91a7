// Package metrics holds the run metrics of a unifier invocation. Each run
// owns a private registry that is written out once in the textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradeunify"

type Metrics struct {
	reg *prometheus.Registry

	// StageRows counts rows entering and leaving each stage.
	StageRows *prometheus.CounterVec
	// DroppedRows counts rows removed by a stage, by reason.
	DroppedRows *prometheus.CounterVec
	// StageDuration records wall time per stage.
	StageDuration *prometheus.HistogramVec
	// MappingCoverage is the share of rows resolved by a mapping, 0..1.
	MappingCoverage *prometheus.GaugeVec

	OutlierSeries     *prometheus.GaugeVec
	SuppressedRecords prometheus.Counter
	SkippedDatasets   prometheus.Counter
	LastSuccess       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		StageRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_rows_total",
				Help:      "Rows seen by a pipeline stage.",
			},
			[]string{"stage", "direction"}, // direction: in, out
		),
		DroppedRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_rows_total",
				Help:      "Rows removed by a pipeline stage.",
			},
			[]string{"stage", "reason"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		MappingCoverage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mapping_coverage_ratio",
				Help:      "Share of rows resolved by a mapping.",
			},
			[]string{"mapping"},
		),
		OutlierSeries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outlier_series",
				Help:      "Series by outlier detection outcome.",
			},
			[]string{"state"}, // state: analyzed, flagged, selected
		),
		SuppressedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_records_total",
			Help:      "Records whose quantity was nulled as an outlier.",
		}),
		SkippedDatasets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_datasets_total",
			Help:      "Source files skipped for schema errors.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
}

func (m *Metrics) Rows(stage string, in, out int) {
	m.StageRows.WithLabelValues(stage, "in").Add(float64(in))
	m.StageRows.WithLabelValues(stage, "out").Add(float64(out))
}

func (m *Metrics) Dropped(stage, reason string, n int) {
	if n > 0 {
		m.DroppedRows.WithLabelValues(stage, reason).Add(float64(n))
	}
}

// Time starts a stage timer; call the returned func when the stage ends.
func (m *Metrics) Time(stage string) func() {
	start := time.Now()
	return func() {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// WriteTextfile writes all metrics to path. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
