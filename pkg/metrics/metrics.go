// Package metrics exposes Prometheus metrics for gristmill runs.
//
// # Overview
//
// The package provides:
//   - Pre-registered counters, gauges and histograms for stage activity
//   - A Timer for observing stage durations
//   - A ThroughputTracker for rows-per-second gauges
//
// All metrics are registered on the default registry, so serving them
// only requires mounting promhttp.Handler.
//
// # Basic Usage
//
//	metrics.ItemsProcessed.WithLabelValues("extract", "success").Inc()
//
//	timer := metrics.NewStageTimer("transform")
//	runTransform(parts)
//	timer.Stop()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed counts work items finished per stage.
	// Labels: stage (extract/transform/load/output), status (success/failure)
	//
	// Example:
	//	metrics.ItemsProcessed.WithLabelValues("extract", "success").Inc()
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gristmill_items_processed_total",
			Help: "Total number of work items processed",
		},
		[]string{"stage", "status"},
	)

	// RowsProcessed counts data rows carried by successful items per stage.
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gristmill_rows_processed_total",
			Help: "Total number of data rows processed",
		},
		[]string{"stage"},
	)

	// ErrorsTotal counts recorded errors by kind.
	// Labels: kind (input_discovery/item_parse/transform/write/...)
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gristmill_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)

	// StageDuration tracks wall-clock stage durations in seconds.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gristmill_stage_duration_seconds",
			Help: "Stage duration in seconds",
			Buckets: []float64{
				0.01, // trivial inputs
				0.05,
				0.1,
				0.5,
				1,
				5,
				10,
				30, // large batch windows
				60,
				120,
				300,
			},
		},
		[]string{"stage"},
	)

	// StageWorkers reports the worker count chosen for the running stage.
	StageWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gristmill_stage_workers",
			Help: "Worker count in use per stage",
		},
		[]string{"stage"},
	)

	// Throughput reports rows per second per stage.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gristmill_throughput_rows_per_second",
			Help: "Current throughput in rows per second",
		},
		[]string{"stage"},
	)

	// RunsTotal counts finished runs by result.
	// Labels: result (succeeded/failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gristmill_runs_total",
			Help: "Total number of pipeline runs by result",
		},
		[]string{"result"},
	)
)

// Timer measures one stage execution and records it on Stop.
type Timer struct {
	start time.Time
	stage string
}

// NewStageTimer starts timing a stage.
//
// Example:
//
//	timer := metrics.NewStageTimer("load")
//	writeFiles(parts)
//	duration := timer.Stop()
func NewStageTimer(stage string) *Timer {
	return &Timer{
		start: time.Now(),
		stage: stage,
	}
}

// Stop observes the elapsed time on StageDuration and returns it. Safe
// to call more than once; every call observes the total elapsed time.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	StageDuration.WithLabelValues(t.stage).Observe(duration.Seconds())
	return duration
}

// ThroughputTracker accumulates row counts and reports rows per second
// for one stage. Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	rows      int64
	lastReset time.Time
	stage     string
}

// NewThroughputTracker creates a tracker labeled with the stage name.
//
// Example:
//
//	tracker := metrics.NewThroughputTracker("extract")
//	for _, file := range files {
//	    rows := readFile(file)
//	    tracker.Add(rows)
//	}
//	rate := tracker.GetAndReset()
func NewThroughputTracker(stage string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		stage:     stage,
	}
}

// Add adds n rows to the current window.
func (t *ThroughputTracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows += n
}

// GetAndReset computes rows per second since the last reset, publishes
// it on the Throughput gauge, and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	rate := float64(t.rows) / elapsed
	t.rows = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.stage).Set(rate)
	return rate
}
