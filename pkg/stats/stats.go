// Package stats collects run statistics for gristmill pipelines.
//
// One Stats instance is shared by every goroutine of a run. All mutation
// happens under a single lock; Snapshot returns deep copies so callers
// never observe live state.
package stats

import (
	"sync"
	"time"
)

// FileRecord notes one successfully processed input file.
type FileRecord struct {
	Path string `json:"path"`
	Rows int64  `json:"rows"`
}

// StageStats aggregates item outcomes for one stage.
type StageStats struct {
	Items     int           `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Rows      int64         `json:"rows"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Report is an immutable snapshot of a run's statistics.
type Report struct {
	Files        []FileRecord          `json:"files"`
	Stages       map[string]StageStats `json:"stages"`
	ErrorsByKind map[string]int        `json:"errors_by_kind"`
	TotalItems   int                   `json:"total_items"`
	TotalRows    int64                 `json:"total_rows"`
	TotalErrors  int                   `json:"total_errors"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	Elapsed      time.Duration         `json:"elapsed"`
}

// Stats is the mutable collector. The zero value is not usable; call New.
type Stats struct {
	mu           sync.Mutex
	files        []FileRecord
	stages       map[string]*StageStats
	errorsByKind map[string]int
	startedAt    time.Time
	finishedAt   time.Time
}

// New creates an empty collector.
func New() *Stats {
	return &Stats{
		stages:       make(map[string]*StageStats),
		errorsByKind: make(map[string]int),
	}
}

// Start marks the beginning of a run.
func (s *Stats) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
	s.finishedAt = time.Time{}
}

// Finish marks the end of a run.
func (s *Stats) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAt = time.Now()
}

// FileProcessed records one input file read successfully.
func (s *Stats) FileProcessed(path string, rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, FileRecord{Path: path, Rows: rows})
}

// ItemSucceeded records one successful work item for a stage.
func (s *Stats) ItemSucceeded(stage string, rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stage(stage)
	st.Items++
	st.Succeeded++
	st.Rows += rows
}

// ItemFailed records one failed work item for a stage, classified by
// error kind.
func (s *Stats) ItemFailed(stage, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stage(stage)
	st.Items++
	st.Failed++
	s.errorsByKind[kind]++
}

// StageElapsed records wall-clock time spent in a stage.
func (s *Stats) StageElapsed(stage string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage(stage).Elapsed += d
}

// RecordError counts an error outside item processing, classified by kind.
func (s *Stats) RecordError(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorsByKind[kind]++
}

// Reset clears all collected state.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = nil
	s.stages = make(map[string]*StageStats)
	s.errorsByKind = make(map[string]int)
	s.startedAt = time.Time{}
	s.finishedAt = time.Time{}
}

// TotalRows returns rows accumulated across all stages.
func (s *Stats) TotalRows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, st := range s.stages {
		total += st.Rows
	}
	return total
}

// TotalErrors returns the error count across all kinds.
func (s *Stats) TotalErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalErrorsLocked()
}

// Snapshot returns a deep copy of the current state.
func (s *Stats) Snapshot() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{
		Files:        make([]FileRecord, len(s.files)),
		Stages:       make(map[string]StageStats, len(s.stages)),
		ErrorsByKind: make(map[string]int, len(s.errorsByKind)),
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
	}
	copy(report.Files, s.files)

	for name, st := range s.stages {
		report.Stages[name] = *st
		report.TotalItems += st.Items
		report.TotalRows += st.Rows
	}
	for kind, n := range s.errorsByKind {
		report.ErrorsByKind[kind] = n
	}
	report.TotalErrors = s.totalErrorsLocked()

	switch {
	case s.finishedAt.IsZero() && !s.startedAt.IsZero():
		report.Elapsed = time.Since(s.startedAt)
	case !s.finishedAt.IsZero():
		report.Elapsed = s.finishedAt.Sub(s.startedAt)
	}

	return report
}

func (s *Stats) stage(name string) *StageStats {
	st, ok := s.stages[name]
	if !ok {
		st = &StageStats{}
		s.stages[name] = st
	}
	return st
}

func (s *Stats) totalErrorsLocked() int {
	total := 0
	for _, n := range s.errorsByKind {
		total += n
	}
	return total
}
