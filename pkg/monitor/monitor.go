// Package monitor samples system resources for the optimizer.
//
// A Monitor runs one background goroutine that periodically samples CPU
// utilization, available memory, and the logical core count through
// gopsutil. Snapshot returns the most recent sample without blocking the
// sampler. Sampling failures never fail a run: the last good sample is
// retained and the failure is logged at debug level.
package monitor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Snapshot is a point-in-time view of system resources.
type Snapshot struct {
	// CPUUtilization is the system-wide CPU busy fraction in [0, 1].
	CPUUtilization float64

	// AvailableMemory is the memory available to the process in bytes.
	// Zero means unknown (no sample yet); consumers treat it as "skip
	// memory scaling".
	AvailableMemory uint64

	// LogicalCores is the logical CPU count.
	LogicalCores int

	// SampledAt is when the sample was taken; zero before the first
	// sample completes.
	SampledAt time.Time
}

// Config configures the monitor.
type Config struct {
	// SampleInterval is the delay between samples.
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`

	// Enabled turns background sampling on. A disabled monitor still
	// serves core counts through Snapshot.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		SampleInterval: time.Second,
		Enabled:        true,
	}
}

// UnmarshalYAML accepts sample_interval as a duration string ("250ms",
// "1s") or an integer nanosecond count.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		SampleInterval yaml.Node `yaml:"sample_interval"`
		Enabled        bool      `yaml:"enabled"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Enabled = raw.Enabled

	if raw.SampleInterval.IsZero() {
		return nil
	}
	var s string
	if err := raw.SampleInterval.Decode(&s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid sample_interval %q: %w", s, err)
		}
		c.SampleInterval = d
		return nil
	}
	var ns int64
	if err := raw.SampleInterval.Decode(&ns); err != nil {
		return fmt.Errorf("invalid sample_interval: want a duration string or nanoseconds")
	}
	c.SampleInterval = time.Duration(ns)
	return nil
}

// MarshalYAML renders sample_interval as a duration string.
func (c Config) MarshalYAML() (interface{}, error) {
	return struct {
		SampleInterval string `yaml:"sample_interval"`
		Enabled        bool   `yaml:"enabled"`
	}{c.SampleInterval.String(), c.Enabled}, nil
}

// Monitor owns the sampling goroutine and the latest snapshot.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	latest Snapshot

	started bool
	stop    chan struct{}
	done    sync.WaitGroup
}

// New creates a monitor. The logger must not be nil.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		latest: Snapshot{LogicalCores: logicalCores()},
	}
}

// Start launches the sampling goroutine. Starting a running or disabled
// monitor is a no-op.
func (m *Monitor) Start() {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.sample()

	m.done.Add(1)
	go m.run()

	m.logger.Debug("resource monitor started",
		zap.Duration("interval", m.cfg.SampleInterval))
}

// Stop terminates sampling and waits for the goroutine to exit. Safe to
// call on a stopped or never-started monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	m.mu.Unlock()

	m.done.Wait()
	m.logger.Debug("resource monitor stopped")
}

// Snapshot returns the latest sample. Before the first sample it reports
// zero CPU utilization, unknown memory, and the runtime's core count.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) run() {
	defer m.done.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

// sample takes one reading. Each probe failure is swallowed: the field
// keeps its previous value.
func (m *Monitor) sample() {
	snap := m.Snapshot()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUUtilization = percents[0] / 100.0
	} else if err != nil {
		m.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		snap.AvailableMemory = vmStat.Available
	} else {
		m.logger.Debug("memory sample failed", zap.Error(err))
	}

	snap.LogicalCores = logicalCores()
	snap.SampledAt = time.Now()

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
}

func logicalCores() int {
	if count, err := cpu.Counts(true); err == nil && count > 0 {
		return count
	}
	return runtime.NumCPU()
}
