// Package optimize derives worker and partition counts from resource
// snapshots.
//
// Both functions are pure: the same inputs always produce the same
// outputs, and nothing here performs I/O. The orchestrator calls them
// before each stage with a fresh monitor snapshot, so tuning decisions
// are reproducible from logged inputs.
package optimize

import (
	"runtime"

	"github.com/gristmill/gristmill/pkg/monitor"
)

// Profile classifies a stage's resource appetite.
type Profile int

const (
	// IOBound stages (extract, load, output) tolerate more workers than
	// cores.
	IOBound Profile = iota
	// CPUBound stages (transform) are capped at the logical core count.
	CPUBound
)

// Config bounds the optimizer's decisions.
type Config struct {
	// MinWorkers and MaxWorkers bound worker counts. Results always lie
	// in [MinWorkers, MaxWorkers].
	MinWorkers int `yaml:"min_workers" json:"min_workers"`
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`

	// MemoryPerWorker is the memory budget per worker in bytes. With a
	// known available-memory sample, workers are capped so the budgets
	// fit. Zero disables memory scaling.
	MemoryPerWorker uint64 `yaml:"memory_per_worker" json:"memory_per_worker"`

	// CPUHighWater is the utilization fraction above which worker counts
	// shed toward the minimum.
	CPUHighWater float64 `yaml:"cpu_high_water" json:"cpu_high_water"`

	// TargetPartitionRows is the preferred rows per transform partition.
	TargetPartitionRows int `yaml:"target_partition_rows" json:"target_partition_rows"`

	// MinPartitionRows is the floor under which rows are not split
	// further.
	MinPartitionRows int `yaml:"min_partition_rows" json:"min_partition_rows"`

	// MaxPartitions caps the partition count. Zero derives the cap as
	// 4x the logical core count.
	MaxPartitions int `yaml:"max_partitions" json:"max_partitions"`
}

// DefaultConfig returns optimizer defaults sized for one host.
func DefaultConfig() Config {
	numCPU := runtime.NumCPU()
	return Config{
		MinWorkers:          1,
		MaxWorkers:          numCPU * 2,
		MemoryPerWorker:     256 << 20, // 256 MB
		CPUHighWater:        0.85,
		TargetPartitionRows: 50_000,
		MinPartitionRows:    1_000,
		MaxPartitions:       0,
	}
}

// Workers picks a worker count for a stage processing items work items.
//
// The result always satisfies MinWorkers <= n <= MaxWorkers. CPU-bound
// stages are additionally capped at the snapshot's logical core count
// (the core cap wins over MinWorkers when they conflict). High CPU
// utilization halves the headroom above the minimum, and a known
// available-memory sample caps workers at what the per-worker budget
// allows. Workers never exceed the item count.
func Workers(profile Profile, items int, snap monitor.Snapshot, cfg Config) int {
	minW := cfg.MinWorkers
	if minW < 1 {
		minW = 1
	}
	maxW := cfg.MaxWorkers
	if maxW < minW {
		maxW = minW
	}

	workers := maxW

	cores := snap.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if profile == CPUBound && workers > cores {
		workers = cores
	}

	if cfg.CPUHighWater > 0 && snap.CPUUtilization >= cfg.CPUHighWater {
		shed := minW + (workers-minW)/2
		workers = shed
	}

	if snap.AvailableMemory > 0 && cfg.MemoryPerWorker > 0 {
		byMemory := int(snap.AvailableMemory / cfg.MemoryPerWorker)
		if byMemory < 1 {
			byMemory = 1
		}
		if workers > byMemory {
			workers = byMemory
		}
	}

	if items > 0 && workers > items {
		workers = items
	}

	if workers < minW {
		workers = minW
	}
	if workers > maxW {
		workers = maxW
	}
	if profile == CPUBound && workers > cores {
		workers = cores
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Partitions picks a partition count for rows of transformable data.
//
// The result is ceil(rows/TargetPartitionRows) clamped to
// [1, MaxPartitions], lowered so no partition drops under
// MinPartitionRows. Zero rows yield one partition.
func Partitions(rows int, snap monitor.Snapshot, cfg Config) int {
	if rows <= 0 {
		return 1
	}

	target := cfg.TargetPartitionRows
	if target <= 0 {
		target = DefaultConfig().TargetPartitionRows
	}

	parts := (rows + target - 1) / target

	maxParts := cfg.MaxPartitions
	if maxParts <= 0 {
		cores := snap.LogicalCores
		if cores <= 0 {
			cores = runtime.NumCPU()
		}
		maxParts = cores * 4
	}

	if parts > maxParts {
		parts = maxParts
	}
	if parts < 1 {
		parts = 1
	}

	if cfg.MinPartitionRows > 0 && parts > 1 && rows/parts < cfg.MinPartitionRows {
		parts = rows / cfg.MinPartitionRows
		if parts < 1 {
			parts = 1
		}
	}

	return parts
}
