package config

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/format"
	"github.com/gristmill/gristmill/pkg/monitor"
	"github.com/gristmill/gristmill/pkg/optimize"
	"github.com/gristmill/gristmill/pkg/report"
	"github.com/gristmill/gristmill/pkg/transform"
)

// Mode selects how stages dispatch their items.
type Mode string

const (
	// Sequential processes items one at a time on the calling goroutine.
	Sequential Mode = "sequential"
	// Concurrent processes items on a worker pool. Results are identical
	// to Sequential; only the scheduling differs.
	Concurrent Mode = "concurrent"
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Concurrent:
		return Concurrent, nil
	case Sequential:
		return Sequential, nil
	default:
		return "", errors.Newf(errors.KindConfig, "unknown mode %q (want sequential or concurrent)", s)
	}
}

// SourceConfig locates the input files.
type SourceConfig struct {
	// Dir is the directory searched for inputs.
	Dir string `yaml:"dir" json:"dir"`

	// Pattern is a glob matched inside Dir, such as "*.csv".
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Glob returns the full pattern passed to discovery.
func (sc SourceConfig) Glob() string {
	return filepath.Join(sc.Dir, sc.Pattern)
}

// StageConfig bounds one stage's worker pool. The effective count is
// chosen within [MinWorkers, MaxWorkers] before the stage runs.
type StageConfig struct {
	MinWorkers int `yaml:"min_workers" json:"min_workers"`
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
}

// StagesConfig holds the per-stage worker bounds.
type StagesConfig struct {
	Extract   StageConfig `yaml:"extract" json:"extract"`
	Transform StageConfig `yaml:"transform" json:"transform"`
	Load      StageConfig `yaml:"load" json:"load"`
	Output    StageConfig `yaml:"output" json:"output"`
}

// RunConfig describes one pipeline run end to end.
type RunConfig struct {
	// Name labels the run in logs and output file names. Defaults to the
	// config file's base name.
	Name string `yaml:"name" json:"name"`

	// Mode selects sequential or concurrent stage execution.
	Mode Mode `yaml:"mode" json:"mode"`

	// Strategy names the transform applied to extracted data: "sales" or
	// "accounting". Required unless the transform stage is skipped.
	Strategy string `yaml:"strategy" json:"strategy"`

	Source SourceConfig   `yaml:"source" json:"source"`
	Input  format.Options `yaml:"input" json:"input"`

	Stages StagesConfig `yaml:"stages" json:"stages"`

	// Partitions fixes the transform partition count. Zero derives it
	// from the row count and resource snapshot.
	Partitions int `yaml:"partitions" json:"partitions"`

	// Skip flags drop individual stages. Extraction always runs.
	SkipTransform bool `yaml:"skip_transform" json:"skip_transform"`
	SkipLoad      bool `yaml:"skip_load" json:"skip_load"`
	SkipOutput    bool `yaml:"skip_output" json:"skip_output"`

	// AutoOptimize recomputes worker counts from a fresh resource
	// snapshot before each stage.
	AutoOptimize bool `yaml:"auto_optimize" json:"auto_optimize"`

	// AllOrNothing fails a stage on the first item error instead of
	// carrying on with the survivors.
	AllOrNothing bool `yaml:"all_or_nothing" json:"all_or_nothing"`

	// SaveTransformed writes each transformed partition to
	// TransformedDir before loading.
	SaveTransformed bool   `yaml:"save_transformed" json:"save_transformed"`
	TransformedDir  string `yaml:"transformed_dir" json:"transformed_dir"`

	// LoadDir receives the per-input files written by the load stage.
	// LoadFormat picks their format by extension name.
	LoadDir    string `yaml:"load_dir" json:"load_dir"`
	LoadFormat string `yaml:"load_format" json:"load_format"`

	// OutputDir receives reports and the run summary. Each report is
	// written once per entry in OutputFormats.
	OutputDir     string         `yaml:"output_dir" json:"output_dir"`
	OutputFormats []string       `yaml:"output_formats" json:"output_formats"`
	Output        format.Options `yaml:"output" json:"output"`

	// Transform carries strategy-level options such as the sort column.
	Transform transform.Options `yaml:"transform" json:"transform"`

	Reports        []report.Spec   `yaml:"reports" json:"reports"`
	ReportDefaults report.Defaults `yaml:"report_defaults" json:"report_defaults"`

	Monitor   monitor.Config  `yaml:"monitor" json:"monitor"`
	Optimizer optimize.Config `yaml:"optimizer" json:"optimizer"`
}

// DefaultRunConfig returns a RunConfig with the stock stage bounds:
// extraction runs up to five readers, load and output up to three
// writers, and transform scales with the logical cores.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Mode: Concurrent,
		Stages: StagesConfig{
			Extract:   StageConfig{MinWorkers: 1, MaxWorkers: 5},
			Transform: StageConfig{MinWorkers: 1, MaxWorkers: runtime.NumCPU()},
			Load:      StageConfig{MinWorkers: 1, MaxWorkers: 3},
			Output:    StageConfig{MinWorkers: 1, MaxWorkers: 3},
		},
		AutoOptimize:  true,
		LoadFormat:    "csv",
		OutputFormats: []string{"csv"},
		Monitor:       monitor.DefaultConfig(),
		Optimizer:     optimize.DefaultConfig(),
	}
}

// ApplyDefaults fills derived paths and normalizes enum fields. Call it
// after populating a RunConfig by hand; Load does it automatically.
func (c *RunConfig) ApplyDefaults() {
	if mode, err := ParseMode(string(c.Mode)); err == nil {
		c.Mode = mode
	}
	if c.LoadDir == "" && c.OutputDir != "" {
		c.LoadDir = filepath.Join(c.OutputDir, "loaded")
	}
	if c.TransformedDir == "" && c.OutputDir != "" {
		c.TransformedDir = filepath.Join(c.OutputDir, "transformed")
	}
	if c.LoadFormat == "" {
		c.LoadFormat = "csv"
	}
	if len(c.OutputFormats) == 0 {
		c.OutputFormats = []string{"csv"}
	}
}

// Validate checks the config for contradictions before a run starts.
// All failures carry the config error kind.
func (c *RunConfig) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Source.Dir == "" {
		return errors.New(errors.KindConfig, "source.dir is required")
	}
	if c.Source.Pattern == "" {
		return errors.New(errors.KindConfig, "source.pattern is required")
	}
	if c.OutputDir == "" {
		return errors.New(errors.KindConfig, "output_dir is required")
	}

	if !c.SkipTransform {
		if c.Strategy == "" {
			return errors.New(errors.KindConfig, "strategy is required unless skip_transform is set")
		}
		if _, err := transform.New(c.Strategy); err != nil {
			return err
		}
	}

	for name, stage := range map[string]StageConfig{
		"extract":   c.Stages.Extract,
		"transform": c.Stages.Transform,
		"load":      c.Stages.Load,
		"output":    c.Stages.Output,
	} {
		if stage.MinWorkers < 0 || stage.MaxWorkers < 0 {
			return errors.Newf(errors.KindConfig, "stages.%s: worker bounds must not be negative", name)
		}
		if stage.MaxWorkers > 0 && stage.MinWorkers > stage.MaxWorkers {
			return errors.Newf(errors.KindConfig, "stages.%s: min_workers %d exceeds max_workers %d", name, stage.MinWorkers, stage.MaxWorkers)
		}
	}
	if c.Partitions < 0 {
		return errors.New(errors.KindConfig, "partitions must not be negative")
	}

	if _, err := format.Detect("x." + strings.TrimPrefix(c.LoadFormat, ".")); err != nil {
		return errors.Newf(errors.KindConfig, "load_format %q is not a known format", c.LoadFormat)
	}
	for _, ext := range c.OutputFormats {
		if _, err := format.Detect("x." + strings.TrimPrefix(ext, ".")); err != nil {
			return errors.Newf(errors.KindConfig, "output format %q is not a known format", ext)
		}
	}
	if err := format.ParseEncoding(c.Input.Encoding); err != nil {
		return err
	}
	if err := format.ParseEncoding(c.Output.Encoding); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Reports))
	for _, spec := range c.Reports {
		full := spec.WithDefaults(c.ReportDefaults)
		if err := full.Validate(); err != nil {
			return err
		}
		if seen[full.Name] {
			return errors.Newf(errors.KindConfig, "duplicate report name %q", full.Name)
		}
		seen[full.Name] = true
	}

	if c.Monitor.SampleInterval < 0 {
		return errors.New(errors.KindConfig, "monitor.sample_interval must not be negative")
	}
	if c.Optimizer.CPUHighWater < 0 || c.Optimizer.CPUHighWater > 1 {
		return errors.New(errors.KindConfig, "optimizer.cpu_high_water must be within [0, 1]")
	}
	if c.Optimizer.MinWorkers < 0 || c.Optimizer.MaxWorkers < 0 {
		return errors.New(errors.KindConfig, "optimizer worker bounds must not be negative")
	}
	return nil
}

// Clone returns a deep copy, so a caller can vary one run without
// touching the original.
func (c *RunConfig) Clone() *RunConfig {
	clone := *c

	clone.OutputFormats = append([]string(nil), c.OutputFormats...)

	clone.Reports = make([]report.Spec, len(c.Reports))
	for i, spec := range c.Reports {
		clone.Reports[i] = cloneReportSpec(spec)
	}

	clone.ReportDefaults.GroupBy = append([]string(nil), c.ReportDefaults.GroupBy...)
	clone.ReportDefaults.Aggregates = cloneAggregates(c.ReportDefaults.Aggregates)

	return &clone
}

func cloneReportSpec(spec report.Spec) report.Spec {
	out := spec
	out.GroupBy = append([]string(nil), spec.GroupBy...)
	out.Aggregates = cloneAggregates(spec.Aggregates)

	out.Post = make([]report.PostOp, len(spec.Post))
	for i, post := range spec.Post {
		cloned := report.PostOp{}
		if post.Rename != nil {
			cloned.Rename = make(map[string]string, len(post.Rename))
			for k, v := range post.Rename {
				cloned.Rename[k] = v
			}
		}
		if post.Derive != nil {
			derive := *post.Derive
			cloned.Derive = &derive
		}
		out.Post[i] = cloned
	}

	if spec.Output != nil {
		output := *spec.Output
		out.Output = &output
	}
	return out
}

func cloneAggregates(in map[string]report.Op) map[string]report.Op {
	if in == nil {
		return nil
	}
	out := make(map[string]report.Op, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
