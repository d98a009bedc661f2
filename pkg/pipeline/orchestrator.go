package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/gristmill/gristmill/pkg/compression"
	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/format"
	"github.com/gristmill/gristmill/pkg/metrics"
	"github.com/gristmill/gristmill/pkg/optimize"
	"github.com/gristmill/gristmill/pkg/report"
	"github.com/gristmill/gristmill/pkg/stats"
)

// State names a position in the run state machine.
type State string

const (
	StateInit      State = "INIT"
	StateExtract   State = "EXTRACT"
	StateTransform State = "TRANSFORM"
	StateLoad      State = "LOAD"
	StateOutput    State = "OUTPUT"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Stage names used in statistics, metrics and logs.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
	StageOutput    = "output"
)

// RunResult is the terminal outcome of one run. Run always returns a
// non-nil RunResult; State tells success from failure.
type RunResult struct {
	RunID        string       `json:"run_id"`
	Name         string       `json:"name"`
	Mode         config.Mode  `json:"mode"`
	State        State        `json:"state"`
	FailedDuring State        `json:"failed_during,omitempty"`
	Error        string       `json:"error,omitempty"`
	Err          error        `json:"-"`
	Report       stats.Report `json:"report"`
}

// Orchestrator drives one run through the state machine.
type Orchestrator struct {
	pctx *Context

	mu    sync.RWMutex
	state State
}

// NewOrchestrator wraps a run context. The orchestrator is single-use:
// one Run per instance.
func NewOrchestrator(pctx *Context) *Orchestrator {
	return &Orchestrator{pctx: pctx, state: StateInit}
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.pctx.Logger.Info("state transition", zap.String("state", string(s)))
}

// Run executes the pipeline: INIT discovers inputs, EXTRACT reads them,
// TRANSFORM applies the strategy over partitions, LOAD writes per-item
// files, OUTPUT builds and writes reports. Any stage-level failure moves
// the machine to FAILED and stops the run. The returned result is never
// nil.
func (o *Orchestrator) Run(ctx context.Context) *RunResult {
	cfg := o.pctx.Config
	log := o.pctx.Logger
	st := o.pctx.Stats

	st.Start()
	o.pctx.Monitor.Start()
	defer o.pctx.Monitor.Stop()

	result := &RunResult{
		RunID: o.pctx.RunID,
		Name:  cfg.Name,
		Mode:  cfg.Mode,
	}
	defer o.writeSummary(result)

	fail := func(err error) *RunResult {
		result.FailedDuring = o.State()
		o.setState(StateFailed)
		st.RecordError(string(errors.KindOf(err)))
		st.Finish()
		result.State = StateFailed
		result.Err = err
		result.Error = err.Error()
		result.Report = st.Snapshot()
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		log.Error("run failed",
			zap.String("during", string(result.FailedDuring)),
			zap.Error(err))
		return result
	}

	o.setState(StateInit)
	files, err := o.discover()
	if err != nil {
		return fail(err)
	}
	log.Info("discovered input files",
		zap.Int("count", len(files)),
		zap.String("pattern", cfg.Source.Glob()))

	o.setState(StateExtract)
	extracted, err := o.extract(ctx, files)
	if err != nil {
		return fail(err)
	}

	perFile := make([]*dataset.Dataset, len(extracted))
	for i, r := range extracted {
		perFile[i] = r.Value
	}
	current := dataset.Concat(perFile)
	if current.NumRows() == 0 {
		return fail(errors.New(errors.KindInputDiscovery, "extracted zero data rows"))
	}
	log.Info("extraction complete",
		zap.Int("files", len(extracted)),
		zap.Int("rows", current.NumRows()))

	var parts []Result[*dataset.Dataset]
	if cfg.SkipTransform {
		log.Info("transform skipped")
		parts = extracted
	} else {
		o.setState(StateTransform)
		parts, err = o.transform(ctx, current)
		if err != nil {
			return fail(err)
		}
		merged := make([]*dataset.Dataset, len(parts))
		for i, r := range parts {
			merged[i] = r.Value
		}
		current = dataset.Concat(merged)
		log.Info("transform complete",
			zap.Int("partitions", len(parts)),
			zap.Int("rows", current.NumRows()))

		if cfg.SaveTransformed {
			o.saveTransformed(ctx, parts)
		}
	}

	if cfg.SkipLoad {
		log.Info("load skipped")
	} else {
		o.setState(StateLoad)
		if err := o.load(ctx, parts); err != nil {
			return fail(err)
		}
	}

	if cfg.SkipOutput {
		log.Info("output skipped")
	} else {
		o.setState(StateOutput)
		if err := o.output(ctx, current); err != nil {
			return fail(err)
		}
	}

	o.setState(StateDone)
	st.Finish()
	result.State = StateDone
	result.Report = st.Snapshot()
	metrics.RunsTotal.WithLabelValues("succeeded").Inc()
	log.Info("run complete",
		zap.Int64("rows", result.Report.TotalRows),
		zap.Int("errors", result.Report.TotalErrors),
		zap.Duration("elapsed", result.Report.Elapsed))
	return result
}

// discover expands the source glob. No matches is a failure: a run over
// nothing is a misconfiguration, not a success.
func (o *Orchestrator) discover() ([]string, error) {
	pattern := o.pctx.Config.Source.Glob()
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInputDiscovery, "bad source pattern %q", pattern)
	}
	if len(matches) == 0 {
		return nil, errors.Newf(errors.KindInputDiscovery, "no input files match %q", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func (o *Orchestrator) extract(ctx context.Context, files []string) ([]Result[*dataset.Dataset], error) {
	cfg := o.pctx.Config

	items := make([]Item[string], len(files))
	for i, path := range files {
		items[i] = Item[string]{Index: i, Name: path, Value: path}
	}

	opts := o.execOptions(StageExtract, optimize.IOBound, len(items), cfg.Stages.Extract)
	return Execute(ctx, opts, items, func(ctx context.Context, item Item[string]) (*dataset.Dataset, int64, error) {
		ds, err := format.Read(ctx, item.Value, cfg.Input)
		if err != nil {
			return nil, 0, err
		}
		rows := int64(ds.NumRows())
		o.pctx.Stats.FileProcessed(item.Value, rows)
		return ds, rows, nil
	})
}

func (o *Orchestrator) transform(ctx context.Context, full *dataset.Dataset) ([]Result[*dataset.Dataset], error) {
	cfg := o.pctx.Config

	partitions := o.partitionCount(full.NumRows())
	parts := full.Split(partitions)

	items := make([]Item[*dataset.Dataset], len(parts))
	for i, part := range parts {
		items[i] = Item[*dataset.Dataset]{
			Index: i,
			Name:  fmt.Sprintf("partition_%03d", i),
			Value: part,
		}
	}
	o.pctx.Logger.Info("partitioned for transform",
		zap.Int("partitions", len(parts)),
		zap.Int("rows", full.NumRows()))

	opts := o.execOptions(StageTransform, optimize.CPUBound, len(items), cfg.Stages.Transform)
	return Execute(ctx, opts, items, func(ctx context.Context, item Item[*dataset.Dataset]) (*dataset.Dataset, int64, error) {
		out, err := o.pctx.Strategy.Transform(ctx, item.Value, cfg.Transform)
		if err != nil {
			return nil, 0, err
		}
		return out, int64(out.NumRows()), nil
	})
}

// saveTransformed writes each transformed partition for inspection.
// Failures are recorded but never fail the run; the canonical data is
// already in memory.
func (o *Orchestrator) saveTransformed(ctx context.Context, parts []Result[*dataset.Dataset]) {
	cfg := o.pctx.Config
	for _, part := range parts {
		path := filepath.Join(cfg.TransformedDir, fmt.Sprintf("%s_%s.%s", cfg.Name, part.Name, normalizeExt(cfg.LoadFormat)))
		spec := format.OutputSpec{Path: path, Options: cfg.Output}
		err := o.pctx.Locks.WithLock(path, func() error {
			return format.Write(ctx, part.Value, spec)
		})
		if err != nil {
			o.pctx.Stats.RecordError(string(errors.KindOf(err)))
			o.pctx.Logger.Warn("saving transformed partition failed",
				zap.String("path", path), zap.Error(err))
		}
	}
}

func (o *Orchestrator) load(ctx context.Context, parts []Result[*dataset.Dataset]) error {
	cfg := o.pctx.Config

	items := make([]Item[*dataset.Dataset], len(parts))
	for i, part := range parts {
		name := part.Name
		// Per-file datasets keep their source name; partitions carry an
		// index from Split and keep their partition name.
		if part.Value.Partition < 0 && part.Value.Source != "" {
			name = baseName(part.Value.Source)
		}
		items[i] = Item[*dataset.Dataset]{Index: i, Name: name, Value: part.Value}
	}

	opts := o.execOptions(StageLoad, optimize.IOBound, len(items), cfg.Stages.Load)
	_, err := Execute(ctx, opts, items, func(ctx context.Context, item Item[*dataset.Dataset]) (string, int64, error) {
		path := filepath.Join(cfg.LoadDir, item.Name+"."+normalizeExt(cfg.LoadFormat))
		spec := format.OutputSpec{Path: path, Options: cfg.Output}
		err := o.pctx.Locks.WithLock(path, func() error {
			return format.Write(ctx, item.Value, spec)
		})
		if err != nil {
			return "", 0, err
		}
		return path, int64(item.Value.NumRows()), nil
	})
	return err
}

// output builds each configured report and writes it in every output
// format. With no reports configured, the final dataset itself is
// written instead.
func (o *Orchestrator) output(ctx context.Context, current *dataset.Dataset) error {
	cfg := o.pctx.Config

	type outputWork struct {
		spec    *report.Spec // nil writes the dataset as-is
		targets []format.OutputSpec
	}

	var items []Item[outputWork]
	if len(cfg.Reports) == 0 {
		items = append(items, Item[outputWork]{
			Index: 0,
			Name:  cfg.Name,
			Value: outputWork{targets: o.fanOut(cfg.Name, nil)},
		})
	} else {
		for i := range cfg.Reports {
			spec := cfg.Reports[i].WithDefaults(cfg.ReportDefaults)
			items = append(items, Item[outputWork]{
				Index: i,
				Name:  spec.Name,
				Value: outputWork{spec: &spec, targets: o.fanOut(spec.Name, spec.Output)},
			})
		}
	}

	opts := o.execOptions(StageOutput, optimize.IOBound, len(items), cfg.Stages.Output)
	_, err := Execute(ctx, opts, items, func(ctx context.Context, item Item[outputWork]) (int, int64, error) {
		ds := current
		if item.Value.spec != nil {
			built, err := report.Build(ctx, current, *item.Value.spec)
			if err != nil {
				return 0, 0, err
			}
			ds = built
		}
		for _, target := range item.Value.targets {
			err := o.pctx.Locks.WithLock(target.Path, func() error {
				return format.Write(ctx, ds, target)
			})
			if err != nil {
				return 0, 0, err
			}
		}
		return len(item.Value.targets), int64(ds.NumRows()), nil
	})
	return err
}

// fanOut resolves the write targets for one output name. A per-report
// override replaces the directory fan-out entirely; relative override
// paths are anchored at the output directory.
func (o *Orchestrator) fanOut(name string, override *format.OutputSpec) []format.OutputSpec {
	cfg := o.pctx.Config
	if override != nil {
		path := override.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.OutputDir, path)
		}
		return []format.OutputSpec{{
			Path:    path,
			Options: format.MergeOptions(cfg.Output, override.Options),
		}}
	}

	targets := make([]format.OutputSpec, 0, len(cfg.OutputFormats))
	for _, ext := range cfg.OutputFormats {
		targets = append(targets, format.OutputSpec{
			Path:    filepath.Join(cfg.OutputDir, name+"."+normalizeExt(ext)),
			Options: cfg.Output,
		})
	}
	return targets
}

// execOptions assembles executor options for one stage, choosing the
// worker count from a fresh resource snapshot.
func (o *Orchestrator) execOptions(stage string, profile optimize.Profile, itemCount int, bounds config.StageConfig) ExecOptions {
	cfg := o.pctx.Config
	workers := o.stageWorkers(stage, profile, itemCount, bounds)
	return ExecOptions{
		Stage:        stage,
		Mode:         cfg.Mode,
		Workers:      workers,
		AllOrNothing: cfg.AllOrNothing,
		Stats:        o.pctx.Stats,
		Logger:       o.pctx.Logger,
	}
}

func (o *Orchestrator) stageWorkers(stage string, profile optimize.Profile, itemCount int, bounds config.StageConfig) int {
	cfg := o.pctx.Config

	if !cfg.AutoOptimize {
		workers := bounds.MaxWorkers
		if workers < 1 {
			workers = 1
		}
		if itemCount > 0 && workers > itemCount {
			workers = itemCount
		}
		return workers
	}

	snap := o.pctx.Monitor.Snapshot()
	ocfg := cfg.Optimizer
	ocfg.MinWorkers = bounds.MinWorkers
	ocfg.MaxWorkers = bounds.MaxWorkers

	workers := optimize.Workers(profile, itemCount, snap, ocfg)
	o.pctx.Logger.Info("optimized stage workers",
		zap.String("stage", stage),
		zap.Int("workers", workers),
		zap.Int("items", itemCount),
		zap.Float64("cpu", snap.CPUUtilization),
		zap.Uint64("available_memory", snap.AvailableMemory))
	return workers
}

// partitionCount resolves the transform partition count: an explicit
// config wins, then the optimizer, then the logical core count.
func (o *Orchestrator) partitionCount(rows int) int {
	cfg := o.pctx.Config
	if cfg.Partitions > 0 {
		return cfg.Partitions
	}

	snap := o.pctx.Monitor.Snapshot()
	if cfg.AutoOptimize {
		parts := optimize.Partitions(rows, snap, cfg.Optimizer)
		o.pctx.Logger.Info("optimized transform partitions",
			zap.Int("partitions", parts),
			zap.Int("rows", rows))
		return parts
	}
	if snap.LogicalCores > 0 {
		return snap.LogicalCores
	}
	return runtime.NumCPU()
}

// writeSummary persists the run report next to the outputs. Best
// effort: a run never fails because its summary could not be written.
func (o *Orchestrator) writeSummary(result *RunResult) {
	cfg := o.pctx.Config
	if cfg.OutputDir == "" {
		return
	}
	path := filepath.Join(cfg.OutputDir, cfg.Name+"_summary.json")

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		o.pctx.Logger.Warn("encoding run summary failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		o.pctx.Logger.Warn("writing run summary failed", zap.Error(err))
		return
	}
	err = o.pctx.Locks.WithLock(path, func() error {
		return os.WriteFile(path, data, 0o600)
	})
	if err != nil {
		o.pctx.Logger.Warn("writing run summary failed", zap.String("path", path), zap.Error(err))
	}
}

// baseName strips the directory, a compression suffix and the format
// extension from an input path.
func baseName(path string) string {
	_, stripped := compression.DetectSuffix(filepath.Base(path))
	return strings.TrimSuffix(stripped, filepath.Ext(stripped))
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}
