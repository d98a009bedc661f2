package pipeline

import (
	"context"
	stderrors "errors"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/logger"
	"github.com/gristmill/gristmill/pkg/metrics"
	"github.com/gristmill/gristmill/pkg/stats"
)

// Item is one unit of stage work. Index is the item's position in the
// original input order; results are merged back in ascending Index
// order regardless of completion order.
type Item[T any] struct {
	Index int
	Name  string
	Value T
}

// Result is one successful item outcome. Rows is whatever row count the
// stage function reported for the item.
type Result[R any] struct {
	Index int
	Name  string
	Rows  int64
	Value R
}

// ExecOptions tunes one Execute call.
type ExecOptions struct {
	// Stage names the stage for statistics, metrics and logs.
	Stage string

	// Mode picks sequential or concurrent dispatch.
	Mode config.Mode

	// Workers bounds the pool in concurrent mode. Values below one run
	// a single worker.
	Workers int

	// AllOrNothing aborts the stage on the first item failure.
	AllOrNothing bool

	// Stats receives per-item outcomes. Optional.
	Stats *stats.Stats

	// Logger for item-level events. Nil falls back to the package
	// default.
	Logger *zap.Logger
}

// Execute maps fn over items and returns the successful results merged
// in ascending Index order.
//
// Item failures never stop the stage: each is classified by error kind,
// recorded, and logged, and the survivors carry on. Execute returns an
// error only when the context is canceled, when all items failed
// (stage_exhausted), or on any failure when AllOrNothing is set.
// Sequential and concurrent modes differ only in scheduling.
func Execute[T, R any](ctx context.Context, opts ExecOptions, items []Item[T], fn func(context.Context, Item[T]) (R, int64, error)) ([]Result[R], error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	sequential := opts.Mode == config.Sequential
	if sequential {
		workers = 1
	}

	timer := metrics.NewStageTimer(opts.Stage)
	tracker := metrics.NewThroughputTracker(opts.Stage)
	metrics.StageWorkers.WithLabelValues(opts.Stage).Set(float64(workers))
	defer func() {
		elapsed := timer.Stop()
		if opts.Stats != nil {
			opts.Stats.StageElapsed(opts.Stage, elapsed)
		}
		tracker.GetAndReset()
	}()

	if len(items) == 0 {
		return nil, nil
	}

	slots := make([]*Result[R], len(items))
	var succeeded atomic.Int64

	process := func(ctx context.Context, pos int) error {
		item := items[pos]
		value, rows, err := invoke(ctx, fn, item)
		if err != nil {
			// A failure caused by cancellation is not an item failure.
			if cerr := ctx.Err(); cerr != nil && stderrors.Is(err, cerr) {
				return cerr
			}
			kind := errors.KindOf(err)
			if opts.Stats != nil {
				opts.Stats.ItemFailed(opts.Stage, string(kind))
			}
			metrics.ItemsProcessed.WithLabelValues(opts.Stage, "failure").Inc()
			metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()

			// Expected item-level kinds log as warnings; anything else
			// (panics, misclassified failures) is an error.
			logAt := log.Error
			if errors.ItemLevel(kind) {
				logAt = log.Warn
			}
			logAt("work item failed",
				zap.String("stage", opts.Stage),
				zap.String("item", item.Name),
				zap.String("kind", string(kind)),
				zap.Error(err))

			if opts.AllOrNothing {
				return errors.Wrapf(err, errors.KindStageExhausted, "stage %s aborted by item %s", opts.Stage, item.Name)
			}
			return nil
		}

		slots[pos] = &Result[R]{Index: item.Index, Name: item.Name, Rows: rows, Value: value}
		succeeded.Add(1)
		if opts.Stats != nil {
			opts.Stats.ItemSucceeded(opts.Stage, rows)
		}
		metrics.ItemsProcessed.WithLabelValues(opts.Stage, "success").Inc()
		metrics.RowsProcessed.WithLabelValues(opts.Stage).Add(float64(rows))
		tracker.Add(rows)
		return nil
	}

	if sequential {
		for pos := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := process(ctx, pos); err != nil {
				return nil, err
			}
		}
	} else {
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(workers)
		for pos := range items {
			if gctx.Err() != nil {
				break
			}
			group.Go(func() error {
				return process(gctx, pos)
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	results := make([]Result[R], 0, succeeded.Load())
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})

	if len(results) == 0 {
		return nil, errors.Newf(errors.KindStageExhausted, "stage %s: all %d items failed", opts.Stage, len(items))
	}
	return results, nil
}

// invoke calls fn with panic recovery, so one corrupt item cannot take
// down the whole run.
func invoke[T, R any](ctx context.Context, fn func(context.Context, Item[T]) (R, int64, error), item Item[T]) (value R, rows int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.KindInternal, "panic processing %s: %v", item.Name, r).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return fn(ctx, item)
}
