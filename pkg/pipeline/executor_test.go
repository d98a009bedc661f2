package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/stats"
)

func execOpts(t *testing.T, mode config.Mode) (ExecOptions, *stats.Stats) {
	t.Helper()
	st := stats.New()
	return ExecOptions{
		Stage:   "extract",
		Mode:    mode,
		Workers: 4,
		Stats:   st,
		Logger:  zaptest.NewLogger(t),
	}, st
}

func numberedItems(n int) []Item[int] {
	items := make([]Item[int], n)
	for i := range items {
		items[i] = Item[int]{Index: i, Name: fmt.Sprintf("item-%02d", i), Value: i}
	}
	return items
}

func bothModes(t *testing.T, fn func(t *testing.T, mode config.Mode)) {
	for _, mode := range []config.Mode{config.Sequential, config.Concurrent} {
		t.Run(string(mode), func(t *testing.T) {
			fn(t, mode)
		})
	}
}

func TestExecuteMergesAscending(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		opts, st := execOpts(t, mode)
		results, err := Execute(context.Background(), opts, numberedItems(16),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				return item.Value * 10, 1, nil
			})
		require.NoError(t, err)
		require.Len(t, results, 16)
		for i, r := range results {
			assert.Equal(t, i, r.Index)
			assert.Equal(t, i*10, r.Value)
			assert.Equal(t, int64(1), r.Rows)
		}

		report := st.Snapshot()
		assert.Equal(t, 16, report.Stages["extract"].Succeeded)
		assert.Equal(t, int64(16), report.TotalRows)
		assert.Zero(t, report.TotalErrors)
	})
}

func TestExecuteModesProduceIdenticalResults(t *testing.T) {
	run := func(mode config.Mode) []Result[string] {
		opts, _ := execOpts(t, mode)
		results, err := Execute(context.Background(), opts, numberedItems(20),
			func(_ context.Context, item Item[int]) (string, int64, error) {
				return fmt.Sprintf("%s=%d", item.Name, item.Value*item.Value), int64(item.Value), nil
			})
		require.NoError(t, err)
		return results
	}

	assert.Equal(t, run(config.Sequential), run(config.Concurrent))
}

func TestExecuteToleratesItemFailures(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		opts, st := execOpts(t, mode)
		results, err := Execute(context.Background(), opts, numberedItems(6),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				if item.Index == 2 {
					return 0, 0, errors.Newf(errors.KindItemParse, "corrupt item %s", item.Name)
				}
				return item.Value, 1, nil
			})
		require.NoError(t, err)
		require.Len(t, results, 5)

		indexes := make([]int, 0, len(results))
		for _, r := range results {
			indexes = append(indexes, r.Index)
		}
		assert.Equal(t, []int{0, 1, 3, 4, 5}, indexes)

		report := st.Snapshot()
		assert.Equal(t, 5, report.Stages["extract"].Succeeded)
		assert.Equal(t, 1, report.Stages["extract"].Failed)
		assert.Equal(t, 1, report.ErrorsByKind["item_parse"])
	})
}

func TestExecuteAllItemsFailed(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		opts, st := execOpts(t, mode)
		results, err := Execute(context.Background(), opts, numberedItems(4),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				return 0, 0, errors.New(errors.KindItemParse, "unreadable")
			})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindStageExhausted))
		assert.Empty(t, results)
		assert.Equal(t, 4, st.Snapshot().ErrorsByKind["item_parse"])
	})
}

func TestExecuteAllOrNothingAborts(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		opts, _ := execOpts(t, mode)
		opts.AllOrNothing = true
		_, err := Execute(context.Background(), opts, numberedItems(8),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				if item.Index == 3 {
					return 0, 0, errors.New(errors.KindWrite, "disk full")
				}
				return item.Value, 1, nil
			})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindStageExhausted))
		assert.Contains(t, err.Error(), "aborted")
	})
}

func TestExecutePanicBecomesInternalFailure(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		opts, st := execOpts(t, mode)
		results, err := Execute(context.Background(), opts, numberedItems(5),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				if item.Index == 1 {
					panic("boom")
				}
				return item.Value, 1, nil
			})
		require.NoError(t, err)
		assert.Len(t, results, 4)
		assert.Equal(t, 1, st.Snapshot().ErrorsByKind["internal"])
	})
}

func TestExecuteCanceledContext(t *testing.T) {
	bothModes(t, func(t *testing.T, mode config.Mode) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		opts, st := execOpts(t, mode)
		results, err := Execute(ctx, opts, numberedItems(4),
			func(_ context.Context, item Item[int]) (int, int64, error) {
				return item.Value, 1, nil
			})
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, context.Canceled))
		assert.Empty(t, results)
		assert.Zero(t, st.Snapshot().TotalErrors)
	})
}

func TestExecuteCancellationIsNotAnItemFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, st := execOpts(t, config.Sequential)
	_, err := Execute(ctx, opts, numberedItems(6),
		func(ctx context.Context, item Item[int]) (int, int64, error) {
			if item.Index == 2 {
				cancel()
				return 0, 0, ctx.Err()
			}
			return item.Value, 1, nil
		})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))

	report := st.Snapshot()
	assert.Zero(t, report.TotalErrors)
	assert.Equal(t, 2, report.Stages["extract"].Succeeded)
}

func TestExecuteEmptyItems(t *testing.T) {
	opts, _ := execOpts(t, config.Concurrent)
	results, err := Execute(context.Background(), opts, nil,
		func(_ context.Context, item Item[int]) (int, int64, error) {
			return 0, 0, nil
		})
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestExecuteHonorsWorkerLimit(t *testing.T) {
	opts, _ := execOpts(t, config.Concurrent)
	opts.Workers = 2

	var current, peak atomic.Int64
	results, err := Execute(context.Background(), opts, numberedItems(12),
		func(_ context.Context, item Item[int]) (int, int64, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			return item.Value, 1, nil
		})
	require.NoError(t, err)
	assert.Len(t, results, 12)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}
