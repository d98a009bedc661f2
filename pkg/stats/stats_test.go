package stats

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemOutcomes(t *testing.T) {
	s := New()
	s.ItemSucceeded("extract", 100)
	s.ItemSucceeded("extract", 50)
	s.ItemFailed("extract", "item_parse")

	report := s.Snapshot()
	st := report.Stages["extract"]

	assert.Equal(t, 3, st.Items)
	assert.Equal(t, 2, st.Succeeded)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, int64(150), st.Rows)
	assert.Equal(t, 1, report.ErrorsByKind["item_parse"])
	assert.Equal(t, 1, report.TotalErrors)
}

func TestFileProcessedKeepsOrder(t *testing.T) {
	s := New()
	s.FileProcessed("a.csv", 10)
	s.FileProcessed("b.csv", 20)

	report := s.Snapshot()
	require.Len(t, report.Files, 2)
	assert.Equal(t, FileRecord{Path: "a.csv", Rows: 10}, report.Files[0])
	assert.Equal(t, FileRecord{Path: "b.csv", Rows: 20}, report.Files[1])
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	s.ItemFailed("load", "write")
	report := s.Snapshot()

	report.ErrorsByKind["write"] = 99
	report.Files = append(report.Files, FileRecord{Path: "x"})

	fresh := s.Snapshot()
	assert.Equal(t, 1, fresh.ErrorsByKind["write"])
	assert.Empty(t, fresh.Files)
}

func TestReset(t *testing.T) {
	s := New()
	s.Start()
	s.ItemSucceeded("output", 5)
	s.RecordError("write")
	s.Reset()

	report := s.Snapshot()
	assert.Zero(t, report.TotalItems)
	assert.Zero(t, report.TotalErrors)
	assert.Empty(t, report.Stages)
	assert.True(t, report.StartedAt.IsZero())
}

func TestStageElapsed(t *testing.T) {
	s := New()
	s.StageElapsed("transform", 200*time.Millisecond)
	s.StageElapsed("transform", 300*time.Millisecond)

	assert.Equal(t, 500*time.Millisecond, s.Snapshot().Stages["transform"].Elapsed)
}

func TestConcurrentMutation(t *testing.T) {
	s := New()
	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.ItemSucceeded("extract", 1)
				s.FileProcessed(fmt.Sprintf("f-%d-%d", w, i), 1)
				if i%10 == 0 {
					s.ItemFailed("extract", "item_parse")
				}
			}
		}(w)
	}
	wg.Wait()

	report := s.Snapshot()
	assert.Equal(t, int64(workers*perWorker), report.TotalRows)
	assert.Equal(t, workers*perWorker/10, report.ErrorsByKind["item_parse"])
	assert.Len(t, report.Files, workers*perWorker)
}

func TestElapsedUsesFinish(t *testing.T) {
	s := New()
	s.Start()
	s.Finish()

	report := s.Snapshot()
	assert.False(t, report.StartedAt.IsZero())
	assert.False(t, report.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, report.Elapsed, time.Duration(0))
}
