package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gristmill/gristmill/pkg/report"
	"github.com/gristmill/gristmill/pkg/testutil"
)

func TestCompareRunsBothModes(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	cfg := ledgerConfig(t, dir)
	cmp, err := NewComparator(cfg, zaptest.NewLogger(t)).Compare(context.Background())
	require.NoError(t, err)

	require.Equal(t, StateDone, cmp.Sequential.Result.State)
	require.Equal(t, StateDone, cmp.Concurrent.Result.State)
	assert.True(t, cmp.Consistent)
	assert.Greater(t, cmp.Speedup, 0.0)
	assert.Greater(t, cmp.Sequential.Elapsed, time.Duration(0))

	seq := readOutput(t, filepath.Join(dir, "out", "sequential", "balances.csv"))
	conc := readOutput(t, filepath.Join(dir, "out", "concurrent", "balances.csv"))
	assert.Equal(t, seq, conc)
	assert.Equal(t, balancesCSV, conc)
}

func TestCompareGeneratedWorkload(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		testutil.WriteCSV(t, filepath.Join(dir, "in"), fmt.Sprintf("ledger_%d.csv", i),
			testutil.AccountingHeader, testutil.AccountingRows(200))
	}

	cfg := ledgerConfig(t, dir)
	cfg.Partitions = 4
	cfg.Reports = []report.Spec{{
		Name:    "net_by_period",
		GroupBy: []string{"company", "period", "account_code"},
		Aggregates: map[string]report.Op{
			"net": report.OpSum,
		},
	}}

	cmp, err := NewComparator(cfg, zaptest.NewLogger(t)).Compare(context.Background())
	require.NoError(t, err)

	require.Equal(t, StateDone, cmp.Sequential.Result.State)
	require.Equal(t, StateDone, cmp.Concurrent.Result.State)
	assert.True(t, cmp.Consistent)
	assert.Equal(t, int64(800), cmp.Sequential.Result.Report.Stages["extract"].Rows)

	seq := readOutput(t, filepath.Join(dir, "out", "sequential", "net_by_period.csv"))
	conc := readOutput(t, filepath.Join(dir, "out", "concurrent", "net_by_period.csv"))
	assert.Equal(t, seq, conc)
	assert.Contains(t, seq, "company,period,account_code,net\n")
	assert.Contains(t, seq, "acme")
}

func TestCompareFailedRunsAreNotConsistent(t *testing.T) {
	dir := t.TempDir()

	cfg := ledgerConfig(t, dir)
	cmp, err := NewComparator(cfg, zaptest.NewLogger(t)).Compare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, cmp.Sequential.Result.State)
	assert.Equal(t, StateFailed, cmp.Concurrent.Result.State)
	assert.False(t, cmp.Consistent)
}

func TestCompareDoesNotMutateBaseConfig(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)

	cfg := ledgerConfig(t, dir)
	baseOut := cfg.OutputDir
	baseMode := cfg.Mode

	_, err := NewComparator(cfg, zaptest.NewLogger(t)).Compare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, baseOut, cfg.OutputDir)
	assert.Equal(t, baseMode, cfg.Mode)
}
