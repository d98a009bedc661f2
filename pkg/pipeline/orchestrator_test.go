package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/format"
	"github.com/gristmill/gristmill/pkg/report"
	"github.com/gristmill/gristmill/pkg/testutil"
)

const ledgerHeader = "company,date,year,month,account_code,debit,credit\n"

const ledgerFileA = ledgerHeader +
	"acme,2024-01-15,2024,1,ar-100,100,40\n" +
	"acme,2024-01-20,2024,1,ar-100,50,10\n" +
	"globex,2024-01-10,2024,1,ap-200,,75\n"

const ledgerFileB = ledgerHeader +
	"acme,2024-02-05,2024,2,ar-100,20,5\n" +
	"globex,2024-01-25,2024,1,ap-200,30,0\n"

// balancesCSV is the expected report over ledgerFileA + ledgerFileB:
// grouped sums with balance = debit - credit, rows ordered by the group
// columns.
const balancesCSV = "company,year,month,account_code,credit,debit,balance\n" +
	"acme,2024,1,AR-100,50,150,100\n" +
	"acme,2024,2,AR-100,5,20,15\n" +
	"globex,2024,1,AP-200,75,30,-45\n"

func writeInput(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func balancesSpec() report.Spec {
	return report.Spec{
		Name:    "balances",
		GroupBy: []string{"company", "year", "month", "account_code"},
		Aggregates: map[string]report.Op{
			"debit":  report.OpSum,
			"credit": report.OpSum,
		},
		Post: []report.PostOp{
			{Derive: &report.Derive{Column: "balance", Minuend: "debit", Subtrahend: "credit"}},
		},
	}
}

// ledgerConfig returns a run over <dir>/in/*.csv writing to <dir>/out,
// with background sampling off so tests stay hermetic.
func ledgerConfig(t *testing.T, dir string) *config.RunConfig {
	t.Helper()
	cfg := config.DefaultRunConfig()
	cfg.Name = "ledger"
	cfg.Strategy = "accounting"
	cfg.Source = config.SourceConfig{Dir: filepath.Join(dir, "in"), Pattern: "*.csv"}
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Partitions = 2
	cfg.Reports = []report.Spec{balancesSpec()}
	cfg.Monitor.Enabled = false
	return cfg
}

func runPipeline(t *testing.T, cfg *config.RunConfig) *RunResult {
	t.Helper()
	pctx, err := NewContext(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewOrchestrator(pctx).Run(context.Background())
}

func TestRunProducesBalancesReport(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	cfg := ledgerConfig(t, dir)
	result := runPipeline(t, cfg)

	require.Equal(t, StateDone, result.State)
	require.NoError(t, result.Err)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, balancesCSV, readOutput(t, filepath.Join(dir, "out", "balances.csv")))

	require.Len(t, result.Report.Files, 2)
	assert.Equal(t, 2, result.Report.Stages["extract"].Succeeded)
	assert.Equal(t, int64(5), result.Report.Stages["extract"].Rows)
	assert.Equal(t, 2, result.Report.Stages["transform"].Succeeded)
	assert.Equal(t, 2, result.Report.Stages["load"].Succeeded)
	assert.Equal(t, 1, result.Report.Stages["output"].Succeeded)
	assert.Zero(t, result.Report.TotalErrors)
}

func TestRunWritesLoadedPartitions(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	result := runPipeline(t, ledgerConfig(t, dir))
	require.Equal(t, StateDone, result.State)

	for _, name := range []string{"partition_000.csv", "partition_001.csv"} {
		path := filepath.Join(dir, "out", "loaded", name)
		assert.FileExists(t, path)
	}
}

func TestRunWritesSummary(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)

	result := runPipeline(t, ledgerConfig(t, dir))
	require.Equal(t, StateDone, result.State)

	data, err := os.ReadFile(filepath.Join(dir, "out", "ledger_summary.json"))
	require.NoError(t, err)

	var summary RunResult
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, result.RunID, summary.RunID)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, result.Report.TotalRows, summary.Report.TotalRows)
}

func TestRunSequentialMatchesConcurrent(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	outputs := make(map[config.Mode]string)
	for _, mode := range []config.Mode{config.Sequential, config.Concurrent} {
		cfg := ledgerConfig(t, dir)
		cfg.Mode = mode
		cfg.OutputDir = filepath.Join(dir, "out", string(mode))
		result := runPipeline(t, cfg)
		require.Equal(t, StateDone, result.State)
		outputs[mode] = readOutput(t, filepath.Join(cfg.OutputDir, "balances.csv"))
	}

	assert.Equal(t, outputs[config.Sequential], outputs[config.Concurrent])
	assert.Equal(t, balancesCSV, outputs[config.Concurrent])
}

func TestRunToleratesCorruptInput(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)
	writeInput(t, filepath.Join(dir, "in", "c.csv"), ledgerHeader+"acme,\"broken\n")

	result := runPipeline(t, ledgerConfig(t, dir))

	require.Equal(t, StateDone, result.State)
	assert.Equal(t, 1, result.Report.ErrorsByKind["item_parse"])
	assert.Equal(t, 1, result.Report.Stages["extract"].Failed)
	require.Len(t, result.Report.Files, 2)
	assert.Equal(t, balancesCSV, readOutput(t, filepath.Join(dir, "out", "balances.csv")))
}

func TestRunFailsWhenAllInputsCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerHeader+"acme,\"broken\n")
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerHeader+"acme,\"also broken\n")

	result := runPipeline(t, ledgerConfig(t, dir))

	require.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateExtract, result.FailedDuring)
	assert.True(t, errors.IsKind(result.Err, errors.KindStageExhausted))
	assert.Equal(t, 2, result.Report.ErrorsByKind["item_parse"])
}

func TestRunFailsOnEmptyGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "in"), 0o750))

	result := runPipeline(t, ledgerConfig(t, dir))

	require.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateInit, result.FailedDuring)
	assert.True(t, errors.IsKind(result.Err, errors.KindInputDiscovery))
	assert.Equal(t, 1, result.Report.ErrorsByKind["input_discovery"])
}

func TestRunFailsOnZeroRows(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerHeader)

	result := runPipeline(t, ledgerConfig(t, dir))

	require.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateExtract, result.FailedDuring)
	assert.True(t, errors.IsKind(result.Err, errors.KindInputDiscovery))
}

func TestRunSkipTransformAndLoadMergesInputs(t *testing.T) {
	dir := t.TempDir()
	for file, offset := range map[string]int{"a.csv": 0, "b.csv": 100} {
		var b strings.Builder
		b.WriteString("id,value\n")
		for i := 1; i <= 100; i++ {
			fmt.Fprintf(&b, "%d,row-%d\n", offset+i, offset+i)
		}
		writeInput(t, filepath.Join(dir, "in", file), b.String())
	}

	cfg := config.DefaultRunConfig()
	cfg.Name = "merge"
	cfg.Source = config.SourceConfig{Dir: filepath.Join(dir, "in"), Pattern: "*.csv"}
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.SkipTransform = true
	cfg.SkipLoad = true
	cfg.Monitor.Enabled = false

	result := runPipeline(t, cfg)
	require.Equal(t, StateDone, result.State)

	merged := readOutput(t, filepath.Join(dir, "out", "merge.csv"))
	lines := strings.Split(strings.TrimRight(merged, "\n"), "\n")
	require.Len(t, lines, 201)
	assert.Equal(t, "id,value", lines[0])
	assert.Equal(t, "1,row-1", lines[1])
	assert.Equal(t, "200,row-200", lines[200])

	assert.NoDirExists(t, filepath.Join(dir, "out", "loaded"))
	assert.NoDirExists(t, filepath.Join(dir, "out", "transformed"))
}

func TestRunSkipOutput(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)

	cfg := ledgerConfig(t, dir)
	cfg.SkipOutput = true

	result := runPipeline(t, cfg)
	require.Equal(t, StateDone, result.State)

	assert.NoFileExists(t, filepath.Join(dir, "out", "balances.csv"))
	assert.FileExists(t, filepath.Join(dir, "out", "loaded", "partition_000.csv"))
	assert.FileExists(t, filepath.Join(dir, "out", "ledger_summary.json"))
}

func TestRunSaveTransformed(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	cfg := ledgerConfig(t, dir)
	cfg.SaveTransformed = true

	result := runPipeline(t, cfg)
	require.Equal(t, StateDone, result.State)

	for _, name := range []string{"ledger_partition_000.csv", "ledger_partition_001.csv"} {
		assert.FileExists(t, filepath.Join(dir, "out", "transformed", name))
	}
}

func TestRunOutputFanOut(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	cfg := ledgerConfig(t, dir)
	cfg.OutputFormats = []string{"csv", "json"}

	result := runPipeline(t, cfg)
	require.Equal(t, StateDone, result.State)

	assert.Equal(t, balancesCSV, readOutput(t, filepath.Join(dir, "out", "balances.csv")))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(readOutput(t, filepath.Join(dir, "out", "balances.json"))), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "AR-100", rows[0]["account_code"])
}

func TestRunReportOutputOverride(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerFileB)

	cfg := ledgerConfig(t, dir)
	spec := balancesSpec()
	spec.Output = &format.OutputSpec{Path: filepath.Join("custom", "monthly.csv")}
	cfg.Reports = []report.Spec{spec}

	result := runPipeline(t, cfg)
	require.Equal(t, StateDone, result.State)

	assert.Equal(t, balancesCSV, readOutput(t, filepath.Join(dir, "out", "custom", "monthly.csv")))
	assert.NoFileExists(t, filepath.Join(dir, "out", "balances.csv"))
}

func TestRunAllOrNothingFailsOnCorruptInput(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)
	writeInput(t, filepath.Join(dir, "in", "b.csv"), ledgerHeader+"acme,\"broken\n")

	cfg := ledgerConfig(t, dir)
	cfg.AllOrNothing = true

	result := runPipeline(t, cfg)

	require.Equal(t, StateFailed, result.State)
	assert.Equal(t, StateExtract, result.FailedDuring)
	assert.True(t, errors.IsKind(result.Err, errors.KindStageExhausted))
}

func TestRunCanceledContext(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "in", "a.csv"), ledgerFileA)

	pctx, err := NewContext(ledgerConfig(t, dir), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewOrchestrator(pctx).Run(ctx)
	require.Equal(t, StateFailed, result.State)
	assert.True(t, stderrors.Is(result.Err, context.Canceled))
}

func TestRunSalesPipeline(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteCSV(t, filepath.Join(dir, "in"), "sales.csv",
		testutil.SalesHeader, testutil.SalesRows(60))

	cfg := config.DefaultRunConfig()
	cfg.Name = "sales"
	cfg.Strategy = "sales"
	cfg.Source = config.SourceConfig{Dir: filepath.Join(dir, "in"), Pattern: "*.csv"}
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Monitor.Enabled = false
	cfg.Reports = []report.Spec{{
		Name:      "revenue_by_product",
		Dimension: "product",
		Aggregates: map[string]report.Op{
			"revenue": report.OpSum,
		},
	}}

	pctx, err := NewContext(cfg, testutil.Logger(t))
	require.NoError(t, err)
	result := NewOrchestrator(pctx).Run(testutil.Context(t))
	require.Equal(t, StateDone, result.State)

	out, err := format.Read(context.Background(), filepath.Join(dir, "out", "revenue_by_product.csv"), format.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"product", "revenue"}, out.Columns)
	// SalesRows cycles through 40 distinct products
	assert.Equal(t, 40, out.NumRows())
	assert.Equal(t, "SKU-000", out.Rows[0]["product"])
}

func TestRunResultNeverNil(t *testing.T) {
	dir := t.TempDir()

	cfg := ledgerConfig(t, dir)
	result := runPipeline(t, cfg)

	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, cfg.Name, result.Name)
}
