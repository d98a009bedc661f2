// Package testutil provides shared helpers for gristmill tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Headers for the fixture builders below.
const (
	SalesHeader      = "date,product,quantity,unit_price,discount"
	AccountingHeader = "company,date,account_code,debit,credit"
)

// Logger creates a test logger that writes through t and is cleaned up
// when the test completes.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// Context returns a context with a 30-second timeout, canceled
// automatically when the test ends.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WriteCSV writes a fixture CSV under dir and returns its path. Parent
// directories are created as needed.
func WriteCSV(t *testing.T, dir, name, header string, rows []string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))

	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(row)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

// SalesRows builds n synthetic sales transactions matching SalesHeader.
// The data is deterministic: the same n always yields the same rows.
func SalesRows(n int) []string {
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, fmt.Sprintf("2024-%02d-%02d,SKU-%03d,%d,%.2f,%.2f",
			i%12+1,
			i%28+1,
			i%40,
			i%7+1,
			10.0+float64(i%50)*7.5,
			float64(i%4)*0.05,
		))
	}
	return rows
}

// AccountingRows builds n synthetic ledger entries matching
// AccountingHeader. Entries alternate between a debit and a credit
// posting, so both sides aggregate to nonzero sums.
func AccountingRows(n int) []string {
	companies := []string{"acme", "globex", "initech"}
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		debit, credit := fmt.Sprintf("%d.50", 100+i), ""
		if i%2 == 1 {
			debit, credit = "", fmt.Sprintf("%d.25", 40+i)
		}
		rows = append(rows, fmt.Sprintf("%s,2024-%02d-%02d,ac-%d,%s,%s",
			companies[i%len(companies)],
			i%12+1,
			i%28+1,
			i%5,
			debit,
			credit,
		))
	}
	return rows
}

// AssertEventually polls condition every 10ms until it holds or the
// timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
