// Package transform holds the per-partition transform strategies.
//
// A Strategy receives one partition and returns its transformed rows.
// Strategies hold no mutable state, so one instance serves every
// partition worker concurrently. The strategy is selected once at
// pipeline construction and never changes mid-run.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

// Options tunes a strategy without changing its semantics.
type Options struct {
	// SortColumn orders the partition's rows after transformation.
	// Empty means no sorting.
	SortColumn string `yaml:"sort_column" json:"sort_column"`

	// Descending reverses the sort order.
	Descending bool `yaml:"descending" json:"descending"`
}

// Strategy transforms one partition. Implementations must be safe for
// concurrent use across partitions.
type Strategy interface {
	// Name identifies the strategy in configuration and logs.
	Name() string

	// Transform returns the transformed partition. The input partition
	// may be mutated; it is owned by the caller's worker.
	Transform(ctx context.Context, part *dataset.Dataset, opts Options) (*dataset.Dataset, error)
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sales":
		return &SalesStrategy{}, nil
	case "accounting":
		return &AccountingStrategy{}, nil
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown transform strategy: %q", name)
	}
}

// SalesStrategy enriches sales transactions: calendar parts from the
// date, revenue and discount amounts, and a price band.
type SalesStrategy struct{}

// Name implements Strategy.
func (s *SalesStrategy) Name() string { return "sales" }

// Transform implements Strategy.
func (s *SalesStrategy) Transform(ctx context.Context, part *dataset.Dataset, opts Options) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, col := range []string{"date", "quantity", "unit_price"} {
		if !part.HasColumn(col) {
			return nil, errors.Newf(errors.KindTransform, "sales transform requires column %q", col)
		}
	}

	for i, row := range part.Rows {
		date, err := parseDate(row["date"])
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindTransform, "row %d: bad date", i)
		}
		quantity := toFloat(row["quantity"])
		unitPrice := toFloat(row["unit_price"])
		discount := toFloat(row["discount"])

		row["year"] = int64(date.Year())
		row["month"] = int64(date.Month())
		row["day"] = int64(date.Day())
		// Monday = 0, matching upstream reporting conventions
		row["weekday"] = int64((int(date.Weekday()) + 6) % 7)

		gross := quantity * unitPrice
		row["revenue"] = gross * (1 - discount)
		row["discount_amount"] = gross * discount
		row["price_category"] = priceCategory(unitPrice)
	}

	ensureColumns(part, "year", "month", "day", "weekday", "revenue", "discount_amount", "price_category")

	if opts.SortColumn != "" {
		part.SortBy(opts.SortColumn, opts.Descending)
	}
	return part, nil
}

// AccountingStrategy normalizes ledger entries: debits and credits to
// numbers, an accounting period from the date, net amounts, and
// canonical account codes.
type AccountingStrategy struct{}

// Name implements Strategy.
func (s *AccountingStrategy) Name() string { return "accounting" }

// Transform implements Strategy.
func (s *AccountingStrategy) Transform(ctx context.Context, part *dataset.Dataset, opts Options) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !part.HasColumn("date") {
		return nil, errors.Newf(errors.KindTransform, "accounting transform requires column %q", "date")
	}

	for i, row := range part.Rows {
		date, err := parseDate(row["date"])
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindTransform, "row %d: bad date", i)
		}

		debit := toFloat(row["debit"])
		credit := toFloat(row["credit"])

		row["debit"] = debit
		row["credit"] = credit
		row["net"] = debit - credit
		row["period"] = date.Format("2006-01")

		if code, ok := row["account_code"]; ok {
			row["account_code"] = strings.ToUpper(strings.TrimSpace(toString(code)))
		}
	}

	ensureColumns(part, "net", "period")

	if opts.SortColumn != "" {
		part.SortBy(opts.SortColumn, opts.Descending)
	}
	return part, nil
}

// dateLayouts are tried in order when a date cell arrives as a string.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	time.RFC3339,
}

func parseDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, errors.Newf(errors.KindTransform, "unparseable date %q", s)
	case nil:
		return time.Time{}, errors.New(errors.KindTransform, "missing date value")
	default:
		return time.Time{}, errors.Newf(errors.KindTransform, "unsupported date type %T", v)
	}
}

func priceCategory(unitPrice float64) string {
	switch {
	case unitPrice < 50:
		return "low"
	case unitPrice < 200:
		return "mid"
	default:
		return "high"
	}
}

// toFloat coerces a cell to float64. Blank and unparseable cells count
// as zero, matching how ledger files leave one of debit/credit empty.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ensureColumns appends derived column names missing from the partition's
// column order.
func ensureColumns(ds *dataset.Dataset, names ...string) {
	for _, name := range names {
		if !ds.HasColumn(name) {
			ds.Columns = append(ds.Columns, name)
		}
	}
}
