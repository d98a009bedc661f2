// Package report turns loaded datasets into grouped summary tables.
//
// A report groups rows by one or more columns, aggregates the remaining
// columns of interest, and optionally applies post operations such as
// renames and derived columns. Building is pure computation; writing the
// result is the caller's concern.
package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
	"github.com/gristmill/gristmill/pkg/format"
)

// Op names an aggregate function.
type Op string

const (
	OpSum           Op = "sum"
	OpCount         Op = "count"
	OpCountDistinct Op = "count_distinct"
	OpMin           Op = "min"
	OpMax           Op = "max"
	OpMean          Op = "mean"
)

// ParseOp validates an aggregate name.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpSum, OpCount, OpCountDistinct, OpMin, OpMax, OpMean:
		return op, nil
	default:
		return "", errors.Newf(errors.KindConfig, "unknown aggregate %q", s)
	}
}

// Derive appends a column computed as minuend minus subtrahend. Non
// numeric cells count as zero.
type Derive struct {
	Column     string `yaml:"column" json:"column"`
	Minuend    string `yaml:"minuend" json:"minuend"`
	Subtrahend string `yaml:"subtrahend" json:"subtrahend"`
}

// PostOp is one post-aggregation step. Exactly one field should be set;
// when both are, Rename runs first.
type PostOp struct {
	Rename map[string]string `yaml:"rename" json:"rename"`
	Derive *Derive           `yaml:"derive" json:"derive"`
}

// Spec describes one report.
type Spec struct {
	// Name labels the report and names its output files.
	Name string `yaml:"name" json:"name"`

	// Dimension is shorthand for a single group-by column. GroupBy wins
	// when both are set.
	Dimension string `yaml:"dimension" json:"dimension"`

	// GroupBy lists the grouping columns in order.
	GroupBy []string `yaml:"group_by" json:"group_by"`

	// Aggregates maps a source column to the aggregate applied to it.
	// The output column keeps the source name.
	Aggregates map[string]Op `yaml:"aggregates" json:"aggregates"`

	// Post runs after aggregation, in order.
	Post []PostOp `yaml:"post" json:"post"`

	// Output overrides the run-level output target for this report.
	Output *format.OutputSpec `yaml:"output" json:"output"`
}

// Defaults fills fields a report spec leaves empty.
type Defaults struct {
	Dimension  string        `yaml:"dimension" json:"dimension"`
	GroupBy    []string      `yaml:"group_by" json:"group_by"`
	Aggregates map[string]Op `yaml:"aggregates" json:"aggregates"`
}

// WithDefaults returns the spec with empty fields taken from d.
func (s Spec) WithDefaults(d Defaults) Spec {
	if s.Dimension == "" {
		s.Dimension = d.Dimension
	}
	if len(s.GroupBy) == 0 {
		s.GroupBy = append([]string(nil), d.GroupBy...)
	}
	if len(s.Aggregates) == 0 && len(d.Aggregates) > 0 {
		s.Aggregates = make(map[string]Op, len(d.Aggregates))
		for col, op := range d.Aggregates {
			s.Aggregates[col] = op
		}
	}
	return s
}

// groupColumns resolves the effective grouping columns.
func (s Spec) groupColumns() []string {
	if len(s.GroupBy) > 0 {
		return s.GroupBy
	}
	if s.Dimension != "" {
		return []string{s.Dimension}
	}
	return nil
}

// Validate checks the spec is buildable.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New(errors.KindConfig, "report needs a name")
	}
	groupBy := s.groupColumns()
	if len(groupBy) == 0 {
		return errors.Newf(errors.KindConfig, "report %q needs a dimension or group_by", s.Name)
	}
	if len(s.Aggregates) == 0 {
		return errors.Newf(errors.KindConfig, "report %q needs at least one aggregate", s.Name)
	}
	for col, op := range s.Aggregates {
		if _, err := ParseOp(string(op)); err != nil {
			return errors.Newf(errors.KindConfig, "report %q: column %q: unknown aggregate %q", s.Name, col, op)
		}
		for _, g := range groupBy {
			if col == g {
				return errors.Newf(errors.KindConfig, "report %q: column %q is both grouped and aggregated", s.Name, col)
			}
		}
	}
	for _, post := range s.Post {
		if post.Derive != nil {
			d := post.Derive
			if d.Column == "" || d.Minuend == "" || d.Subtrahend == "" {
				return errors.Newf(errors.KindConfig, "report %q: derive needs column, minuend and subtrahend", s.Name)
			}
		}
	}
	return nil
}

// group collects the rows sharing one key tuple.
type group struct {
	key  []any
	rows []dataset.Row
}

// Build aggregates ds according to the spec. Rows in the result are
// ordered by the group columns ascending, so repeated builds over the
// same data produce identical output regardless of input row order.
func Build(ctx context.Context, ds *dataset.Dataset, spec Spec) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	groupBy := spec.groupColumns()
	for _, col := range groupBy {
		if !ds.HasColumn(col) {
			return nil, errors.Newf(errors.KindTransform, "report %q: group column %q not in data", spec.Name, col)
		}
	}

	aggColumns := make([]string, 0, len(spec.Aggregates))
	for col := range spec.Aggregates {
		if !ds.HasColumn(col) {
			return nil, errors.Newf(errors.KindTransform, "report %q: aggregate column %q not in data", spec.Name, col)
		}
		aggColumns = append(aggColumns, col)
	}
	sort.Strings(aggColumns)

	buckets := make(map[string]*group)
	var order []string
	for _, row := range ds.Rows {
		key := make([]any, len(groupBy))
		var sb strings.Builder
		for i, col := range groupBy {
			key[i] = row[col]
			fmt.Fprintf(&sb, "%v\x1f", row[col])
		}
		id := sb.String()
		g, ok := buckets[id]
		if !ok {
			g = &group{key: key}
			buckets[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, row)
	}

	out := dataset.New(append(append([]string(nil), groupBy...), aggColumns...))
	for _, id := range order {
		g := buckets[id]
		row := make(dataset.Row, len(groupBy)+len(aggColumns))
		for i, col := range groupBy {
			row[col] = g.key[i]
		}
		for _, col := range aggColumns {
			row[col] = aggregate(g.rows, col, spec.Aggregates[col])
		}
		out.Append(row)
	}

	sortByColumns(out, groupBy)

	for _, post := range spec.Post {
		if err := applyPost(out, post); err != nil {
			return nil, errors.Wrapf(err, errors.KindTransform, "report %q", spec.Name)
		}
	}
	return out, nil
}

func aggregate(rows []dataset.Row, col string, op Op) any {
	switch op {
	case OpSum:
		var sum float64
		for _, row := range rows {
			if f, ok := numeric(row[col]); ok {
				sum += f
			}
		}
		return sum
	case OpCount:
		var n int64
		for _, row := range rows {
			if row[col] != nil {
				n++
			}
		}
		return n
	case OpCountDistinct:
		seen := make(map[string]struct{})
		for _, row := range rows {
			if row[col] != nil {
				seen[fmt.Sprint(row[col])] = struct{}{}
			}
		}
		return int64(len(seen))
	case OpMin:
		return extremum(rows, col, -1)
	case OpMax:
		return extremum(rows, col, 1)
	case OpMean:
		var sum float64
		var n int64
		for _, row := range rows {
			if f, ok := numeric(row[col]); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	}
	return nil
}

// extremum returns the smallest (sign -1) or largest (sign 1) non-nil
// value under dataset ordering.
func extremum(rows []dataset.Row, col string, sign int) any {
	var best any
	found := false
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		if !found || dataset.Compare(v, best)*sign > 0 {
			best = v
			found = true
		}
	}
	if !found {
		return nil
	}
	return best
}

func applyPost(ds *dataset.Dataset, post PostOp) error {
	if len(post.Rename) > 0 {
		for old, renamed := range post.Rename {
			if !ds.HasColumn(old) {
				return fmt.Errorf("rename source %q not in report", old)
			}
			for i, col := range ds.Columns {
				if col == old {
					ds.Columns[i] = renamed
				}
			}
			for _, row := range ds.Rows {
				if v, ok := row[old]; ok {
					delete(row, old)
					row[renamed] = v
				}
			}
		}
	}
	if post.Derive != nil {
		d := post.Derive
		if !ds.HasColumn(d.Minuend) || !ds.HasColumn(d.Subtrahend) {
			return fmt.Errorf("derive %q needs columns %q and %q", d.Column, d.Minuend, d.Subtrahend)
		}
		ds.AddColumn(d.Column, func(row dataset.Row) any {
			minuend, _ := numeric(row[d.Minuend])
			subtrahend, _ := numeric(row[d.Subtrahend])
			return minuend - subtrahend
		})
	}
	return nil
}

// sortByColumns orders rows ascending by each column in turn.
func sortByColumns(ds *dataset.Dataset, columns []string) {
	sort.SliceStable(ds.Rows, func(i, j int) bool {
		for _, col := range columns {
			if c := dataset.Compare(ds.Rows[i][col], ds.Rows[j][col]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// numeric coerces a cell to float64. Numeric strings parse; everything
// else reports false.
func numeric(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
