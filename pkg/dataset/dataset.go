// Package dataset provides the in-memory tabular data model for gristmill.
//
// # Overview
//
// A Dataset is an ordered set of named columns over a slice of rows. Rows
// are plain maps so heterogeneous inputs (CSV, JSON, XLSX, Parquet) share
// one representation through the pipeline. Column order is explicit and
// stable, which keeps every writer deterministic.
//
// # Partitioning
//
// Split divides a dataset into contiguous partitions for concurrent
// transformation. Partitions are deep copies: a worker mutating its
// partition can never race another worker. Concat reassembles partitions
// in ascending partition-index order, so results are independent of
// worker completion order.
//
// # Basic Usage
//
//	ds := dataset.New([]string{"company", "debit", "credit"})
//	ds.Append(dataset.Row{"company": "ACME", "debit": 100.0, "credit": 25.0})
//
//	parts := ds.Split(4)
//	merged := dataset.Concat(parts)
package dataset

import (
	"fmt"
	"sort"
	"time"
)

// Row is a single record: column name to value. Values are string, int64,
// float64, bool, time.Time, or nil.
type Row map[string]any

// Dataset is an ordered collection of rows with a stable column order.
type Dataset struct {
	// Columns is the ordered list of column names. Writers emit columns
	// in exactly this order.
	Columns []string `json:"columns"`

	// Rows holds the records.
	Rows []Row `json:"rows"`

	// Partition is the partition index assigned by Split, or -1 when the
	// dataset is not a partition.
	Partition int `json:"partition"`

	// Source records the originating input path, when known.
	Source string `json:"source,omitempty"`
}

// New creates an empty dataset with the given column order.
func New(columns []string) *Dataset {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Dataset{
		Columns:   cols,
		Rows:      make([]Row, 0),
		Partition: -1,
	}
}

// FromRows creates a dataset from rows. The column order is the union of
// row keys in first-seen order, so it is deterministic for homogeneous
// inputs and stable for ragged ones.
func FromRows(rows []Row) *Dataset {
	ds := New(nil)
	seen := make(map[string]struct{})
	for _, row := range rows {
		// Within one row, order keys deterministically
		keys := make([]string, 0, len(row))
		for k := range row {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			ds.Columns = append(ds.Columns, k)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds
}

// Append adds a row to the dataset. Keys not present in the column order
// are appended to it in sorted order.
func (d *Dataset) Append(row Row) {
	known := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		known[c] = struct{}{}
	}
	var extra []string
	for k := range row {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	d.Columns = append(d.Columns, extra...)
	d.Rows = append(d.Rows, row)
}

// NumRows returns the number of rows.
func (d *Dataset) NumRows() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// NumColumns returns the number of columns.
func (d *Dataset) NumColumns() int {
	if d == nil {
		return 0
	}
	return len(d.Columns)
}

// HasColumn reports whether the column exists.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns all values of one column, row order preserved. Missing
// cells are nil.
func (d *Dataset) Column(name string) []any {
	values := make([]any, len(d.Rows))
	for i, row := range d.Rows {
		values[i] = row[name]
	}
	return values
}

// AddColumn sets a value for every row, computed from the row itself. A
// new column name is appended to the column order; an existing name keeps
// its position and has its values replaced.
func (d *Dataset) AddColumn(name string, fill func(Row) any) {
	if !d.HasColumn(name) {
		d.Columns = append(d.Columns, name)
	}
	for _, row := range d.Rows {
		row[name] = fill(row)
	}
}

// Clone returns a deep copy. Rows of the copy share nothing with the
// original.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Columns:   make([]string, len(d.Columns)),
		Rows:      make([]Row, len(d.Rows)),
		Partition: d.Partition,
		Source:    d.Source,
	}
	copy(out.Columns, d.Columns)
	for i, row := range d.Rows {
		out.Rows[i] = cloneRow(row)
	}
	return out
}

// Split partitions the dataset into n contiguous chunks whose sizes differ
// by at most one, larger chunks first. Each chunk is a deep copy carrying
// its partition index. n is clamped to [1, NumRows]; an empty dataset
// yields a single empty partition.
func (d *Dataset) Split(n int) []*Dataset {
	rows := len(d.Rows)
	if n < 1 {
		n = 1
	}
	if rows == 0 {
		part := New(d.Columns)
		part.Partition = 0
		part.Source = d.Source
		return []*Dataset{part}
	}
	if n > rows {
		n = rows
	}

	base := rows / n
	remainder := rows % n

	parts := make([]*Dataset, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		part := New(d.Columns)
		part.Partition = i
		part.Source = d.Source
		part.Rows = make([]Row, 0, size)
		for _, row := range d.Rows[offset : offset+size] {
			part.Rows = append(part.Rows, cloneRow(row))
		}
		parts = append(parts, part)
		offset += size
	}
	return parts
}

// Concat reassembles partitions in ascending partition-index order. The
// column order is the first partition's, extended by columns later
// partitions introduce. A nil or empty slice yields an empty dataset.
func Concat(parts []*Dataset) *Dataset {
	if len(parts) == 0 {
		return New(nil)
	}

	ordered := make([]*Dataset, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Partition < ordered[j].Partition
	})

	if len(ordered) == 0 {
		return New(nil)
	}

	out := New(ordered[0].Columns)
	out.Source = ordered[0].Source
	seen := make(map[string]struct{}, len(out.Columns))
	for _, c := range out.Columns {
		seen[c] = struct{}{}
	}

	total := 0
	for _, p := range ordered {
		total += len(p.Rows)
	}
	out.Rows = make([]Row, 0, total)

	for _, p := range ordered {
		for _, c := range p.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out.Columns = append(out.Columns, c)
			}
		}
		out.Rows = append(out.Rows, p.Rows...)
	}
	return out
}

// SortBy stable-sorts rows by one column. Values compare numerically when
// both cells are numeric, chronologically for times, and as strings
// otherwise. Missing cells sort first.
func (d *Dataset) SortBy(column string, descending bool) {
	sort.SliceStable(d.Rows, func(i, j int) bool {
		c := Compare(d.Rows[i][column], d.Rows[j][column])
		if descending {
			return c > 0
		}
		return c < 0
	})
}

// Compare orders two cell values: nil first, then numerics, times, bools,
// and strings. Mixed numeric widths compare as float64; otherwise values
// compare by their string form.
func Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case !ab && bb:
				return -1
			case ab && !bb:
				return 1
			default:
				return 0
			}
		}
	}

	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
