package format

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

const (
	utf8BOM           = "\xef\xbb\xbf"
	defaultTimeFormat = "2006-01-02 15:04:05"
)

// delimiterFor resolves the field separator: an explicit option wins,
// otherwise comma for CSV and tab for TXT.
func delimiterFor(opts Options, kind Kind) rune {
	if opts.Delimiter != "" {
		return []rune(opts.Delimiter)[0]
	}
	if kind == TXT {
		return '\t'
	}
	return ','
}

func readCSV(r io.Reader, opts Options, kind Kind) (*dataset.Dataset, error) {
	br := bufio.NewReader(r)

	// Skip a UTF-8 byte order mark if the producer wrote one.
	if head, err := br.Peek(len(utf8BOM)); err == nil && string(head) == utf8BOM {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, err
		}
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiterFor(opts, kind)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	records, err := readAllRecords(cr)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return dataset.New(nil), nil
	}

	var columns []string
	if opts.NoHeader {
		columns = syntheticColumns(len(records[0]))
	} else {
		columns = append(columns, records[0]...)
		records = records[1:]
	}

	ds := dataset.New(columns)
	for _, record := range records {
		row := make(dataset.Row, len(columns))
		for i, name := range columns {
			if i < len(record) {
				row[name] = inferCell(record[i])
			} else {
				row[name] = nil
			}
		}
		ds.Append(row)
	}
	return ds, nil
}

// readAllRecords copies each record out of the reader's reuse buffer.
func readAllRecords(cr *csv.Reader) ([][]string, error) {
	var records [][]string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, append([]string(nil), record...))
	}
}

func syntheticColumns(n int) []string {
	columns := make([]string, n)
	for i := range columns {
		columns[i] = fmt.Sprintf("column_%d", i+1)
	}
	return columns
}

// inferCell converts a text cell to the narrowest matching Go type.
// Empty cells become nil so downstream code can tell "absent" from "".
func inferCell(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func writeCSV(w io.Writer, ds *dataset.Dataset, opts Options, kind Kind) error {
	if strings.EqualFold(opts.Encoding, "utf-8-sig") {
		if _, err := io.WriteString(w, utf8BOM); err != nil {
			return err
		}
	}

	cw := csv.NewWriter(w)
	cw.Comma = delimiterFor(opts, kind)

	if !opts.NoHeader {
		if err := cw.Write(ds.Columns); err != nil {
			return err
		}
	}

	record := make([]string, len(ds.Columns))
	for _, row := range ds.Rows {
		for i, name := range ds.Columns {
			record[i] = formatCell(row[name], opts)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// formatCell renders one value for a text format.
func formatCell(v any, opts Options) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return formatFloat(float64(v), opts)
	case float64:
		return formatFloat(v, opts)
	case time.Time:
		layout := opts.TimeFormat
		if layout == "" {
			layout = defaultTimeFormat
		}
		return v.Format(layout)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64, opts Options) string {
	if opts.FloatPrecision > 0 {
		return strconv.FormatFloat(f, 'f', opts.FloatPrecision, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseEncoding validates an encoding option.
func ParseEncoding(s string) error {
	switch strings.ToLower(s) {
	case "", "utf-8", "utf-8-sig":
		return nil
	default:
		return errors.Newf(errors.KindConfig, "unsupported encoding %q", s)
	}
}
