package format

import (
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

const defaultSheetName = "Sheet1"

func readXLSX(r io.Reader, opts Options) (*dataset.Dataset, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := opts.SheetName
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, errors.New(errors.KindItemParse, "workbook has no sheets")
	}

	records, err := f.GetRows(sheet)
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
			// GetRows trims trailing empty cells, so short records are
			// padded back out with nils.
			if i < len(record) {
				row[name] = inferXLSXCell(record[i])
			} else {
				row[name] = nil
			}
		}
		ds.Append(row)
	}
	return ds, nil
}

// inferXLSXCell extends inferCell with Excel's uppercase booleans.
func inferXLSXCell(s string) any {
	switch s {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return inferCell(s)
}

func writeXLSX(w io.Writer, ds *dataset.Dataset, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := opts.SheetName
	if sheet == "" {
		sheet = defaultSheetName
	}
	if sheet != defaultSheetName {
		if err := f.SetSheetName(defaultSheetName, sheet); err != nil {
			return err
		}
	}

	header := make([]interface{}, len(ds.Columns))
	for i, name := range ds.Columns {
		header[i] = name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	record := make([]interface{}, len(ds.Columns))
	for n, row := range ds.Rows {
		for i, name := range ds.Columns {
			record[i] = xlsxCell(row[name], opts)
		}
		addr, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, addr, &record); err != nil {
			return err
		}
	}

	return f.Write(w)
}

// xlsxCell maps a dataset value to a cell value. Timestamps are written
// as formatted text so a later read sees the same representation the
// text formats use.
func xlsxCell(v any, opts Options) interface{} {
	switch v := v.(type) {
	case nil:
		return nil
	case time.Time:
		return formatCell(v, opts)
	default:
		return v
	}
}
