package format

import (
	"io"

	json "github.com/goccy/go-json"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

// readJSON decodes an array of flat objects. Numbers decode as float64,
// matching the other text formats' widest numeric type.
func readJSON(r io.Reader) (*dataset.Dataset, error) {
	var rows []dataset.Row
	dec := json.NewDecoder(r)
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for name, v := range row {
			if nested, ok := v.(map[string]interface{}); ok && nested != nil {
				return nil, errors.Newf(errors.KindItemParse, "column %q holds a nested object; only flat records are supported", name)
			}
		}
	}
	return dataset.FromRows(rows), nil
}

func writeJSON(w io.Writer, ds *dataset.Dataset) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	rows := ds.Rows
	if rows == nil {
		rows = []dataset.Row{}
	}
	return enc.Encode(rows)
}
