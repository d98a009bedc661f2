// Package format reads and writes the tabular file formats gristmill
// exchanges with other tools.
//
// # Overview
//
// The format is chosen by file extension, case-insensitively:
//
//	.csv      comma-separated text
//	.txt      tab-separated text
//	.json     array-of-objects JSON
//	.xlsx     Excel workbook
//	.parquet  Apache Parquet
//
// A trailing compression extension (.gz, .zst, .lz4, .sz, .s2) layers a
// codec over the format, so "report.csv.gz" is gzip-compressed CSV on
// both the read and write paths. Unknown or missing extensions are
// configuration errors.
//
// # Error classification
//
// Read failures carry the item_parse kind and write failures the write
// kind, so the stage executor can record them against the run statistics
// without further mapping.
package format

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gristmill/gristmill/pkg/compression"
	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

// Kind identifies a file format.
type Kind string

const (
	// CSV is comma-separated text with a header row.
	CSV Kind = "csv"
	// TXT is tab-separated text with a header row.
	TXT Kind = "txt"
	// JSON is an array of flat objects.
	JSON Kind = "json"
	// XLSX is an Excel workbook.
	XLSX Kind = "xlsx"
	// Parquet is Apache Parquet.
	Parquet Kind = "parquet"
)

// extensions maps lowercased file extensions to kinds.
var extensions = map[string]Kind{
	".csv":     CSV,
	".txt":     TXT,
	".json":    JSON,
	".xlsx":    XLSX,
	".parquet": Parquet,
}

// Options tunes readers and writers. The zero value means "use the
// format's defaults".
type Options struct {
	// Delimiter overrides the field separator for CSV and TXT. Only the
	// first character is used.
	Delimiter string `yaml:"delimiter" json:"delimiter"`

	// NoHeader treats the first row as data; synthesized column names
	// (column_1, column_2, ...) are used instead.
	NoHeader bool `yaml:"no_header" json:"no_header"`

	// Encoding selects the text encoding for CSV and TXT: "utf-8"
	// (default) or "utf-8-sig" (UTF-8 with a byte order mark, for
	// spreadsheet tools).
	Encoding string `yaml:"encoding" json:"encoding"`

	// SheetName selects the worksheet for XLSX. Empty reads the first
	// sheet and writes "Sheet1".
	SheetName string `yaml:"sheet_name" json:"sheet_name"`

	// Compression selects the Parquet column codec: snappy (default),
	// gzip, zstd, or none. File-level compression is chosen by the path
	// suffix instead.
	Compression string `yaml:"compression" json:"compression"`

	// FloatPrecision fixes the number of decimals for floats in text
	// formats. Zero keeps the shortest exact representation.
	FloatPrecision int `yaml:"float_precision" json:"float_precision"`

	// TimeFormat is the layout for timestamps in text formats.
	// Defaults to "2006-01-02 15:04:05".
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// OutputSpec names one write target.
type OutputSpec struct {
	Path    string  `yaml:"path" json:"path"`
	Options Options `yaml:"options" json:"options"`
}

// MergeOptions overlays override onto base: set fields of override win,
// zero fields inherit from base.
func MergeOptions(base, override Options) Options {
	merged := base
	if override.Delimiter != "" {
		merged.Delimiter = override.Delimiter
	}
	if override.NoHeader {
		merged.NoHeader = true
	}
	if override.Encoding != "" {
		merged.Encoding = override.Encoding
	}
	if override.SheetName != "" {
		merged.SheetName = override.SheetName
	}
	if override.Compression != "" {
		merged.Compression = override.Compression
	}
	if override.FloatPrecision != 0 {
		merged.FloatPrecision = override.FloatPrecision
	}
	if override.TimeFormat != "" {
		merged.TimeFormat = override.TimeFormat
	}
	return merged
}

// compressorPools holds one codec pool per algorithm, shared by every
// reader and writer in the process.
var compressorPools sync.Map

func compressorFor(algo compression.Algorithm) (compression.Compressor, func()) {
	v, ok := compressorPools.Load(algo)
	if !ok {
		v, _ = compressorPools.LoadOrStore(algo, compression.NewCompressorPool(
			&compression.Config{Algorithm: algo, Level: compression.Default}))
	}
	pool := v.(*compression.CompressorPool)
	comp := pool.Get()
	return comp, func() { pool.Put(comp) }
}

// Detect returns the format kind for a path, looking through any
// compression suffix. Unknown and missing extensions are config errors.
func Detect(path string) (Kind, error) {
	_, base := compression.DetectSuffix(path)
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		return "", errors.Newf(errors.KindConfig, "path %q has no file extension", path)
	}
	kind, ok := extensions[ext]
	if !ok {
		return "", errors.Newf(errors.KindConfig, "unsupported file format %q", ext)
	}
	return kind, nil
}

// Read loads one file into a dataset. The returned dataset records the
// path as its source. Failures are item_parse errors except for
// unsupported extensions, which are config errors.
func Read(ctx context.Context, path string, opts Options) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind, err := Detect(path)
	if err != nil {
		return nil, err
	}
	algo, _ := compression.DetectSuffix(path)

	f, err := os.Open(path) //nolint:gosec // G304: path comes from the run's glob
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindItemParse, "opening %s", path)
	}
	defer f.Close()

	comp, release := compressorFor(algo)
	defer release()
	r, err := comp.WrapReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindItemParse, "decompressing %s", path)
	}
	defer r.Close()

	var ds *dataset.Dataset
	switch kind {
	case CSV, TXT:
		ds, err = readCSV(r, opts, kind)
	case JSON:
		ds, err = readJSON(r)
	case XLSX:
		ds, err = readXLSX(r, opts)
	case Parquet:
		ds, err = readParquet(ctx, r)
	default:
		err = errors.Newf(errors.KindConfig, "no reader for format %q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindItemParse, "parsing %s", path)
	}

	ds.Source = path
	return ds, nil
}

// Write stores a dataset at the spec's path, creating parent directories
// as needed. Failures are write errors.
func Write(ctx context.Context, ds *dataset.Dataset, spec OutputSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kind, err := Detect(spec.Path)
	if err != nil {
		return err
	}
	algo, _ := compression.DetectSuffix(spec.Path)

	if dir := filepath.Dir(spec.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrapf(err, errors.KindWrite, "creating directory for %s", spec.Path)
		}
	}

	f, err := os.Create(spec.Path) //nolint:gosec // G304: path comes from validated config
	if err != nil {
		return errors.Wrapf(err, errors.KindWrite, "creating %s", spec.Path)
	}

	comp, release := compressorFor(algo)
	defer release()
	w, err := comp.WrapWriter(f)
	if err != nil {
		f.Close()
		return errors.Wrapf(err, errors.KindWrite, "writing %s", spec.Path)
	}

	switch kind {
	case CSV, TXT:
		err = writeCSV(w, ds, spec.Options, kind)
	case JSON:
		err = writeJSON(w, ds)
	case XLSX:
		err = writeXLSX(w, ds, spec.Options)
	case Parquet:
		err = writeParquet(w, ds, spec.Options)
	default:
		err = errors.Newf(errors.KindConfig, "no writer for format %q", kind)
	}

	// Close the codec first so it flushes into the file
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindWrite, "writing %s", spec.Path)
	}
	return nil
}
