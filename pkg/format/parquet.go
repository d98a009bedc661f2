package format

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/gristmill/gristmill/pkg/dataset"
	"github.com/gristmill/gristmill/pkg/errors"
)

// parquetChunkRows bounds the Arrow record size so large datasets do not
// materialize as a single buffer.
const parquetChunkRows = 10_000

func writeParquet(w io.Writer, ds *dataset.Dataset, opts Options) error {
	if ds.NumColumns() == 0 {
		return errors.New(errors.KindWrite, "parquet requires at least one column")
	}

	codec, err := parquetCodec(opts.Compression)
	if err != nil {
		return err
	}
	schema := inferArrowSchema(ds)

	pool := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool))

	fw, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return err
	}

	for start := 0; start < len(ds.Rows); start += parquetChunkRows {
		end := start + parquetChunkRows
		if end > len(ds.Rows) {
			end = len(ds.Rows)
		}

		builder := array.NewRecordBuilder(pool, schema)
		for _, row := range ds.Rows[start:end] {
			for i, fb := range builder.Fields() {
				appendArrowCell(fb, row[schema.Field(i).Name])
			}
		}
		record := builder.NewRecord()
		err := fw.WriteBuffered(record)
		record.Release()
		builder.Release()
		if err != nil {
			return err
		}
	}

	return fw.Close()
}

func readParquet(ctx context.Context, r io.Reader) (*dataset.Dataset, error) {
	// The parquet footer lives at the end of the file, so the stream has
	// to be buffered before random access is possible.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	ar, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: 64 << 10}, memory.NewGoAllocator())
	if err != nil {
		return nil, err
	}

	schema, err := ar.Schema()
	if err != nil {
		return nil, err
	}
	columns := make([]string, schema.NumFields())
	for i := range columns {
		columns[i] = schema.Field(i).Name
	}
	ds := dataset.New(columns)

	rr, err := ar.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	defer rr.Release()

	for rr.Next() {
		record := rr.Record()
		for i := 0; i < int(record.NumRows()); i++ {
			row := make(dataset.Row, len(columns))
			for c := 0; c < int(record.NumCols()); c++ {
				row[record.Schema().Field(c).Name] = arrowCell(record.Column(c), i)
			}
			ds.Append(row)
		}
	}
	if err := rr.Err(); err != nil {
		return nil, err
	}
	return ds, nil
}

// parquetCodec maps the compression option to a Parquet column codec.
func parquetCodec(name string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, errors.Newf(errors.KindConfig, "unsupported parquet compression %q", name)
	}
}

// inferArrowSchema derives one Arrow field per column by scanning cell
// types. Mixed int and float columns widen to float64; any other mix
// falls back to string. All fields are nullable.
func inferArrowSchema(ds *dataset.Dataset) *arrow.Schema {
	fields := make([]arrow.Field, len(ds.Columns))
	for i, name := range ds.Columns {
		fields[i] = arrow.Field{Name: name, Type: inferColumnType(ds, name), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func inferColumnType(ds *dataset.Dataset, name string) arrow.DataType {
	var dt arrow.DataType
	for _, row := range ds.Rows {
		v := row[name]
		if v == nil {
			continue
		}
		dt = promoteType(dt, arrowTypeOf(v))
		if arrow.TypeEqual(dt, arrow.BinaryTypes.String) {
			break
		}
	}
	if dt == nil {
		return arrow.BinaryTypes.String
	}
	return dt
}

func arrowTypeOf(v any) arrow.DataType {
	switch v.(type) {
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case int, int32, int64:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_ns
	default:
		return arrow.BinaryTypes.String
	}
}

func promoteType(current, next arrow.DataType) arrow.DataType {
	if current == nil {
		return next
	}
	if arrow.TypeEqual(current, next) {
		return current
	}
	numeric := func(dt arrow.DataType) bool {
		return arrow.TypeEqual(dt, arrow.PrimitiveTypes.Int64) || arrow.TypeEqual(dt, arrow.PrimitiveTypes.Float64)
	}
	if numeric(current) && numeric(next) {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}

func appendArrowCell(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch b := b.(type) {
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			b.Append(bv)
		} else {
			b.AppendNull()
		}
	case *array.Int64Builder:
		switch n := v.(type) {
		case int:
			b.Append(int64(n))
		case int32:
			b.Append(int64(n))
		case int64:
			b.Append(n)
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float32:
			b.Append(float64(n))
		case float64:
			b.Append(n)
		case int:
			b.Append(float64(n))
		case int32:
			b.Append(float64(n))
		case int64:
			b.Append(float64(n))
		default:
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			b.Append(arrow.Timestamp(t.UnixNano()))
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprint(v))
		}
	default:
		b.AppendNull()
	}
}

func arrowCell(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(i)
	case *array.Int32:
		return int64(c.Value(i))
	case *array.Int64:
		return c.Value(i)
	case *array.Float32:
		return float64(c.Value(i))
	case *array.Float64:
		return c.Value(i)
	case *array.String:
		return c.Value(i)
	case *array.Binary:
		return string(c.Value(i))
	case *array.Timestamp:
		return time.Unix(0, int64(c.Value(i))).UTC()
	default:
		return nil
	}
}
