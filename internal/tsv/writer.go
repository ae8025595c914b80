// Package tsv renders parsed access log records as tab separated values.
package tsv

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/abennett/s3logparse/s3log"
)

// TimeLayout renders timestamps as ISO 8601 with a numeric offset.
const TimeLayout = "2006-01-02T15:04:05-07:00"

// Writer writes one record per row, one column per schema column. Null
// strings become empty cells.
type Writer struct {
	cw     *csv.Writer
	schema *s3log.Schema
	row    []string
}

func NewWriter(w io.Writer, schema *s3log.Schema) *Writer {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return &Writer{
		cw:     cw,
		schema: schema,
		row:    make([]string, len(schema.Columns)),
	}
}

func (w *Writer) WriteHeader() error {
	return w.cw.Write(w.schema.Names())
}

func (w *Writer) Write(rec s3log.LogRecord) error {
	for i, c := range w.schema.Columns {
		v, _ := rec.Value(c.Name)
		w.row[i] = Format(v)
	}
	return w.cw.Write(w.row)
}

// Flush writes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	w.cw.Flush()
	return w.cw.Error()
}

// Format renders a single value the way it appears in a cell.
func Format(v s3log.Value) string {
	switch v.Kind {
	case s3log.IntKind:
		return strconv.FormatInt(v.Int, 10)
	case s3log.TimestampKind:
		return v.Time.Format(TimeLayout)
	default:
		return v.Str.Or("")
	}
}
