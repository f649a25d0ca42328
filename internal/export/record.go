// Package export moves result matrices out of process as Apache Arrow
// record batches, either into an IPC file or over Arrow Flight.
package export

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

// DefaultChunkRows bounds the rows carried by a single record batch.
const DefaultChunkRows = 1024

const (
	metaName = "name"
	metaRows = "rows"
	metaCols = "cols"
)

var ErrSchema = errors.New("record does not describe a matrix")

// Schema describes a matrix of the given width: one record row per matrix
// row, with the full matrix shape kept in schema metadata.
func Schema(name string, rows, cols int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaName, metaRows, metaCols},
		[]string{name, strconv.Itoa(rows), strconv.Itoa(cols)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "row", Type: arrow.PrimitiveTypes.Int32},
		{Name: "values", Type: arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Records slices m into batches of at most chunkRows rows. The caller
// releases every returned record.
func Records(mem memory.Allocator, name string, m *matrix.Matrix, chunkRows int) []arrow.Record {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	schema := Schema(name, m.Rows, m.Cols)
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	var recs []arrow.Record
	for start := 0; start < m.Rows; start += chunkRows {
		end := min(start+chunkRows, m.Rows)
		rowB := bldr.Field(0).(*array.Int32Builder)
		listB := bldr.Field(1).(*array.FixedSizeListBuilder)
		valB := listB.ValueBuilder().(*array.Float32Builder)
		rowB.Reserve(end - start)
		valB.Reserve((end - start) * m.Cols)
		for i := start; i < end; i++ {
			rowB.Append(int32(i))
			listB.Append(true)
			valB.AppendValues(m.Row(i), nil)
		}
		recs = append(recs, bldr.NewRecord())
	}
	return recs
}

// Assembler rebuilds a matrix from record batches that may arrive in any
// row order. Each row must arrive exactly once.
type Assembler struct {
	name string
	m    *matrix.Matrix
	got  []bool
	seen int
}

func (a *Assembler) Add(rec arrow.Record) error {
	if a.m == nil {
		name, rows, cols, err := shapeOf(rec.Schema())
		if err != nil {
			return err
		}
		a.name, a.m = name, matrix.New(rows, cols)
		a.got = make([]bool, rows)
	}
	if rec.NumCols() != 2 {
		return fmt.Errorf("%w: %d columns", ErrSchema, rec.NumCols())
	}
	idx, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return fmt.Errorf("%w: row column is %s", ErrSchema, rec.Column(0).DataType())
	}
	lists, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return fmt.Errorf("%w: values column is %s", ErrSchema, rec.Column(1).DataType())
	}
	vals, ok := lists.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("%w: values are %s", ErrSchema, lists.ListValues().DataType())
	}
	raw := vals.Float32Values()
	for i := 0; i < int(rec.NumRows()); i++ {
		r := int(idx.Value(i))
		if r < 0 || r >= a.m.Rows {
			return fmt.Errorf("%w: row %d outside %d rows", ErrSchema, r, a.m.Rows)
		}
		if a.got[r] {
			return fmt.Errorf("%w: duplicate row %d", ErrSchema, r)
		}
		start, end := lists.ValueOffsets(i)
		if int(end-start) != a.m.Cols {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrSchema, r, end-start, a.m.Cols)
		}
		copy(a.m.Row(r), raw[start:end])
		a.got[r] = true
		a.seen++
	}
	return nil
}

// Matrix returns the assembled matrix and its name once every row arrived.
func (a *Assembler) Matrix() (*matrix.Matrix, string, error) {
	if a.m == nil {
		return nil, "", fmt.Errorf("%w: no records", ErrSchema)
	}
	if a.seen != a.m.Rows {
		return nil, a.name, fmt.Errorf("%w: got %d of %d rows", ErrSchema, a.seen, a.m.Rows)
	}
	return a.m, a.name, nil
}

func shapeOf(s *arrow.Schema) (name string, rows, cols int, err error) {
	md := s.Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("%w: missing %q metadata", ErrSchema, key)
		}
		return md.Values()[i], nil
	}
	if name, err = get(metaName); err != nil {
		return
	}
	var v string
	if v, err = get(metaRows); err != nil {
		return
	}
	if rows, err = strconv.Atoi(v); err != nil {
		return "", 0, 0, fmt.Errorf("%w: rows %q", ErrSchema, v)
	}
	if v, err = get(metaCols); err != nil {
		return
	}
	if cols, err = strconv.Atoi(v); err != nil {
		return "", 0, 0, fmt.Errorf("%w: cols %q", ErrSchema, v)
	}
	return name, rows, cols, nil
}
