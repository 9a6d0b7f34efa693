package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// VectorColumn is the column holding one vector per row.
const VectorColumn = "vector"

var ErrBadRecord = errors.New("client: record is not a vector batch")

// BasisSchema returns the schema for vectors of length dim.
func BasisSchema(dim int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: VectorColumn, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)
}

// RecordBatchBuilder creates Arrow RecordBatches from packed vectors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts num row-major vectors of length dim into a
// RecordBatch with a single fixed size list column.
func (b *RecordBatchBuilder) BuildRecordBatch(dim, num int, vecs []float64) (arrow.RecordBatch, error) {
	if num == 0 {
		return nil, nil
	}
	if dim <= 0 || num < 0 || dim > len(vecs) || num > len(vecs)/dim {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrBadRecord, len(vecs), num, dim)
	}

	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(dim), arrow.PrimitiveTypes.Float64)
	defer listBuilder.Release()

	valueBuilder := listBuilder.ValueBuilder().(*array.Float64Builder)
	for k := 0; k < num; k++ {
		listBuilder.Append(true)
		valueBuilder.AppendValues(vecs[k*dim:(k+1)*dim], nil)
	}

	col := listBuilder.NewArray()
	defer col.Release()

	return array.NewRecordBatch(BasisSchema(dim), []arrow.Array{col}, int64(num)), nil
}

// VectorsFromRecord unpacks the vector column of rec into a fresh row-major
// buffer.
func VectorsFromRecord(rec arrow.RecordBatch) (dim, num int, vecs []float64, err error) {
	indices := rec.Schema().FieldIndices(VectorColumn)
	if len(indices) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: missing %q column", ErrBadRecord, VectorColumn)
	}

	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: %q is %s", ErrBadRecord, VectorColumn, rec.Column(indices[0]).DataType())
	}
	values, ok := fsl.ListValues().(*array.Float64)
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: %q values are %s", ErrBadRecord, VectorColumn, fsl.ListValues().DataType())
	}
	if fsl.NullN() > 0 {
		return 0, 0, nil, fmt.Errorf("%w: %d null vectors", ErrBadRecord, fsl.NullN())
	}

	dim = int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	num = fsl.Len()
	start := fsl.Offset() * dim
	raw := values.Float64Values()
	if len(raw) < start+dim*num {
		return 0, 0, nil, fmt.Errorf("%w: short values buffer", ErrBadRecord)
	}

	vecs = make([]float64, dim*num)
	copy(vecs, raw[start:start+dim*num])
	return dim, num, vecs, nil
}
