package tensor

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// MaxRank bounds the number of dimensions a Tensor may carry.
const MaxRank = 4

var ErrShape = errors.New("tensor: invalid shape")

// Tensor is a dtype-tagged, row-major buffer. It is the unit moved between
// chain hops; Data always holds exactly NumElements(Shape)*DType.ElemSize()
// bytes.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

// New validates that data matches shape and dtype exactly. Buffers that are
// too short or too long are rejected rather than truncated or padded.
func New(dtype DType, shape []int, data []byte) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: unknown dtype %d", ErrShape, uint8(dtype))
	}
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	want := n * dtype.ElemSize()
	if len(data) != want {
		return nil, fmt.Errorf("%w: %v %s needs %d bytes, got %d", ErrShape, shape, dtype, want, len(data))
	}
	return &Tensor{DType: dtype, Shape: slices.Clone(shape), Data: data}, nil
}

// FromFloat32 encodes vals as dtype with the given shape.
func FromFloat32(dtype DType, shape []int, vals []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(vals) {
		return nil, fmt.Errorf("%w: %v holds %d elements, got %d values", ErrShape, shape, n, len(vals))
	}
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: unknown dtype %d", ErrShape, uint8(dtype))
	}
	return &Tensor{DType: dtype, Shape: slices.Clone(shape), Data: encode(dtype, vals)}, nil
}

// FromRows packs equally sized rows into a [len(rows), width] tensor.
func FromRows(dtype DType, rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrShape)
	}
	width := len(rows[0])
	flat := make([]float32, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(r), width)
		}
		flat = append(flat, r...)
	}
	return FromFloat32(dtype, []int{len(rows), width}, flat)
}

// Float32 decodes the buffer into a fresh float32 slice.
func (t *Tensor) Float32() []float32 {
	n := len(t.Data) / t.DType.ElemSize()
	out := make([]float32, n)
	decodeInto(out, t.DType, t.Data)
	return out
}

// Rows views the tensor as [rows, last-dim] and decodes each row.
func (t *Tensor) Rows() ([][]float32, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("%w: scalar has no rows", ErrShape)
	}
	width := t.Shape[len(t.Shape)-1]
	flat := t.Float32()
	if width == 0 || len(flat)%width != 0 {
		return nil, fmt.Errorf("%w: %v", ErrShape, t.Shape)
	}
	rows := make([][]float32, len(flat)/width)
	for i := range rows {
		rows[i] = flat[i*width : (i+1)*width]
	}
	return rows, nil
}

// Convert returns t re-encoded as dtype, or t itself when it already matches.
func (t *Tensor) Convert(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}
	return FromFloat32(dtype, t.Shape, t.Float32())
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	n, _ := NumElements(t.Shape)
	return n
}

// Equal reports whether two tensors agree on dtype, shape and bytes.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.DType == o.DType && slices.Equal(t.Shape, o.Shape) && bytes.Equal(t.Data, o.Data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s %v)", t.DType, t.Shape)
}

// NumElements returns the product of shape, rejecting empty, oversized and
// non-positive shapes.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 || len(shape) > MaxRank {
		return 0, fmt.Errorf("%w: rank %d outside 1..%d", ErrShape, len(shape), MaxRank)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: invalid dim %d", ErrShape, d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrShape)
		}
		n *= d
	}
	return n, nil
}
