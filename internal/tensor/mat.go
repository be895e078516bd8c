package tensor

import (
	"math/rand"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. For f32 weights Data is
// populated; for f16/bf16 weights Raw keeps the encoded bytes and rows are
// decoded on the fly in MatVec and RowTo, which halves resident memory for
// half precision checkpoints.
type Mat struct {
	R, C  int
	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing f32 data. It panics if len(data) != r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, DType: F32, Data: data}
}

// NewMatFromRaw creates a matrix backed by raw little-endian bytes.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r <= 0 || c <= 0 {
		return Mat{}, errNegativeDim
	}
	elemSize := dtype.ElemSize()
	if elemSize == 0 {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if want/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != want*elemSize {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == F32 {
		data := make([]float32, want)
		decodeInto(data, F32, raw)
		return Mat{R: r, C: c, DType: F32, Data: data}, nil
	}
	return Mat{R: r, C: c, DType: dtype, Raw: raw}, nil
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if m.Raw == nil {
		copy(dst[:m.C], m.Data[i*m.C:(i+1)*m.C])
		return
	}
	es := m.DType.ElemSize()
	off := i * m.C * es
	decodeInto(dst[:m.C], m.DType, m.Raw[off:off+m.C*es])
}

// Row returns the i-th row. For f32 matrices it is a view; for encoded
// matrices it is a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if m.Raw == nil {
		if i < 0 || i >= m.R {
			panic("row index out of range")
		}
		return m.Data[i*m.C : (i+1)*m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// FillRand fills an f32 matrix with small reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	if m.Raw != nil {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

var (
	errNegativeDim      = fmtError("non-positive dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
