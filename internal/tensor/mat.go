package tensor

import (
	"errors"
	"math"
	"math/rand"
)

// ErrPlaceholder is returned when an operation needs element values but the
// matrix only carries a shape.
var ErrPlaceholder = errors.New("tensor: placeholder storage has no data")

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Data holds
// the flattened values. DType describes the logical storage type of the
// values: integer and reduced-precision matrices still keep their elements in
// Data, already rounded to what the storage type can represent, so kernels
// only ever read float32.
//
// A placeholder matrix has a shape but no Data. It stands in for weights that
// have not been materialised yet.
type Mat struct {
	R, C  int
	DType DType
	Data  []float32

	placeholder bool
}

// NewMat allocates a new zero initialised f32 matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{R: r, C: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data. It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{R: r, C: c, DType: F32, Data: data}
}

// NewPlaceholder returns a shape-only matrix.
func NewPlaceholder(r, c int, dtype DType) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{R: r, C: c, DType: dtype, placeholder: true}
}

// IsPlaceholder reports whether m has a shape but no materialised data.
func (m *Mat) IsPlaceholder() bool {
	return m != nil && m.placeholder
}

// Len returns the number of elements.
func (m *Mat) Len() int { return m.R * m.C }

// Row returns a view of the i‑th row. Modifications to the returned slice
// update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 { return m.Data[i*m.C+j] }

// Set stores v at row i, column j.
func (m *Mat) Set(i, j int, v float32) { m.Data[i*m.C+j] = v }

// Clone returns a deep copy. Placeholders clone to placeholders.
func (m *Mat) Clone() *Mat {
	out := &Mat{R: m.R, C: m.C, DType: m.DType, placeholder: m.placeholder}
	if m.Data != nil {
		out.Data = make([]float32, len(m.Data))
		copy(out.Data, m.Data)
	}
	return out
}

// Reshape returns a view of m with a new shape. The element count must match.
func (m *Mat) Reshape(r, c int) (*Mat, error) {
	if r*c != m.R*m.C {
		return nil, errShapeMismatch
	}
	return &Mat{R: r, C: c, DType: m.DType, Data: m.Data, placeholder: m.placeholder}, nil
}

// Cast returns a copy of m with every element rounded to dtype.
func (m *Mat) Cast(dtype DType) *Mat {
	if m.placeholder {
		return NewPlaceholder(m.R, m.C, dtype)
	}
	out := &Mat{R: m.R, C: m.C, DType: dtype, Data: make([]float32, len(m.Data))}
	for i, v := range m.Data {
		out.Data[i] = dtype.Cast(v)
	}
	return out
}

// Equal reports whether a and b have the same shape and bit-identical values.
// Two NaNs with the same payload compare equal.
func Equal(a, b *Mat) bool {
	if a.R != b.R || a.C != b.C || a.placeholder != b.placeholder {
		return false
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// FillRand fills the matrix with reproducible pseudo‑random values in a small
// range around zero. Multiple calls with the same seed produce identical
// matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

// FillNormal fills m with standard normal samples drawn from rng.
func FillNormal(m *Mat, rng *rand.Rand) {
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64())
	}
}

// FillUniform fills m with samples from U(lo, hi) drawn from rng.
func FillUniform(m *Mat, rng *rand.Rand, lo, hi float32) {
	for i := range m.Data {
		m.Data[i] = lo + (hi-lo)*rng.Float32()
	}
}

var (
	errShapeMismatch = fmtError("tensor: shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
