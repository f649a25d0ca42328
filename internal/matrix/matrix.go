// Package matrix holds row-major float32 host matrices and the CPU
// reference math used to check device results.
package matrix

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var ErrDimMismatch = errors.New("matrix dimension mismatch")

// Matrix is a dense row-major matrix. Element (i, j) lives at
// Data[i*Cols+j].
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// Dims are the sizes of one SGEMM problem: A is M x K, B is K x N and
// C is M x N.
type Dims struct {
	M int `json:"m"`
	N int `json:"n"`
	K int `json:"k"`
}

func (d Dims) String() string {
	return fmt.Sprintf("n=%d m=%d k=%d", d.N, d.M, d.K)
}

func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice wraps data without copying.
func FromSlice(rows, cols int, data []float32) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d elements for %dx%d", ErrDimMismatch, len(data), rows, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

func (m *Matrix) At(i, j int) float32 { return m.Data[i*m.Cols+j] }

func (m *Matrix) Set(i, j int, v float32) { m.Data[i*m.Cols+j] = v }

// Row returns row i as a subslice of Data.
func (m *Matrix) Row(i int) []float32 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Random fills a rows x cols matrix with values uniform in [0, 1).
func Random(rng *rand.Rand, rows, cols int) *Matrix {
	m := New(rows, cols)
	for i := range m.Data {
		m.Data[i] = rng.Float32()
	}
	return m
}

// RandomDims draws m, n and k independently and uniformly from [1, max].
func RandomDims(rng *rand.Rand, max int) Dims {
	return Dims{
		N: 1 + rng.IntN(max),
		M: 1 + rng.IntN(max),
		K: 1 + rng.IntN(max),
	}
}

// RandomIndex picks a uniform element position of a rows x cols matrix.
func RandomIndex(rng *rand.Rand, rows, cols int) (int, int) {
	return rng.IntN(rows), rng.IntN(cols)
}

// NewRand seeds a PCG source. A zero seed is replaced by a random one.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (m *Matrix) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Data: m.Data, Stride: m.Cols}
}

// DotAt computes the single element (A*B)[i,j] on the CPU as the dot
// product of row i of a with column j of b.
func DotAt(a, b *Matrix, i, j int) (float32, error) {
	if a.Cols != b.Rows {
		return 0, fmt.Errorf("%w: A[%d,%d] * B[%d,%d]", ErrDimMismatch, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if i < 0 || i >= a.Rows || j < 0 || j >= b.Cols {
		return 0, fmt.Errorf("%w: element (%d,%d) outside %dx%d", ErrDimMismatch, i, j, a.Rows, b.Cols)
	}
	row := blas32.Vector{N: a.Cols, Data: a.Row(i), Inc: 1}
	col := blas32.Vector{N: b.Rows, Data: b.Data[j:], Inc: b.Cols}
	return blas32.Dot(row, col), nil
}

// Mul computes the full product a*b on the CPU.
func Mul(a, b *Matrix) (*Matrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("%w: A[%d,%d] * B[%d,%d]", ErrDimMismatch, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	c := New(a.Rows, b.Cols)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a.general(), b.general(), 0, c.general())
	return c, nil
}

func (m *Matrix) Transpose() *Matrix {
	t := New(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Data[j*m.Rows+i] = m.Data[i*m.Cols+j]
		}
	}
	return t
}
