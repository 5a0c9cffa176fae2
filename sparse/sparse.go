// Package sparse provides the sparse-times-dense matrix product used to
// aggregate neighbor features, in accumulate-in-place form: every product
// adds into an existing output, never overwrites it.
package sparse

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// A Matrix is a read-only sparse matrix supporting the accumulate contract.
type Matrix interface {
	// Dims returns the number of rows and columns.
	Dims() (rows, cols int)

	// MulAddTo computes dst += A*x. It panics if the shapes disagree.
	MulAddTo(x *mat.Dense, dst *mat.Dense)
}

// Options selects the compute mode shared by the matrix types.
type Options struct {
	// Half rounds every accumulation step to float16 precision,
	// emulating a reduced-precision kernel.
	Half bool
}

func checkShapes(a Matrix, x, dst *mat.Dense) (cols int) {
	ar, ac := a.Dims()
	xr, xc := x.Dims()
	dr, dc := dst.Dims()
	if ac != xr || dr != ar || dc != xc {
		panic("sparse: dimension mismatch")
	}
	return xc
}

// halfRound rounds a value to the nearest representable float16.
func halfRound(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

// A CSR is a compressed-sparse-row matrix.
type CSR struct {
	Opts Options

	rows, cols int
	rowPtr     []int
	colIdx     []int
	values     []float64
}

// NewCSR creates a CSR matrix from raw compressed-row storage.
// The slices are retained, not copied.
func NewCSR(rows, cols int, rowPtr, colIdx []int, values []float64) *CSR {
	if len(rowPtr) != rows+1 || len(colIdx) != len(values) {
		panic("sparse: malformed CSR storage")
	}
	return &CSR{rows: rows, cols: cols, rowPtr: rowPtr, colIdx: colIdx, values: values}
}

// Dims returns the matrix dimensions.
func (c *CSR) Dims() (int, int) {
	return c.rows, c.cols
}

// NNZ returns the number of stored entries.
func (c *CSR) NNZ() int {
	return len(c.values)
}

// MulAddTo computes dst += C*x.
func (c *CSR) MulAddTo(x *mat.Dense, dst *mat.Dense) {
	nc := checkShapes(c, x, dst)
	for i := 0; i < c.rows; i++ {
		outRow := dst.RawRowView(i)
		for idx := c.rowPtr[i]; idx < c.rowPtr[i+1]; idx++ {
			v := c.values[idx]
			inRow := x.RawRowView(c.colIdx[idx])
			if c.Opts.Half {
				for j := 0; j < nc; j++ {
					outRow[j] = halfRound(outRow[j] + halfRound(v*inRow[j]))
				}
			} else {
				for j := 0; j < nc; j++ {
					outRow[j] += v * inRow[j]
				}
			}
		}
	}
}

// A COO is a coordinate-list sparse matrix.
type COO struct {
	Opts Options

	rows, cols int
	rowIdx     []int
	colIdx     []int
	values     []float64
}

// NewCOO creates a COO matrix from parallel coordinate slices.
// The slices are retained, not copied.
func NewCOO(rows, cols int, rowIdx, colIdx []int, values []float64) *COO {
	if len(rowIdx) != len(values) || len(colIdx) != len(values) {
		panic("sparse: malformed COO storage")
	}
	return &COO{rows: rows, cols: cols, rowIdx: rowIdx, colIdx: colIdx, values: values}
}

// Dims returns the matrix dimensions.
func (c *COO) Dims() (int, int) {
	return c.rows, c.cols
}

// NNZ returns the number of stored entries.
func (c *COO) NNZ() int {
	return len(c.values)
}

// CSR converts the matrix to compressed-row form. Duplicate coordinates are
// kept as separate entries; they accumulate just as they would in COO form.
func (c *COO) CSR() *CSR {
	counts := make([]int, c.rows+1)
	for _, r := range c.rowIdx {
		counts[r+1]++
	}
	for i := 1; i <= c.rows; i++ {
		counts[i] += counts[i-1]
	}
	rowPtr := counts
	colIdx := make([]int, len(c.values))
	values := make([]float64, len(c.values))
	next := make([]int, c.rows)
	for k, r := range c.rowIdx {
		pos := rowPtr[r] + next[r]
		next[r]++
		colIdx[pos] = c.colIdx[k]
		values[pos] = c.values[k]
	}
	out := NewCSR(c.rows, c.cols, rowPtr, colIdx, values)
	out.Opts = c.Opts
	return out
}

// MulAddTo computes dst += C*x.
func (c *COO) MulAddTo(x *mat.Dense, dst *mat.Dense) {
	checkShapes(c, x, dst)
	for k, v := range c.values {
		outRow := dst.RawRowView(c.rowIdx[k])
		inRow := x.RawRowView(c.colIdx[k])
		if c.Opts.Half {
			for j := range outRow {
				outRow[j] = halfRound(outRow[j] + halfRound(v*inRow[j]))
			}
		} else {
			for j := range outRow {
				outRow[j] += v * inRow[j]
			}
		}
	}
}

// Identity returns the n-by-n identity in CSR form.
func Identity(n int) *CSR {
	rowPtr := make([]int, n+1)
	colIdx := make([]int, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		rowPtr[i+1] = i + 1
		colIdx[i] = i
		values[i] = 1
	}
	return NewCSR(n, n, rowPtr, colIdx, values)
}

// A DenseMatrix adapts a dense matrix to the accumulate contract, standing
// in when no sparse kernel is available.
type DenseMatrix struct {
	M *mat.Dense
}

// Dims returns the matrix dimensions.
func (d *DenseMatrix) Dims() (int, int) {
	return d.M.Dims()
}

// MulAddTo computes dst += D*x.
func (d *DenseMatrix) MulAddTo(x *mat.Dense, dst *mat.Dense) {
	checkShapes(d, x, dst)
	var prod mat.Dense
	prod.Mul(d.M, x)
	dst.Add(dst, &prod)
}
