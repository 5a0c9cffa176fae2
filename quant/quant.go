// Package quant implements the per-row min-max quantization used to shrink
// broadcast payloads. Compression is lossy: dequantization inverts the
// normalization exactly, but not the rounding, so each element is recovered
// to within one quantization step of its row's dynamic range.
package quant

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Bits is the only supported code width. The wire format, the cache entries
// and the bandwidth math all assume one byte per element; other widths are
// rejected as configuration errors rather than silently emulated.
const Bits = 8

// levels is the largest representable code.
const levels = 1<<Bits - 1

// A Payload is a quantized matrix: one byte per element plus a per-row
// scale and minimum for reconstruction.
//
// A row with zero dynamic range is stored with Scale 0 and zero codes, and
// dequantizes back to its constant value exactly.
type Payload struct {
	Rows, Cols int

	// Codes holds the row-major quantized elements.
	Codes []uint8

	// Scale and Min hold each row's quantization parameters:
	// code = (value - Min) * Scale.
	Scale []float64
	Min   []float64
}

// Quantize compresses a dense matrix to bits-wide codes.
//
// With stochastic set, a uniform offset in [-0.5, 0.5) is added before
// rounding, making the rounding unbiased across many calls; rng may be nil
// to use the global source. Without it, rounding is to nearest and the
// result is deterministic.
//
// Only Bits is accepted for bits; anything else is a configuration error.
func Quantize(m *mat.Dense, bits int, stochastic bool, rng *rand.Rand) (*Payload, error) {
	if bits != Bits {
		return nil, errors.Errorf("quant: unsupported bit width %d (only %d is supported)", bits, Bits)
	}

	rows, cols := m.Dims()
	p := &Payload{
		Rows:  rows,
		Cols:  cols,
		Codes: make([]uint8, rows*cols),
		Scale: make([]float64, rows),
		Min:   make([]float64, rows),
	}

	uniform := rand.Float64
	if rng != nil {
		uniform = rng.Float64
	}

	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		rmin, rmax := row[0], row[0]
		for _, v := range row[1:] {
			rmin = math.Min(rmin, v)
			rmax = math.Max(rmax, v)
		}
		p.Min[i] = rmin
		if rmax == rmin {
			// Constant row: codes stay zero and Scale 0 marks the row
			// as exactly reconstructible from Min.
			continue
		}
		scale := levels / (rmax - rmin)
		p.Scale[i] = scale

		codes := p.Codes[i*cols : (i+1)*cols]
		for j, v := range row {
			q := (v - rmin) * scale
			if stochastic {
				q += uniform() - 0.5
			}
			q = math.Round(q)
			if q < 0 {
				q = 0
			} else if q > levels {
				q = levels
			}
			codes[j] = uint8(q)
		}
	}

	return p, nil
}

// Dequantize reconstructs a dense matrix from the codes.
func (p *Payload) Dequantize() *mat.Dense {
	out := mat.NewDense(p.Rows, p.Cols, nil)
	for i := 0; i < p.Rows; i++ {
		row := out.RawRowView(i)
		codes := p.Codes[i*p.Cols : (i+1)*p.Cols]
		scale, min := p.Scale[i], p.Min[i]
		if scale == 0 {
			for j := range row {
				row[j] = min
			}
			continue
		}
		for j, c := range codes {
			row[j] = float64(c)/scale + min
		}
	}
	return out
}

// Clone returns a deep copy of the payload.
func (p *Payload) Clone() *Payload {
	out := &Payload{
		Rows:  p.Rows,
		Cols:  p.Cols,
		Codes: append([]uint8{}, p.Codes...),
		Scale: append([]float64{}, p.Scale...),
		Min:   append([]float64{}, p.Min...),
	}
	return out
}

// WireSize is the serialized size in bytes: one byte per element plus two
// float64 row parameters.
func (p *Payload) WireSize() float64 {
	return float64(len(p.Codes) + 16*p.Rows)
}
