package collcomm

import "github.com/unixpickle/dist-gcn/simulator"

// FlopTime is the virtual time cost of a single floating-point operation,
// used to model local reduction work.
const FlopTime = 1e-9

// vecPayload is a flat vector travelling through a reduce collective.
type vecPayload []float64

func (v vecPayload) WireSize() float64 {
	return float64(len(v) * 8)
}

// A ReduceFn reduces several equally sized vectors into one.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum is a ReduceFn computing the element-wise vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			res[i] += x
		}
	}

	// Simulate computation time.
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))

	return res
}
