package gcn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// DefaultHiddenDim is the hidden width used when none is configured.
const DefaultHiddenDim = 16

// A Model is the two-layer distributed GCN: layer 1 with a ReLU, layer 2
// linear. The model owns the broadcast cache its layers share; two models
// never share state.
type Model struct {
	L1, L2 *Layer
	Cache  *BroadcastCache
}

// NewModel creates a model with uniform random weights. Every rank must
// pass an identically seeded rng so that all ranks hold the same initial
// weights.
func NewModel(inDim, hiddenDim, numClasses int, config CacheConfig, rng *rand.Rand) *Model {
	if hiddenDim <= 0 {
		hiddenDim = DefaultHiddenDim
	}
	return &Model{
		L1:    NewLayer(1, inDim, hiddenDim, rng),
		L2:    NewLayer(2, hiddenDim, numClasses, rng),
		Cache: NewBroadcastCache(config),
	}
}

// A ForwardState holds what Backward needs from one Forward call.
type ForwardState struct {
	ctx1, ctx2 *Context

	// preAct is layer 1's output before the ReLU; its sign mask gates
	// the gradient flowing back into layer 1.
	preAct *mat.Dense
}

// Forward runs both layers on this rank's feature shard and returns the
// local output rows.
func (m *Model) Forward(e *Engine, g *Graph) (*mat.Dense, *ForwardState, error) {
	pre, ctx1, err := m.L1.Forward(e, g.AdjParts, g.Features)
	if err != nil {
		return nil, nil, err
	}
	hidden := reluOf(pre)

	out, ctx2, err := m.L2.Forward(e, g.AdjParts, hidden)
	if err != nil {
		return nil, nil, err
	}

	return out, &ForwardState{ctx1: ctx1, ctx2: ctx2, preAct: pre}, nil
}

// Gradients holds one backward pass's results. Weight gradients are
// sum-reduced across the world and therefore identical on every rank.
type Gradients struct {
	Features *mat.Dense
	Weight1  *mat.Dense
	Weight2  *mat.Dense
}

// Backward propagates the loss gradient through both layers.
func (m *Model) Backward(e *Engine, st *ForwardState, gradOutput *mat.Dense) (*Gradients, error) {
	gradHidden, gradW2, err := m.L2.Backward(e, st.ctx2, gradOutput)
	if err != nil {
		return nil, err
	}

	maskRelu(gradHidden, st.preAct)

	gradFeatures, gradW1, err := m.L1.Backward(e, st.ctx1, gradHidden)
	if err != nil {
		return nil, err
	}

	return &Gradients{Features: gradFeatures, Weight1: gradW1, Weight2: gradW2}, nil
}

// Step runs one training step against per-node targets with a quadratic
// loss: forward, backward, and an SGD update. It returns the global loss,
// summed across all ranks. Weight updates are identical on every rank
// because the weight gradients are.
func (m *Model) Step(e *Engine, g *Graph, target *mat.Dense, lr float64) (float64, error) {
	out, st, err := m.Forward(e, g)
	if err != nil {
		return 0, err
	}

	// Local loss 0.5*sum((out-target)^2); gradient is out-target.
	var gradOut mat.Dense
	gradOut.Sub(out, target)
	var local float64
	rows, _ := gradOut.Dims()
	for i := 0; i < rows; i++ {
		for _, v := range gradOut.RawRowView(i) {
			local += 0.5 * v * v
		}
	}

	grads, err := m.Backward(e, st, &gradOut)
	if err != nil {
		return 0, err
	}

	applySGD(m.L1.Weight, grads.Weight1, lr)
	applySGD(m.L2.Weight, grads.Weight2, lr)

	total := e.Env.Comms.AllreduceSum(e.Reducer, []float64{local})[0]
	return total, nil
}

func applySGD(w, grad *mat.Dense, lr float64) {
	var scaled mat.Dense
	scaled.Scale(lr, grad)
	w.Sub(w, &scaled)
}

// reluOf returns max(x, 0) element-wise as a new matrix.
func reluOf(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		in, dst := x.RawRowView(i), out.RawRowView(i)
		for j := range in {
			if in[j] > 0 {
				dst[j] = in[j]
			}
		}
	}
	return out
}

// maskRelu zeroes grad wherever the pre-activation was not positive.
func maskRelu(grad, preAct *mat.Dense) {
	rows, _ := grad.Dims()
	for i := 0; i < rows; i++ {
		g, p := grad.RawRowView(i), preAct.RawRowView(i)
		for j := range g {
			if p[j] <= 0 {
				g[j] = 0
			}
		}
	}
}
