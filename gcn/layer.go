package gcn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/unixpickle/dist-gcn/sparse"
)

// A Layer is one distributed graph-convolution layer:
// output = aggregate(features) * Weight, where aggregate is the cached
// quantized broadcast-and-accumulate round over all partitions.
//
// The layer is a manually differentiated operator. Forward returns a
// Context holding everything the matching Backward call needs; each
// Context must be consumed by exactly one Backward call.
type Layer struct {
	// Num is the 1-based layer number used in round tags. Two layers
	// sharing a number would also share cache entries, which is a
	// correctness hazard, so numbers must be unique per model.
	Num int

	Weight *mat.Dense
}

// NewLayer creates a layer with uniform random weights from rng. Every rank
// must seed rng identically so the world starts from identical weights.
func NewLayer(num, inDim, outDim int, rng *rand.Rand) *Layer {
	w := mat.NewDense(inDim, outDim, nil)
	for i := 0; i < inDim; i++ {
		for j := 0; j < outDim; j++ {
			w.Set(i, j, rng.Float64())
		}
	}
	return &Layer{Num: num, Weight: w}
}

// A Context retains the forward-time values a backward pass needs: the
// input features and weight as they were at forward time, plus the
// adjacency shards. Later mutations of the layer's weight do not affect a
// retained Context.
type Context struct {
	features  *mat.Dense
	weight    *mat.Dense
	adjacency []sparse.Matrix
}

// Forward runs the quantized aggregation round for this layer followed by
// the dense weight product.
func (l *Layer) Forward(e *Engine, adjacency []sparse.Matrix, features *mat.Dense) (*mat.Dense, *Context, error) {
	ctx := &Context{
		features:  mat.DenseCopyOf(features),
		weight:    mat.DenseCopyOf(l.Weight),
		adjacency: adjacency,
	}

	aggregated, err := e.AccumulateQuantized(adjacency, features, Tag{Forward, l.Num})
	if err != nil {
		return nil, nil, err
	}

	stop := e.Env.Timer.Scope("mm")
	var out mat.Dense
	out.Mul(aggregated, ctx.weight)
	stop()

	return &out, ctx, nil
}

// Backward consumes a forward Context and the gradient of the loss with
// respect to the layer output. It returns the gradients with respect to
// the input features and the weight.
//
// The gradient round is never quantized: compression error is tolerable on
// activations but would bias every parameter update. The weight gradient is
// sum-reduced across the world, so every rank returns the identical total.
func (l *Layer) Backward(e *Engine, ctx *Context, gradOutput *mat.Dense) (gradFeatures, gradWeight *mat.Dense, err error) {
	aggregated, err := e.Accumulate(ctx.adjacency, gradOutput, Tag{Backward, l.Num})
	if err != nil {
		return nil, nil, err
	}

	stop := e.Env.Timer.Scope("mm")
	var gf, gw mat.Dense
	gf.Mul(aggregated, ctx.weight.T())
	gw.Mul(ctx.features.T(), aggregated)
	stop()

	e.AllreduceSum(&gw)
	return &gf, &gw, nil
}
