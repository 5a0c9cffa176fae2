package gcn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/unixpickle/dist-gcn/collcomm"
	"github.com/unixpickle/dist-gcn/quant"
	"github.com/unixpickle/dist-gcn/sparse"
)

// denseShard carries an uncompressed feature shard through a collective
// call.
type denseShard struct {
	m *mat.Dense
}

func (d *denseShard) WireSize() float64 {
	r, c := d.m.Dims()
	return float64(r * c * 8)
}

func (d *denseShard) clone() *denseShard {
	return &denseShard{m: mat.DenseCopyOf(d.m)}
}

// An Engine runs full broadcast-and-accumulate rounds: for each source
// rank, in ascending order, it obtains that rank's shard (over the network
// or from the cache) and accumulates adjacency[src] times the shard into
// the output.
//
// Every rank must run the same rounds with the same tags in the same
// order. The source order doubles as the synchronization schedule of the
// underlying collective, so a diverging rank deadlocks the world.
type Engine struct {
	Env   *Env
	Cache *BroadcastCache

	// Reducer performs the weight-gradient sum-reduction.
	Reducer collcomm.Allreducer
}

// NewEngine creates an engine bound to one rank's environment and a
// model-owned cache.
func NewEngine(env *Env, cache *BroadcastCache) *Engine {
	return &Engine{Env: env, Cache: cache, Reducer: collcomm.TreeAllreducer{}}
}

// Accumulate runs one uncompressed round: the returned matrix is the sum
// over all sources of adjacency[src] times that source's local matrix. It
// is used on the backward path, where payloads must not be degraded.
func (e *Engine) Accumulate(adjacency []sparse.Matrix, local *mat.Dense, tag Tag) (*mat.Dense, error) {
	if len(adjacency) != e.Env.WorldSize {
		return nil, errors.Errorf("gcn: %d adjacency shards for world size %d",
			len(adjacency), e.Env.WorldSize)
	}
	rows, cols := local.Dims()
	out := mat.NewDense(rows, cols, nil)

	e.Cache.StartEpoch(tag)

	for src := 0; src < e.Env.WorldSize; src++ {
		var shard *mat.Dense
		if !e.Cache.UseCache(tag, src) {
			var payload collcomm.Payload
			if src == e.Env.Rank {
				payload = &denseShard{m: mat.DenseCopyOf(local)}
			}
			stop := e.Env.Timer.Scope("broadcast")
			received, err := e.Env.Comms.Broadcast(src, payload)
			stop()
			if err != nil {
				return nil, errors.Wrapf(err, "round %v", tag)
			}
			e.Cache.RecordBroadcast(tag, src)
			ds := received.(*denseShard)
			if e.Cache.Enabled(tag) {
				e.Cache.Store(tag, src, ds.clone())
			}
			klog.V(2).Infof("broadcast tag=%v src=%d count=%d",
				tag, src, e.Cache.Broadcasts(tag, src))
			shard = ds.m
		} else {
			entry, ok := e.Cache.Lookup(tag, src)
			if !ok {
				return nil, errors.Errorf(
					"round %v: cache admitted src %d with no stored entry", tag, src)
			}
			shard = entry.(*denseShard).m
		}

		stop := e.Env.Timer.Scope("spmm")
		adjacency[src].MulAddTo(shard, out)
		stop()
	}

	return out, nil
}

// AccumulateQuantized runs one round like Accumulate, but each source
// compresses its shard with the 8-bit codec before transmission and
// receivers dequantize before the sparse product. Cache entries hold the
// compressed payload. The smaller wire and cache footprint is the entire
// point; the price is one quantization step of error per element, which is
// why this variant only carries activations, never gradients.
func (e *Engine) AccumulateQuantized(adjacency []sparse.Matrix, local *mat.Dense, tag Tag) (*mat.Dense, error) {
	if len(adjacency) != e.Env.WorldSize {
		return nil, errors.Errorf("gcn: %d adjacency shards for world size %d",
			len(adjacency), e.Env.WorldSize)
	}
	rows, cols := local.Dims()
	out := mat.NewDense(rows, cols, nil)

	e.Cache.StartEpoch(tag)

	for src := 0; src < e.Env.WorldSize; src++ {
		var qp *quant.Payload
		if !e.Cache.UseCache(tag, src) {
			var payload collcomm.Payload
			if src == e.Env.Rank {
				stop := e.Env.Timer.Scope("quantize")
				compressed, err := quant.Quantize(local, quant.Bits, true, e.Env.Rand)
				stop()
				if err != nil {
					return nil, errors.Wrapf(err, "round %v", tag)
				}
				payload = compressed
			}
			stop := e.Env.Timer.Scope("broadcast")
			received, err := e.Env.Comms.Broadcast(src, payload)
			stop()
			if err != nil {
				return nil, errors.Wrapf(err, "round %v", tag)
			}
			e.Cache.RecordBroadcast(tag, src)
			qp = received.(*quant.Payload)
			if e.Cache.Enabled(tag) {
				e.Cache.Store(tag, src, qp.Clone())
			}
			klog.V(2).Infof("broadcast tag=%v src=%d count=%d",
				tag, src, e.Cache.Broadcasts(tag, src))
		} else {
			entry, ok := e.Cache.Lookup(tag, src)
			if !ok {
				return nil, errors.Errorf(
					"round %v: cache admitted src %d with no stored entry", tag, src)
			}
			qp = entry.(*quant.Payload)
		}

		stop := e.Env.Timer.Scope("quantize")
		shard := qp.Dequantize()
		stop()

		stop = e.Env.Timer.Scope("spmm")
		adjacency[src].MulAddTo(shard, out)
		stop()
	}

	return out, nil
}

// AllreduceSum replaces m on every rank with the element-wise sum of all
// ranks' copies.
func (e *Engine) AllreduceSum(m *mat.Dense) {
	rows, cols := m.Dims()
	flat := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		flat = append(flat, m.RawRowView(i)...)
	}
	stop := e.Env.Timer.Scope("allreduce")
	reduced := e.Env.Comms.AllreduceSum(e.Reducer, flat)
	stop()
	for i := 0; i < rows; i++ {
		copy(m.RawRowView(i), reduced[i*cols:(i+1)*cols])
	}
}
