package gcn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/unixpickle/dist-gcn/sparse"
)

// A Graph is one rank's partition of a node-partitioned graph.
type Graph struct {
	// Features holds this partition's node feature shard, one row per
	// local node.
	Features *mat.Dense

	// NumClasses is the model's output dimension.
	NumClasses int

	// AdjParts[s] holds the edges from partition s's nodes into this
	// partition's nodes: a localNodes-by-partitionSNodes sparse matrix.
	// Read-only after construction.
	AdjParts []sparse.Matrix
}

// A World is a full partitioned dataset: one Graph per rank, plus the
// assembled global matrices kept around for verification and benchmarks.
type World struct {
	Parts []*Graph

	// FullAdj and FullFeatures are the unpartitioned adjacency and
	// feature matrices the shards were cut from.
	FullAdj      *mat.Dense
	FullFeatures *mat.Dense
}

// NodesPerPart returns the partition size. All partitions in a World built
// here are the same size.
func (w *World) NodesPerPart() int {
	r, _ := w.Parts[0].Features.Dims()
	return r
}

// partition cuts the global adjacency into per-rank shard sequences in CSR
// form.
func partition(fullAdj *mat.Dense, fullFeatures *mat.Dense, worldSize, numClasses int) *World {
	n, _ := fullAdj.Dims()
	if n%worldSize != 0 {
		panic("gcn: node count is not divisible by world size")
	}
	per := n / worldSize
	_, featDim := fullFeatures.Dims()

	w := &World{FullAdj: fullAdj, FullFeatures: fullFeatures}
	for r := 0; r < worldSize; r++ {
		parts := make([]sparse.Matrix, worldSize)
		for s := 0; s < worldSize; s++ {
			var rowIdx, colIdx []int
			var values []float64
			for i := 0; i < per; i++ {
				for j := 0; j < per; j++ {
					v := fullAdj.At(r*per+i, s*per+j)
					if v != 0 {
						rowIdx = append(rowIdx, i)
						colIdx = append(colIdx, j)
						values = append(values, v)
					}
				}
			}
			parts[s] = sparse.NewCOO(per, per, rowIdx, colIdx, values).CSR()
		}
		features := mat.NewDense(per, featDim, nil)
		for i := 0; i < per; i++ {
			copy(features.RawRowView(i), fullFeatures.RawRowView(r*per+i))
		}
		w.Parts = append(w.Parts, &Graph{
			Features:   features,
			NumClasses: numClasses,
			AdjParts:   parts,
		})
	}
	return w
}

// IdentityWorld builds a world whose adjacency is the identity: no edges
// between distinct nodes, a self-loop on every node. Aggregation is then a
// no-op and each rank's forward output depends only on its own shard.
func IdentityWorld(worldSize, nodesPerPart, featDim, numClasses int, rng *rand.Rand) *World {
	n := worldSize * nodesPerPart
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		adj.Set(i, i, 1)
	}
	features := mat.NewDense(n, featDim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < featDim; j++ {
			features.Set(i, j, rng.Float64())
		}
	}
	return partition(adj, features, worldSize, numClasses)
}

// RandomWorld builds a world over a random undirected graph with self
// loops. The adjacency is symmetric, which is what makes the layer's
// backward pass exact (the aggregation operator is its own transpose).
func RandomWorld(rng *rand.Rand, worldSize, nodesPerPart, featDim, numClasses int,
	edgeProb float64) *World {
	n := worldSize * nodesPerPart
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		adj.Set(i, i, 1)
		for j := i + 1; j < n; j++ {
			if rng.Float64() < edgeProb {
				w := 0.5 + rng.Float64()
				adj.Set(i, j, w)
				adj.Set(j, i, w)
			}
		}
	}
	features := mat.NewDense(n, featDim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < featDim; j++ {
			features.Set(i, j, rng.NormFloat64())
		}
	}
	return partition(adj, features, worldSize, numClasses)
}
