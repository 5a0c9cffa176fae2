package gcn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/unixpickle/dist-gcn/collcomm"
	"github.com/unixpickle/dist-gcn/simulator"
)

// spawnRanks runs f once per rank over a latency network, then checks that
// the loop finished cleanly and no rank returned an error.
func spawnRanks(t *testing.T, worldSize int, f func(env *Env) error) {
	t.Helper()
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, worldSize)
	for i := range nodes {
		nodes[i] = simulator.NewNode(loop)
	}
	network := &simulator.LatencyNetwork{Latency: 1e-3, Rate: 1e6}
	errs := make([]error, worldSize)
	collcomm.SpawnWorld(loop, network, nodes, func(c *collcomm.Comms) {
		env := NewEnv(c, rand.New(rand.NewSource(int64(1000+c.Rank))))
		errs[c.Rank] = f(env)
	})
	require.NoError(t, loop.Run())
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// fullRows returns rows [rank*per, (rank+1)*per) of m.
func fullRows(m *mat.Dense, rank, per int) *mat.Dense {
	return mat.DenseCopyOf(m.Slice(rank*per, (rank+1)*per, 0, colsOf(m)))
}

func colsOf(m *mat.Dense) int {
	_, c := m.Dims()
	return c
}

// TestAccumulateMatchesDense reassembles the distributed product and
// compares it with the explicit dense product of the full matrices.
func TestAccumulateMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	w := RandomWorld(rng, 2, 3, 4, 2, 0.6)

	var want mat.Dense
	want.Mul(w.FullAdj, w.FullFeatures)

	spawnRanks(t, 2, func(env *Env) error {
		e := NewEngine(env, NewBroadcastCache(DefaultCacheConfig()))
		g := w.Parts[env.Rank]
		out, err := e.Accumulate(g.AdjParts, g.Features, Tag{Backward, 1})
		if err != nil {
			return err
		}
		expected := fullRows(&want, env.Rank, w.NodesPerPart())
		assert.True(t, mat.EqualApprox(expected, out, 1e-9), "rank %d", env.Rank)
		return nil
	})
}

func TestAccumulateQuantizedWithinStepBound(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	w := RandomWorld(rng, 2, 3, 4, 2, 0.6)

	var want mat.Dense
	want.Mul(w.FullAdj, w.FullFeatures)

	// Per-element error is bounded by one quantization step per source
	// row, weighted by the adjacency row sums.
	maxStep := 0.0
	n, _ := w.FullFeatures.Dims()
	for i := 0; i < n; i++ {
		row := w.FullFeatures.RawRowView(i)
		lo, hi := row[0], row[0]
		for _, v := range row {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		maxStep = math.Max(maxStep, (hi-lo)/255)
	}
	maxRowSum := 0.0
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += math.Abs(w.FullAdj.At(i, j))
		}
		maxRowSum = math.Max(maxRowSum, sum)
	}
	tol := maxStep*maxRowSum + 1e-9

	spawnRanks(t, 2, func(env *Env) error {
		e := NewEngine(env, NewBroadcastCache(DefaultCacheConfig()))
		g := w.Parts[env.Rank]
		out, err := e.AccumulateQuantized(g.AdjParts, g.Features, Tag{Forward, 1})
		if err != nil {
			return err
		}
		expected := fullRows(&want, env.Rank, w.NodesPerPart())
		assert.True(t, mat.EqualApprox(expected, out, tol), "rank %d", env.Rank)
		return nil
	})
}

// TestForwardL1CachedRound runs two L1 rounds with forward caching on. The
// second round must be served entirely from cache: no new broadcasts, and
// bit-identical output.
func TestForwardL1CachedRound(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	w := RandomWorld(rng, 3, 2, 4, 2, 0.5)
	tag := Tag{Forward, 1}

	spawnRanks(t, 3, func(env *Env) error {
		cache := NewBroadcastCache(ForwardCacheConfig())
		e := NewEngine(env, cache)
		g := w.Parts[env.Rank]

		first, err := e.AccumulateQuantized(g.AdjParts, g.Features, tag)
		if err != nil {
			return err
		}
		second, err := e.AccumulateQuantized(g.AdjParts, g.Features, tag)
		if err != nil {
			return err
		}

		assert.True(t, mat.Equal(first, second), "cached round must replay the stored payloads")
		for src := 0; src < env.WorldSize; src++ {
			assert.Equal(t, 1, cache.Broadcasts(tag, src),
				"rank %d src %d should have broadcast exactly once", env.Rank, src)
		}
		return nil
	})
}

// TestBackwardRoundsAlwaysBroadcast runs repeated backward rounds with
// forward caching enabled and checks every round still hits the network.
func TestBackwardRoundsAlwaysBroadcast(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	w := RandomWorld(rng, 2, 2, 3, 2, 0.5)
	tag := Tag{Backward, 1}

	spawnRanks(t, 2, func(env *Env) error {
		cache := NewBroadcastCache(ForwardCacheConfig())
		e := NewEngine(env, cache)
		g := w.Parts[env.Rank]

		const rounds = 4
		for i := 0; i < rounds; i++ {
			if _, err := e.Accumulate(g.AdjParts, g.Features, tag); err != nil {
				return err
			}
		}
		for src := 0; src < env.WorldSize; src++ {
			assert.Equal(t, rounds, cache.Broadcasts(tag, src))
		}
		return nil
	})
}

// TestCacheInvariantViolation corrupts the counters so that admission
// succeeds without a stored entry, and expects a fatal error.
func TestCacheInvariantViolation(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	w := IdentityWorld(1, 2, 3, 2, rng)
	tag := Tag{Forward, 1}

	loop := simulator.NewEventLoop()
	nodes := []*simulator.Node{simulator.NewNode(loop)}
	network := &simulator.LatencyNetwork{Latency: 1e-3, Rate: 1e6}

	var gotErr error
	collcomm.SpawnWorld(loop, network, nodes, func(c *collcomm.Comms) {
		env := NewEnv(c, rng)
		cache := NewBroadcastCache(ForwardCacheConfig())
		// A recorded broadcast with no stored payload should be
		// impossible; fake it.
		cache.RecordBroadcast(tag, 0)
		e := NewEngine(env, cache)
		g := w.Parts[0]
		_, gotErr = e.AccumulateQuantized(g.AdjParts, g.Features, tag)
	})
	require.NoError(t, loop.Run())
	assert.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "no stored entry")
}

// TestEngineRejectsWrongShardCount covers the world-size precondition.
func TestEngineRejectsWrongShardCount(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	w := IdentityWorld(2, 2, 3, 2, rng)

	spawnRanks(t, 2, func(env *Env) error {
		e := NewEngine(env, NewBroadcastCache(DefaultCacheConfig()))
		g := w.Parts[env.Rank]
		_, err := e.Accumulate(g.AdjParts[:1], g.Features, Tag{Backward, 1})
		assert.Error(t, err)
		return nil
	})
}
