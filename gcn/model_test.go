package gcn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestStepDecreasesLoss trains the two-layer model toward zero targets for
// a few steps and checks the global loss goes down.
func TestStepDecreasesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	const (
		worldSize = 2
		per       = 2
		featDim   = 4
		classes   = 2
		hidden    = 4
		steps     = 10
		lr        = 0.02
	)
	w := RandomWorld(rng, worldSize, per, featDim, classes, 0.5)
	target := mat.NewDense(per, classes, nil)

	lossHistories := make([][]float64, worldSize)
	spawnRanks(t, worldSize, func(env *Env) error {
		// Identical seeds give identical initial weights on every rank.
		model := NewModel(featDim, hidden, classes, DefaultCacheConfig(), rand.New(rand.NewSource(0)))
		e := NewEngine(env, model.Cache)
		g := w.Parts[env.Rank]

		for i := 0; i < steps; i++ {
			loss, err := model.Step(e, g, target, lr)
			if err != nil {
				return err
			}
			lossHistories[env.Rank] = append(lossHistories[env.Rank], loss)
		}
		return nil
	})

	for rank, history := range lossHistories {
		require.Len(t, history, steps)
		assert.Less(t, history[steps-1], history[0],
			"rank %d: loss should decrease (history %v)", rank, history)
	}
	assert.Equal(t, lossHistories[0], lossHistories[1],
		"global loss must agree across ranks")
}

// TestWeightsStayInSync checks that after several steps, every rank holds
// bit-identical weights: the gradient sum-reduction leaves the same totals
// everywhere and updates are deterministic.
func TestWeightsStayInSync(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	const worldSize = 2
	w := RandomWorld(rng, worldSize, 2, 3, 2, 0.5)
	target := mat.NewDense(2, 2, nil)

	finalW1 := make([]*mat.Dense, worldSize)
	finalW2 := make([]*mat.Dense, worldSize)
	spawnRanks(t, worldSize, func(env *Env) error {
		model := NewModel(3, 4, 2, DefaultCacheConfig(), rand.New(rand.NewSource(0)))
		e := NewEngine(env, model.Cache)
		g := w.Parts[env.Rank]

		for i := 0; i < 3; i++ {
			if _, err := model.Step(e, g, target, 0.05); err != nil {
				return err
			}
		}
		finalW1[env.Rank] = model.L1.Weight
		finalW2[env.Rank] = model.L2.Weight
		return nil
	})

	assert.True(t, mat.Equal(finalW1[0], finalW1[1]))
	assert.True(t, mat.Equal(finalW2[0], finalW2[1]))
}

// TestModelForwardWithCaching runs two forward passes with forward caching
// enabled and checks the second pass reuses every layer-1 entry while the
// layer-2 warm-up keeps broadcasting.
func TestModelForwardWithCaching(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	const worldSize = 2
	w := RandomWorld(rng, worldSize, 2, 3, 2, 0.5)

	spawnRanks(t, worldSize, func(env *Env) error {
		model := NewModel(3, 4, 2, ForwardCacheConfig(), rand.New(rand.NewSource(0)))
		e := NewEngine(env, model.Cache)
		g := w.Parts[env.Rank]

		for pass := 0; pass < 2; pass++ {
			if _, _, err := model.Forward(e, g); err != nil {
				return err
			}
		}

		for src := 0; src < worldSize; src++ {
			assert.Equal(t, 1, model.Cache.Broadcasts(Tag{Forward, 1}, src),
				"layer 1 second pass should be cached")
			assert.Equal(t, 2, model.Cache.Broadcasts(Tag{Forward, 2}, src),
				"layer 2 is still warming up and must broadcast")
		}
		return nil
	})
}

// TestTwoModelsAreIsolated runs two models back to back on the same world
// and checks their caches do not bleed into each other.
func TestTwoModelsAreIsolated(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	const worldSize = 2
	w := RandomWorld(rng, worldSize, 2, 3, 2, 0.5)

	spawnRanks(t, worldSize, func(env *Env) error {
		g := w.Parts[env.Rank]
		first := NewModel(3, 4, 2, ForwardCacheConfig(), rand.New(rand.NewSource(0)))
		e1 := NewEngine(env, first.Cache)
		if _, _, err := first.Forward(e1, g); err != nil {
			return err
		}

		second := NewModel(3, 4, 2, ForwardCacheConfig(), rand.New(rand.NewSource(0)))
		e2 := NewEngine(env, second.Cache)
		if _, _, err := second.Forward(e2, g); err != nil {
			return err
		}

		// The second model starts cold: its first pass must broadcast.
		for src := 0; src < worldSize; src++ {
			assert.Equal(t, 1, second.Cache.Broadcasts(Tag{Forward, 1}, src))
		}
		return nil
	})
}
