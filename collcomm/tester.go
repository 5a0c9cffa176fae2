package collcomm

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/dist-gcn/simulator"
)

// RunAllreducerTests runs a battery of tests on an Allreducer.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numRanks := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1337} {
			testName := fmt.Sprintf("Ranks=%d,Size=%d", numRanks, size)
			t.Run(testName, func(t *testing.T) {
				loop := simulator.NewEventLoop()
				nodes := make([]*simulator.Node, numRanks)
				vectors := make([][]float64, numRanks)
				sum := make([]float64, size)
				for i := range nodes {
					nodes[i] = simulator.NewNode(loop)
					vectors[i] = make([]float64, size)
					for j := range vectors[i] {
						vectors[i][j] = rand.NormFloat64()
						sum[j] += vectors[i][j]
					}
				}

				network := &simulator.SharedLinkNetwork{Latency: 0.1, SendRate: 1e6}

				results := make([][]float64, numRanks)
				SpawnWorld(loop, network, nodes, func(c *Comms) {
					results[c.Rank] = c.AllreduceSum(reducer, vectors[c.Rank])
				})

				if err := loop.Run(); err != nil {
					t.Fatal(err)
				}

				for i, res := range results[1:] {
					if len(res) != size {
						t.Errorf("result %d has length %d but expected %d", i, len(res), size)
						continue
					}
					for j, actual := range res {
						if actual != results[0][j] {
							t.Errorf("result %d is not identical to result 0", i)
							break
						}
					}
				}

				for i, x := range sum {
					if math.Abs(x-results[0][i]) > 1e-5 {
						t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
							x, results[0][i], i)
						break
					}
				}
			})
		}
	}
}
