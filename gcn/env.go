package gcn

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/unixpickle/dist-gcn/collcomm"
	"github.com/unixpickle/dist-gcn/simulator"
)

// Env is one rank's view of the distributed environment: its identity in
// the world, its communicator, and a scoped timer for measurement.
type Env struct {
	Rank      int
	WorldSize int

	Comms *collcomm.Comms
	Timer *Timer

	// Rand drives stochastic rounding. It may be nil, in which case the
	// global source is used.
	Rand *rand.Rand
}

// NewEnv wraps a communicator in an environment descriptor.
func NewEnv(c *collcomm.Comms, rng *rand.Rand) *Env {
	return &Env{
		Rank:      c.Rank,
		WorldSize: c.WorldSize(),
		Comms:     c,
		Timer:     &Timer{handle: c.Handle, totals: map[string]float64{}},
		Rand:      rng,
	}
}

// A Timer accumulates virtual-time spans per label. It is never used for
// control flow, only for reporting.
type Timer struct {
	handle *simulator.Handle
	totals map[string]float64
}

// Scope starts timing the labelled span and returns the function that ends
// it:
//
//	defer env.Timer.Scope("spmm")()
func (t *Timer) Scope(label string) func() {
	start := t.handle.Time()
	return func() {
		t.totals[label] += t.handle.Time() - start
	}
}

// Total returns the accumulated virtual time for a label.
func (t *Timer) Total(label string) float64 {
	return t.totals[label]
}

// Summary renders all labels and totals, sorted by label.
func (t *Timer) Summary() string {
	labels := make([]string, 0, len(t.totals))
	for label := range t.totals {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%s=%.4g", label, t.totals[label])
	}
	return strings.Join(parts, " ")
}
