// Command bench_gcn measures the virtual-time cost of distributed GCN
// training steps across network configurations and cache policies.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/unixpickle/dist-gcn/collcomm"
	"github.com/unixpickle/dist-gcn/gcn"
	"github.com/unixpickle/dist-gcn/simulator"
)

// A RunConfig describes one simulated cluster and workload.
type RunConfig struct {
	Ranks        int     `yaml:"ranks"`
	NodesPerPart int     `yaml:"nodes_per_part"`
	FeatDim      int     `yaml:"feat_dim"`
	Hidden       int     `yaml:"hidden"`
	Classes      int     `yaml:"classes"`
	EdgeProb     float64 `yaml:"edge_prob"`
	Latency      float64 `yaml:"latency"`
	SendRate     float64 `yaml:"send_rate"`
	Steps        int     `yaml:"steps"`
}

func defaultRuns() []RunConfig {
	return []RunConfig{
		{Ranks: 2, NodesPerPart: 64, FeatDim: 128, Hidden: 16, Classes: 8,
			EdgeProb: 0.05, Latency: 1e-4, SendRate: 1e9, Steps: 4},
		{Ranks: 4, NodesPerPart: 64, FeatDim: 128, Hidden: 16, Classes: 8,
			EdgeProb: 0.05, Latency: 1e-4, SendRate: 1e9, Steps: 4},
		{Ranks: 8, NodesPerPart: 32, FeatDim: 128, Hidden: 16, Classes: 8,
			EdgeProb: 0.05, Latency: 1e-3, SendRate: 1e8, Steps: 4},
	}
}

// result is one cell of the output table.
type result struct {
	totalTime float64
	bcastTime float64
}

// run trains for cfg.Steps steps under one cache policy and reducer, and
// returns rank 0's timings.
func run(cfg RunConfig, cacheConfig gcn.CacheConfig, reducer collcomm.Allreducer) result {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, cfg.Ranks)
	for i := range nodes {
		nodes[i] = simulator.NewNode(loop)
	}
	network := &simulator.SharedLinkNetwork{Latency: cfg.Latency, SendRate: cfg.SendRate}

	world := gcn.RandomWorld(rand.New(rand.NewSource(42)), cfg.Ranks, cfg.NodesPerPart,
		cfg.FeatDim, cfg.Classes, cfg.EdgeProb)
	target := mat.NewDense(cfg.NodesPerPart, cfg.Classes, nil)

	var res result
	collcomm.SpawnWorld(loop, network, nodes, func(c *collcomm.Comms) {
		env := gcn.NewEnv(c, rand.New(rand.NewSource(int64(100+c.Rank))))
		model := gcn.NewModel(cfg.FeatDim, cfg.Hidden, cfg.Classes, cacheConfig,
			rand.New(rand.NewSource(0)))
		engine := gcn.NewEngine(env, model.Cache)
		engine.Reducer = reducer
		g := world.Parts[c.Rank]

		for i := 0; i < cfg.Steps; i++ {
			if _, err := model.Step(engine, g, target, 0.01); err != nil {
				klog.Fatalf("rank %d: %v", c.Rank, err)
			}
		}
		if c.Rank == 0 {
			res.bcastTime = env.Timer.Total("broadcast")
		}
	})
	loop.MustRun()
	res.totalTime = loop.Time()
	return res
}

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "YAML file with a list of run configurations")
	flag.Parse()

	runs := defaultRuns()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			klog.Fatalf("read config: %v", err)
		}
		runs = nil
		if err := yaml.Unmarshal(data, &runs); err != nil {
			klog.Fatalf("parse config: %v", err)
		}
	}

	policies := []struct {
		name   string
		config func() gcn.CacheConfig
	}{
		{"NoCache", gcn.DefaultCacheConfig},
		{"FwdCache", gcn.ForwardCacheConfig},
	}
	reducers := []struct {
		name    string
		reducer collcomm.Allreducer
	}{
		{"Naive", collcomm.NaiveAllreducer{}},
		{"Tree", collcomm.TreeAllreducer{}},
	}

	// Markdown table header.
	fmt.Print("| Ranks | Nodes/part | Latency | Rate ")
	for _, p := range policies {
		for _, r := range reducers {
			fmt.Printf("| %s/%s ", p.name, r.name)
		}
	}
	fmt.Println("|")
	for i := 0; i < 4+len(policies)*len(reducers); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, cfg := range runs {
		fmt.Printf("| %d | %d | %.0e | %.0e ", cfg.Ranks, cfg.NodesPerPart,
			cfg.Latency, cfg.SendRate)
		for _, p := range policies {
			for _, r := range reducers {
				res := run(cfg, p.config(), r.reducer)
				fmt.Printf("| %.3f (bcast %.3f) ", res.totalTime, res.bcastTime)
			}
		}
		fmt.Println("|")
	}
}
