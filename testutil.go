package replsim

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replsim/replsim/logging"
)

// makeCluster builds a fully connected topology of count nodes sharing the
// given consistency tag, with variable latency links.
func makeCluster(count int, consistency string) *Topology {
	topo := &Topology{Meta: Meta{"title": "test cluster"}}
	for i := 0; i < count; i++ {
		topo.Nodes = append(topo.Nodes, Node{
			ID:          i,
			Label:       fmt.Sprintf("node-%d", i),
			Location:    CloudLocation,
			Consistency: consistency,
		})
	}
	for i := 0; i < count; i++ {
		for j := i + 1; j < count; j++ {
			topo.Links = append(topo.Links, Link{
				Source:     i,
				Target:     j,
				Connection: VariableConnection,
				Latency:    [2]int64{10, 20},
			})
		}
	}
	return topo
}

// makeFederatedCluster builds a topology with strong core nodes and
// eventual edge nodes in the same location, fully connected.
func makeFederatedCluster(strong, eventual int) *Topology {
	topo := &Topology{Meta: Meta{"title": "federated test cluster"}}
	total := strong + eventual
	for i := 0; i < total; i++ {
		consistency := "strong"
		if i >= strong {
			consistency = "eventual"
		}
		topo.Nodes = append(topo.Nodes, Node{
			ID:          i,
			Label:       fmt.Sprintf("node-%d", i),
			Location:    CloudLocation,
			Consistency: consistency,
		})
	}
	for i := 0; i < total; i++ {
		for j := i + 1; j < total; j++ {
			topo.Links = append(topo.Links, Link{
				Source:     i,
				Target:     j,
				Connection: VariableConnection,
				Latency:    [2]int64{10, 20},
			})
		}
	}
	return topo
}

// makeTestSimulation loads a topology with a quiet logger and any further
// options applied on top.
func makeTestSimulation(t *testing.T, topo *Topology, opts ...Option) *Simulation {
	t.Helper()

	logger, err := logging.NewLogger(logging.WithWriter(io.Discard), logging.WithLevel(logging.Error))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logger)}, opts...)
	sim, err := Load(topo, opts...)
	require.NoError(t, err)
	return sim
}

// startReplicas installs every replica's protocol timers without running
// the clock, for tests that advance time in stages.
func startReplicas(t *testing.T, sim *Simulation) {
	t.Helper()
	for _, replica := range sim.Replicas() {
		require.NoError(t, replica.Protocol().Start())
	}
}

// findLeader returns the single Raft leader among the replicas, failing the
// test when there is none or more than one.
func findLeader(t *testing.T, sim *Simulation) *Replica {
	t.Helper()

	var leaders []*Replica
	for _, replica := range sim.Replicas() {
		if raft, ok := replica.Protocol().(interface{ State() State }); ok && raft.State() == Leader {
			leaders = append(leaders, replica)
		}
	}
	require.Len(t, leaders, 1, "expected exactly one raft leader")
	return leaders[0]
}

// memoryMetrics returns the simulation's sink as a MemoryMetrics.
func memoryMetrics(t *testing.T, sim *Simulation) *MemoryMetrics {
	t.Helper()
	metrics, ok := sim.Metrics().(*MemoryMetrics)
	require.True(t, ok, "simulation is not using the in-memory metrics sink")
	return metrics
}
