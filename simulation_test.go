package replsim

import (
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	assert.Equal(t, "test cluster", sim.Name())
	assert.Equal(t, int64(42), sim.Config().Seed)
	assert.Len(t, sim.Replicas(), 3)
	assert.NotNil(t, sim.ReplicaByID("node-1"))
	assert.Nil(t, sim.ReplicaByID("node-9"))
	assert.Equal(t, int64(0), sim.Clock().Now())
}

func TestLoadNilTopology(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
}

func TestLoadNameDefault(t *testing.T) {
	topo := makeCluster(3, "eventual")
	delete(topo.Meta, "title")
	sim := makeTestSimulation(t, topo)
	assert.Equal(t, "storage consistency simulation", sim.Name())
}

func TestLoadAppliesMeta(t *testing.T) {
	topo := makeCluster(3, "eventual")
	// JSON decoding delivers numbers as float64.
	topo.Meta["seed"] = float64(7)
	topo.Meta["users"] = float64(3)
	topo.Meta["description"] = "a small gossip mesh"

	sim := makeTestSimulation(t, topo)
	assert.Equal(t, int64(7), sim.Config().Seed)
	assert.Equal(t, 3, sim.Config().Users)
	assert.Equal(t, "a small gossip mesh", sim.Description())
}

func TestLoadOptionsWinOverMeta(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Meta["seed"] = float64(7)

	sim := makeTestSimulation(t, topo, WithSeed(99))
	assert.Equal(t, int64(99), sim.Config().Seed)
}

func TestLoadDisambiguatesLabels(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Nodes[0].Label = "twin"
	topo.Nodes[1].Label = "twin"
	topo.Nodes[2].Label = ""

	sim := makeTestSimulation(t, topo)
	assert.NotNil(t, sim.ReplicaByID("twin"))
	assert.NotNil(t, sim.ReplicaByID("r1"), "a duplicate label falls back to the index id")
	assert.NotNil(t, sim.ReplicaByID("r2"), "an empty label falls back to the index id")
}

func TestLoadRejectsBadConsistency(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Nodes[1].Consistency = "quantum"
	_, err := Load(topo)
	require.Error(t, err)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	conf := DefaultConfig()
	conf.ReadPolicy = "psychic"
	_, err := Load(makeCluster(3, "raft"), WithConfig(conf))

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
}

func TestLoadAssignsDefaultLatency(t *testing.T) {
	topo := makeCluster(2, "eventual")
	topo.Links[0].Connection = ""
	topo.Links[0].Latency = [2]int64{}

	sim := makeTestSimulation(t, topo)
	conn := sim.Network().Connection(sim.Replicas()[0], sim.Replicas()[1])
	lo, hi := conn.LatencyRange()
	assert.Equal(t, sim.Config().DefaultLatency, lo)
	assert.Equal(t, sim.Config().DefaultLatency, hi)
}

func TestSimulationRun(t *testing.T) {
	defer leaktest.Check(t)()

	sim := makeTestSimulation(t, makeCluster(5, "raft"), WithMaxSimTime(30000))
	require.NoError(t, sim.Run())

	assert.Equal(t, int64(30000), sim.Clock().Now())
	leader := findLeader(t, sim)
	assert.Equal(t, Strong, leader.Consistency())
}

func TestSimulationRunIsDeterministic(t *testing.T) {
	run := func() *Replica {
		sim := makeTestSimulation(t, makeCluster(5, "raft"), WithMaxSimTime(30000))
		require.NoError(t, sim.Run())
		return findLeader(t, sim)
	}

	first, second := run(), run()
	assert.Equal(t, first.ID(), second.ID(), "the same seed elects the same leader")
}

func TestSerialize(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Nodes[1].AntiEntropyDelay = 1200
	sim := makeTestSimulation(t, topo)

	out := sim.Serialize()
	assert.Equal(t, "test cluster", out.Meta["title"])
	assert.Equal(t, int64(42), out.Meta["seed"])
	assert.Equal(t, "10-20ms", out.Meta[VariableConnection])

	require.Len(t, out.Nodes, 3)
	assert.Equal(t, 1, out.Nodes[1].ID)
	assert.Equal(t, int64(1200), out.Nodes[1].AntiEntropyDelay,
		"per-node timing overrides survive serialization")

	require.Len(t, out.Links, 3, "bidirectional connections serialize once per pair")
	for _, link := range out.Links {
		assert.Less(t, link.Source, link.Target)
		assert.Equal(t, VariableConnection, link.Connection)
		assert.Equal(t, [2]int64{10, 20}, link.Latency)
	}
}

func TestSerializeReloads(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	again, err := Load(sim.Serialize())
	require.NoError(t, err)
	assert.Equal(t, sim.Name(), again.Name())
	assert.Len(t, again.Replicas(), 3)
}
