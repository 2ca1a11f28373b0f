package replsim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeMultiSiteCluster builds a fully connected topology with count nodes in
// each of two locations, so area allocation has both local and wide links.
func makeMultiSiteCluster(count int) *Topology {
	topo := &Topology{Meta: Meta{"title": "multi site cluster"}}
	total := 2 * count
	for i := 0; i < total; i++ {
		location := CloudLocation
		if i >= count {
			location = HomeLocation
		}
		topo.Nodes = append(topo.Nodes, Node{
			ID:          i,
			Label:       fmt.Sprintf("node-%d", i),
			Location:    location,
			Consistency: "eventual",
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

func TestApplyOutagesTogglesConnection(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	source := sim.ReplicaByID("node-0")
	target := sim.ReplicaByID("node-1")
	forward := sim.Network().Connection(source, target)
	backward := sim.Network().Connection(target, source)

	require.NoError(t, sim.ApplyOutages([]OutageEvent{
		{Timestep: 100, State: Offline, Source: "node-0", Target: "node-1"},
		{Timestep: 250, State: Online, Source: "node-0", Target: "node-1"},
	}))

	require.NoError(t, sim.Clock().Run(150))
	assert.False(t, forward.Online())
	assert.True(t, backward.Online(), "outage events are directional")

	require.NoError(t, sim.Clock().Run(300))
	assert.True(t, forward.Online())
}

func TestApplyOutagesRejectsUnorderedEvents(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	err := sim.ApplyOutages([]OutageEvent{
		{Timestep: 200, State: Offline, Source: "node-0", Target: "node-1"},
		{Timestep: 100, State: Online, Source: "node-0", Target: "node-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")
}

func TestApplyOutagesRejectsUnknownState(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	err := sim.ApplyOutages([]OutageEvent{
		{Timestep: 100, State: "flaky", Source: "node-0", Target: "node-1"},
	})

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "flaky", unknown.Value)
}

func TestApplyOutagesRejectsUnknownReplica(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	err := sim.ApplyOutages([]OutageEvent{
		{Timestep: 100, State: Offline, Source: "node-0", Target: "node-9"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown replicas")
}

func TestApplyOutagesRejectsMissingConnection(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Links = []Link{topo.Links[0], topo.Links[2]}
	sim := makeTestSimulation(t, topo)

	err := sim.ApplyOutages([]OutageEvent{
		{Timestep: 100, State: Offline, Source: "node-0", Target: "node-2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing connection")
}

func TestNewOutagesSingleLocation(t *testing.T) {
	// One location means every connection is local area.
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	conf := DefaultOutageConfig()
	conf.PartitionAcross = LocalOutage
	generators, err := NewOutages(sim, conf)
	require.NoError(t, err)
	require.Len(t, generators, 1)
	assert.Len(t, generators[0].Connections(), 6)
	assert.Equal(t, Online, generators[0].State())

	conf.PartitionAcross = WideOutage
	generators, err = NewOutages(sim, conf)
	require.NoError(t, err)
	assert.Empty(t, generators, "no wide area connections to partition")

	conf.PartitionAcross = NodeOutage
	generators, err = NewOutages(sim, conf)
	require.NoError(t, err)
	require.Len(t, generators, 3)
	for _, generator := range generators {
		assert.Len(t, generator.Connections(), 2)
	}
}

func TestNewOutagesAcrossLocations(t *testing.T) {
	sim := makeTestSimulation(t, makeMultiSiteCluster(2))

	conf := DefaultOutageConfig()
	conf.PartitionAcross = WideOutage
	generators, err := NewOutages(sim, conf)
	require.NoError(t, err)
	require.Len(t, generators, 2, "one wide area group per location")
	for _, generator := range generators {
		assert.Len(t, generator.Connections(), 4)
	}

	conf.PartitionAcross = LocalOutage
	generators, err = NewOutages(sim, conf)
	require.NoError(t, err)
	require.Len(t, generators, 2)
	for _, generator := range generators {
		assert.Len(t, generator.Connections(), 2)
	}

	conf.PartitionAcross = BothOutage
	generators, err = NewOutages(sim, conf)
	require.NoError(t, err)
	assert.Len(t, generators, 4)
}

func TestNewOutagesUnknownPartition(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	conf := DefaultOutageConfig()
	conf.PartitionAcross = "regional"
	_, err := NewOutages(sim, conf)

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "regional", unknown.Value)
}

func TestOutageGeneratorTakesGroupOffline(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	conf := OutageConfig{
		PartitionAcross: LocalOutage,
		OutageProb:      1.0,
		OutageMean:      50,
		OnlineMean:      100,
	}
	generators, err := NewOutages(sim, conf)
	require.NoError(t, err)
	require.Len(t, generators, 1)
	generator := generators[0]
	generator.Start()

	// A zero stddev makes the periods exact: the online period ends at 100
	// and a certain outage probability takes everything down.
	require.NoError(t, sim.Clock().Run(99))
	assert.Equal(t, Online, generator.State())

	require.NoError(t, sim.Clock().Run(100))
	assert.Equal(t, Offline, generator.State())
	for _, conn := range generator.Connections() {
		assert.False(t, conn.Online())
	}

	// The generator reschedules itself for the outage period.
	require.NoError(t, sim.Clock().Run(150))
	assert.Equal(t, 1, sim.Clock().Pending())
}

func TestOutageGeneratorStaysOnline(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))

	conf := OutageConfig{
		PartitionAcross: LocalOutage,
		OutageProb:      0.0,
		OutageMean:      50,
		OnlineMean:      100,
	}
	generators, err := NewOutages(sim, conf)
	require.NoError(t, err)
	generator := generators[0]
	generator.Start()

	require.NoError(t, sim.Clock().Run(500))
	assert.Equal(t, Online, generator.State())
	for _, conn := range generator.Connections() {
		assert.True(t, conn.Online())
	}
}
