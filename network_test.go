package replsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddConnectionDefaults(t *testing.T) {
	topo := makeCluster(2, "eventual")
	topo.Nodes[1].Location = HomeLocation
	topo.Links[0].Connection = ""
	topo.Links[0].Latency = [2]int64{0, 0}

	sim := makeTestSimulation(t, topo)
	conn := sim.Network().Connection(sim.Replicas()[0], sim.Replicas()[1])
	require.NotNil(t, conn)

	assert.Equal(t, ConstantConnection, conn.Kind())
	assert.Equal(t, WideArea, conn.Area(), "differing locations imply a wide area connection")
	assert.True(t, conn.Online())

	delay, err := conn.Latency()
	require.NoError(t, err)
	assert.Equal(t, sim.Config().DefaultLatency, delay)
}

func TestConnectionsAreBidirectionalAndIndependent(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(2, "eventual"))
	a, b := sim.Replicas()[0], sim.Replicas()[1]

	forward := sim.Network().Connection(a, b)
	backward := sim.Network().Connection(b, a)
	require.NotNil(t, forward)
	require.NotNil(t, backward)

	forward.Down()
	assert.False(t, forward.Online())
	assert.True(t, backward.Online(), "each direction fails independently")
}

func TestVariableLatencyWithinBounds(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(2, "eventual"))
	conn := sim.Network().Connection(sim.Replicas()[0], sim.Replicas()[1])

	for i := 0; i < 100; i++ {
		delay, err := conn.Latency()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, delay, int64(10))
		assert.LessOrEqual(t, delay, int64(20))
	}
}

func TestNormalLatencyIsPositive(t *testing.T) {
	topo := makeCluster(2, "eventual")
	topo.Links[0].Connection = NormalConnection
	topo.Links[0].Latency = [2]int64{5, 10}

	sim := makeTestSimulation(t, topo)
	conn := sim.Network().Connection(sim.Replicas()[0], sim.Replicas()[1])

	// Mean 5 stddev 10 frequently samples below one; those samples must be
	// redrawn rather than clamped.
	for i := 0; i < 200; i++ {
		delay, err := conn.Latency()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, delay, int64(1))
	}
}

func TestOfflineConnectionRefusesMessages(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(2, "eventual"))
	conn := sim.Network().Connection(sim.Replicas()[0], sim.Replicas()[1])

	conn.Down()
	_, err := conn.Latency()
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	conn.Up()
	_, err = conn.Latency()
	require.NoError(t, err)
}

func TestNetworkSendSchedulesDelivery(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(2, "eventual"))
	source, target := sim.Replicas()[0], sim.Replicas()[1]

	access, err := source.Write("alpha")
	require.NoError(t, err)

	event, err := sim.Network().Send(source, target, &Rumor{Access: access})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, event.Time(), int64(10))
	assert.LessOrEqual(t, event.Time(), int64(20))
	assert.Equal(t, 1, sim.Clock().Pending())
}

func TestLatencyRanges(t *testing.T) {
	topo := makeCluster(3, "eventual")
	topo.Links[0].Connection = ConstantConnection
	topo.Links[0].Latency = [2]int64{800, 800}

	sim := makeTestSimulation(t, topo)
	ranges := sim.Network().LatencyRanges()

	assert.Equal(t, [2]int64{800, 800}, ranges[ConstantConnection])
	assert.Equal(t, [2]int64{10, 20}, ranges[VariableConnection])
}

func TestComputeTick(t *testing.T) {
	topo := makeCluster(2, "eventual")
	topo.Links[0].Connection = ConstantConnection
	topo.Links[0].Latency = [2]int64{100, 100}

	sim := makeTestSimulation(t, topo)

	tick, err := sim.Network().ComputeTick(HowardModel, MeanEstimator)
	require.NoError(t, err)
	assert.Equal(t, 200.0, tick, "howard tick is 2(mu + 2sd) and constant links have no deviation")

	tick, err = sim.Network().ComputeTick(BailisModel, MaxEstimator)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, tick, "bailis tick is 10mu")

	_, err = sim.Network().ComputeTick("unknown", MeanEstimator)
	require.Error(t, err)
	_, err = sim.Network().ComputeTick(HowardModel, "unknown")
	require.Error(t, err)
}
