package replsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessCompleteRecordsLatency(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	access, err := replica.Write("alpha")
	require.NoError(t, err)

	assert.True(t, access.IsCompleted(), "eventual writes complete immediately")
	assert.False(t, access.IsDropped())
	assert.Equal(t, 1, metrics.Count("write latency"))
	assert.Equal(t, int64(0), access.Latency())
}

func TestAccessDoubleCompleteIsError(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]

	access, err := replica.Write("alpha")
	require.NoError(t, err)

	err = access.Complete()
	require.Error(t, err)

	var accessErr *AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, "complete", accessErr.Op)
}

func TestAccessCompleteAfterDropIsError(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]

	access := newAccess(WriteAccess, "alpha", replica)
	access.Drop()

	err := access.Complete()
	require.Error(t, err)
}

func TestAccessCompleteWithoutVersionIsError(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]

	access := newAccess(ReadAccess, "alpha", replica)
	require.Error(t, access.Complete())
}

func TestAccessEmptyRead(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	access, err := replica.Read("alpha")
	require.NoError(t, err)

	assert.True(t, access.IsDropped())
	assert.Equal(t, 1, metrics.Count("empty reads"))
	assert.Equal(t, 0, metrics.Count("missed reads"),
		"a read before any write is empty, not missed")
}

func TestAccessDroppedWriteMetrics(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	access := newAccess(WriteAccess, "alpha", replica)
	access.Drop()

	assert.True(t, access.IsDropped())
	assert.Equal(t, 1, metrics.Count("dropped writes"))
	assert.Equal(t, 1, metrics.Count("dropped write latency"))
}

func TestAccessDropIsTerminal(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	access := newAccess(WriteAccess, "alpha", replica)
	access.Drop()
	access.Drop()
	assert.Equal(t, 1, metrics.Count("dropped writes"),
		"a write dropped again across gossip rounds counts once")

	completed, err := replica.Write("bravo")
	require.NoError(t, err)
	completed.Drop()
	assert.True(t, completed.IsCompleted())
	assert.False(t, completed.IsDropped(), "a completed access cannot be dropped")
	assert.Equal(t, 1, metrics.Count("dropped writes"))
}

func TestAccessLocality(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	owner, other := sim.Replicas()[0], sim.Replicas()[1]

	access := newAccess(WriteAccess, "alpha", owner)
	assert.True(t, access.IsLocalTo(owner))
	assert.False(t, access.IsLocalTo(other))
	assert.True(t, access.IsRemoteTo(other))
}

func TestStaleReadRecorded(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	_, err := replica.Write("alpha")
	require.NoError(t, err)

	// Issue a newer version elsewhere in the namespace so the replica's
	// local latest becomes stale.
	latest := sim.namespace.Latest("alpha")
	sim.namespace.Create("alpha", sim.Replicas()[1])
	require.Greater(t, sim.namespace.Latest("alpha"), latest)

	_, err = replica.Read("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Count("stale reads"))
}

func TestWriteEmptyObjectNameIsError(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	replica := sim.Replicas()[0]

	_, err := replica.Write("")
	require.Error(t, err)
	_, err = replica.Read("")
	require.Error(t, err)
}
