package replsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceCountersArePerObject(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	alpha := sim.namespace.Create("alpha", writer)
	bravo := sim.namespace.Create("bravo", writer)

	assert.Equal(t, uint64(1), alpha.Number())
	assert.Equal(t, uint64(1), bravo.Number(), "each object has its own version sequence")

	alpha2 := alpha.NextV(writer)
	assert.Equal(t, uint64(2), alpha2.Number())
	assert.Equal(t, uint64(2), sim.namespace.Latest("alpha"))
	assert.Equal(t, uint64(1), sim.namespace.Latest("bravo"))
}

func TestVersionTreeStructure(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	root := sim.namespace.Create("alpha", writer)
	child := root.NextV(writer)

	assert.Nil(t, root.Parent())
	assert.Equal(t, root, child.Parent())
	assert.Equal(t, []*Version{child}, root.Children())
	assert.Equal(t, writer, child.Writer())
}

func TestVersionStaleWriteRecorded(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	root := sim.namespace.Create("alpha", writer)
	root.NextV(writer)
	assert.Equal(t, 0, metrics.Count("stale writes"))

	// root is now stale; deriving from it again is a stale write.
	root.NextV(writer)
	assert.Equal(t, 1, metrics.Count("stale writes"))
}

func TestVersionForkDetection(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	root := sim.namespace.Create("alpha", writer)
	left := root.NextV(writer)
	assert.False(t, root.IsForked())

	right := root.Fork(writer)
	assert.True(t, root.IsForked())

	// Dropping one branch's access unforks the parent.
	right.Access().Drop()
	assert.False(t, root.IsForked())
	assert.False(t, left.Access().IsDropped())
}

func TestVersionVisibility(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	version := sim.namespace.Create("alpha", writer)
	assert.False(t, version.IsVisible(), "a fresh version is only on its writer")

	for _, replica := range sim.Replicas() {
		version.Update(replica, false)
	}
	assert.True(t, version.IsVisible())
	assert.Equal(t, 1, metrics.Count("visibility latency"))

	// Updates from known replicas are idempotent.
	version.Update(writer, false)
	assert.Equal(t, 1, metrics.Count("visibility latency"))
}

func TestVersionCommitOnce(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]
	metrics := memoryMetrics(t, sim)

	version := sim.namespace.Create("alpha", writer)
	require.False(t, version.IsCommitted())

	version.Update(writer, true)
	assert.True(t, version.IsCommitted())
	assert.Equal(t, 1, metrics.Count("commit latency"))

	version.Update(writer, true)
	assert.Equal(t, 1, metrics.Count("commit latency"), "commit latency is recorded once")
}

func TestVersionForteOrdering(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	v1 := sim.namespace.Create("alpha", writer)
	v2 := v1.NextV(writer)

	assert.True(t, v1.Less(v2))
	assert.False(t, v2.Less(v1))
	assert.Equal(t, 0, v1.Compare(v1))

	// A forte ranking outranks a higher version number.
	v1.SetForte(1)
	assert.True(t, v2.Less(v1))

	// Nil orders first.
	assert.Equal(t, 1, v1.Compare(nil))
}

func TestVersionForteRequiresStrongReplica(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	version := sim.namespace.Create("alpha", writer)
	err := version.UpdateForte(writer)
	require.Error(t, err, "eventual replicas may not rank versions")

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestVersionForteSequence(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "strong"))
	writer := sim.Replicas()[0]

	v1 := sim.namespace.Create("alpha", writer)
	v2 := v1.NextV(writer)

	require.NoError(t, v1.UpdateForte(writer))
	require.NoError(t, v2.UpdateForte(writer))
	assert.Equal(t, uint64(1), v1.Forte())
	assert.Equal(t, uint64(2), v2.Forte())
}

func TestVersionEqual(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	root := sim.namespace.Create("alpha", writer)
	child := root.NextV(writer)

	assert.True(t, root.Equal(root))
	assert.True(t, child.Equal(child))
	assert.False(t, root.Equal(child))
	assert.False(t, child.Equal(nil))
}

func TestVersionString(t *testing.T) {
	sim := makeTestSimulation(t, makeCluster(3, "eventual"))
	writer := sim.Replicas()[0]

	root := sim.namespace.Create("alpha", writer)
	child := root.NextV(writer)

	assert.Equal(t, "root->alpha.1", root.String())
	assert.Equal(t, "alpha.1->alpha.2", child.String())

	child.SetForte(3)
	assert.Equal(t, "alpha.1->alpha.2.3", child.String())
}
