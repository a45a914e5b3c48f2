package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/sms/registry"
	"github.com/spearproj/spear/pkg/types"
)

func TestPlaceFiltersStaleAndOfflineNodes(t *testing.T) {
	nodeStore := kv.NewMemoryStore()
	resourceStore := kv.NewMemoryStore()
	nodes := registry.NewNodeRegistry(nodeStore)
	resources := registry.NewResourceRegistry(resourceStore)

	now := time.Now()
	timeout := 30 * time.Second

	_, _, err := nodes.Register(types.Node{UUID: "A", Status: types.NodeStatusOnline, LastHeartbeat: now.Unix()})
	require.NoError(t, err)
	_, _, err = nodes.Register(types.Node{UUID: "B", Status: types.NodeStatusOnline, LastHeartbeat: now.Add(-10 * timeout).Unix()})
	require.NoError(t, err)
	_, _, err = nodes.Register(types.Node{UUID: "C", Status: types.NodeStatusOffline, LastHeartbeat: now.Unix()})
	require.NoError(t, err)

	for _, n := range []string{"A", "B", "C"} {
		require.NoError(t, resources.Update(types.NodeResource{NodeUUID: n, CPUUsagePercent: 10, MemoryUsagePercent: 10, NumCPU: 4}))
	}

	scorer := NewScorer(nodes, resources, DefaultWeights(), timeout)
	candidates, err := scorer.Place(10)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "A", candidates[0].NodeUUID)
}

func TestPlaceOrdersByScoreThenUUID(t *testing.T) {
	nodeStore := kv.NewMemoryStore()
	resourceStore := kv.NewMemoryStore()
	nodes := registry.NewNodeRegistry(nodeStore)
	resources := registry.NewResourceRegistry(resourceStore)

	now := time.Now().Unix()
	for _, n := range []string{"z", "y", "x"} {
		_, _, err := nodes.Register(types.Node{UUID: n, Status: types.NodeStatusOnline, LastHeartbeat: now})
		require.NoError(t, err)
	}

	require.NoError(t, resources.Update(types.NodeResource{NodeUUID: "z", CPUUsagePercent: 50, MemoryUsagePercent: 50, NumCPU: 4}))
	require.NoError(t, resources.Update(types.NodeResource{NodeUUID: "y", CPUUsagePercent: 10, MemoryUsagePercent: 10, NumCPU: 4}))
	require.NoError(t, resources.Update(types.NodeResource{NodeUUID: "x", CPUUsagePercent: 10, MemoryUsagePercent: 10, NumCPU: 4}))

	scorer := NewScorer(nodes, resources, DefaultWeights(), 30*time.Second)
	candidates, err := scorer.Place(10)
	require.NoError(t, err)

	require.Len(t, candidates, 3)
	assert.Equal(t, "x", candidates[0].NodeUUID)
	assert.Equal(t, "y", candidates[1].NodeUUID)
	assert.Equal(t, "z", candidates[2].NodeUUID)
}

func TestPlaceRespectsMaxCandidates(t *testing.T) {
	nodeStore := kv.NewMemoryStore()
	resourceStore := kv.NewMemoryStore()
	nodes := registry.NewNodeRegistry(nodeStore)
	resources := registry.NewResourceRegistry(resourceStore)

	now := time.Now().Unix()
	for _, n := range []string{"a", "b", "c"} {
		_, _, err := nodes.Register(types.Node{UUID: n, Status: types.NodeStatusOnline, LastHeartbeat: now})
		require.NoError(t, err)
		require.NoError(t, resources.Update(types.NodeResource{NodeUUID: n, NumCPU: 4}))
	}

	scorer := NewScorer(nodes, resources, DefaultWeights(), 30*time.Second)
	candidates, err := scorer.Place(2)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}
