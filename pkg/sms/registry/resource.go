package registry

import (
	"time"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/types"
)

const resourcePrefix = "resource:"

func resourceKey(nodeUUID string) string { return resourcePrefix + nodeUUID }

// ResourceRegistry tracks the most recently reported load snapshot for each
// node, stored separately from NodeRegistry since it changes on every
// UpdateNodeResource call rather than only on register/heartbeat.
type ResourceRegistry struct {
	store kv.Store
}

// NewResourceRegistry wraps store.
func NewResourceRegistry(store kv.Store) *ResourceRegistry {
	return &ResourceRegistry{store: store}
}

// Update overwrites the stored snapshot for resource.NodeUUID.
func (r *ResourceRegistry) Update(resource types.NodeResource) error {
	if err := kv.PutRecord(r.store, resourceKey(resource.NodeUUID), resource); err != nil {
		return errors.Wrap(errors.IoError, "failed to store resource snapshot", err)
	}
	return nil
}

// Get fetches the latest snapshot for a node.
func (r *ResourceRegistry) Get(nodeUUID string) (types.NodeResource, bool, error) {
	var res types.NodeResource
	found, err := kv.GetRecord(r.store, resourceKey(nodeUUID), &res)
	if err != nil {
		return types.NodeResource{}, false, errors.Wrap(errors.IoError, "failed to read resource snapshot", err)
	}
	return res, found, nil
}

// Remove deletes a node's stored snapshot, called alongside NodeRegistry.Remove.
func (r *ResourceRegistry) Remove(nodeUUID string) error {
	if err := r.store.Delete(resourceKey(nodeUUID)); err != nil {
		return errors.Wrap(errors.IoError, "failed to delete resource snapshot", err)
	}
	return nil
}

// ClusterStatsFor aggregates the current node registry plus resource registry
// into a point-in-time summary.
func ClusterStatsFor(nodes []types.Node, resources *ResourceRegistry, highLoadCPU, highLoadMem float64) (types.ClusterStats, error) {
	stats := types.ClusterStats{
		NodesByStatus: make(map[types.NodeStatus]int),
	}

	var cpuSum, memSum float64
	var withResource int

	for _, n := range nodes {
		stats.TotalNodes++
		stats.NodesByStatus[n.Status]++

		res, found, err := resources.Get(n.UUID)
		if err != nil {
			return types.ClusterStats{}, err
		}
		if !found {
			continue
		}

		withResource++
		cpuSum += res.CPUUsagePercent
		memSum += res.MemoryUsagePercent
		stats.TotalMemoryBytes += res.MemoryTotalBytes
		stats.TotalDiskBytes += res.DiskTotalBytes

		if res.CPUUsagePercent >= highLoadCPU || res.MemoryUsagePercent >= highLoadMem {
			stats.HighLoadNodes++
		}
	}

	if withResource > 0 {
		stats.AverageCPUPercent = cpuSum / float64(withResource)
		stats.AverageMemoryPercent = memSum / float64(withResource)
	}

	return stats, nil
}

// Stale reports whether a resource snapshot is older than timeout.
func Stale(res types.NodeResource, now time.Time, timeout time.Duration) bool {
	return now.Sub(time.Unix(res.UpdatedAt, 0)) > timeout
}
