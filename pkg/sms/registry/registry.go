// Package registry implements the SMS-side node registry: a typed
// wrapper over pkg/kv.Store offering register/update/remove/list/heartbeat
// operations with best-effort, TTL-based consistency. There is no consensus
// layer here — two SMS replicas racing on the same key is out of scope.
package registry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/metrics"
	"github.com/spearproj/spear/pkg/types"
)

const nodePrefix = "node:"

func nodeKey(uuid string) string { return nodePrefix + uuid }

// NodeRegistry tracks every Spearlet node known to the SMS.
type NodeRegistry struct {
	store  kv.Store
	logger zerolog.Logger
}

// NewNodeRegistry wraps store.
func NewNodeRegistry(store kv.Store) *NodeRegistry {
	return &NodeRegistry{store: store, logger: log.WithComponent("node-registry")}
}

// Register stores a brand-new node. Registering an already-known uuid
// always fails with a conflict message, regardless of the existing
// entry's status: a node that crashed and needs to re-register gets
// there via CleanupUnhealthy removing its stale entry first, not via
// Register silently overwriting it.
func (r *NodeRegistry) Register(node types.Node) (bool, string, error) {
	found, err := r.store.Exists(nodeKey(node.UUID))
	if err != nil {
		return false, "", errors.Wrap(errors.IoError, "failed to read existing node", err)
	}

	if found {
		return false, fmt.Sprintf("node %s already registered", node.UUID), nil
	}

	if err := kv.PutRecord(r.store, nodeKey(node.UUID), node); err != nil {
		return false, "", errors.Wrap(errors.IoError, "failed to store node", err)
	}

	metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	r.logger.Info().Str("node_uuid", node.UUID).Msg("node registered")
	return true, "registered", nil
}

// Get fetches a node by uuid.
func (r *NodeRegistry) Get(uuid string) (types.Node, bool, error) {
	var node types.Node
	found, err := kv.GetRecord(r.store, nodeKey(uuid), &node)
	if err != nil {
		return types.Node{}, false, errors.Wrap(errors.IoError, "failed to read node", err)
	}
	return node, found, nil
}

// Heartbeat updates last_heartbeat for an existing node. Not-found is fatal:
// the caller should treat a NotFound error as a signal to run Register
// again.
func (r *NodeRegistry) Heartbeat(uuid string, timestamp int64) error {
	var node types.Node
	found, err := kv.GetRecord(r.store, nodeKey(uuid), &node)
	if err != nil {
		return errors.Wrap(errors.IoError, "failed to read node", err)
	}
	if !found {
		return errors.NewNotFound("node", uuid)
	}

	node.LastHeartbeat = timestamp
	node.Status = types.NodeStatusOnline
	if err := kv.PutRecord(r.store, nodeKey(uuid), node); err != nil {
		return errors.Wrap(errors.IoError, "failed to store node", err)
	}
	return nil
}

// Remove deletes a node entirely, then best-effort deletes its resource
// snapshot from the same store.
func (r *NodeRegistry) Remove(uuid string) error {
	if err := r.store.Delete(nodeKey(uuid)); err != nil {
		return errors.Wrap(errors.IoError, "failed to delete node", err)
	}
	if err := NewResourceRegistry(r.store).Remove(uuid); err != nil {
		r.logger.Warn().Err(err).Str("node_uuid", uuid).Msg("failed to delete resource snapshot")
	}
	r.logger.Info().Str("node_uuid", uuid).Msg("node removed")
	return nil
}

// List returns every registered node.
func (r *NodeRegistry) List() ([]types.Node, error) {
	entries, err := r.store.ScanPrefix(nodePrefix)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "failed to scan nodes", err)
	}
	nodes := make([]types.Node, 0, len(entries))
	for _, e := range entries {
		var n types.Node
		if err := kv.Decode(e.Value, &n); err != nil {
			return nil, errors.Wrap(errors.SerializationError, "failed to decode node", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ListByStatus returns every node currently in status.
func (r *NodeRegistry) ListByStatus(status types.NodeStatus) ([]types.Node, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []types.Node
	for _, n := range all {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

// IsStale reports whether node's last heartbeat is older than timeout,
// relative to now. This is the staleness filter the placement scorer
// applies.
func IsStale(node types.Node, now time.Time, timeout time.Duration) bool {
	last := time.Unix(node.LastHeartbeat, 0)
	return now.Sub(last) > timeout
}

// CleanupUnhealthy removes every node whose last heartbeat is older than
// timeout and returns how many were removed. Stale entries are deleted
// directly; their status is not changed first.
func (r *NodeRegistry) CleanupUnhealthy(timeout time.Duration) (int, error) {
	nodes, err := r.List()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, n := range nodes {
		if !IsStale(n, now, timeout) {
			continue
		}
		if err := r.Remove(n.UUID); err != nil {
			r.logger.Error().Err(err).Str("node_uuid", n.UUID).Msg("failed to remove stale node")
			continue
		}
		metrics.NodesCleanedUpTotal.Inc()
		removed++
	}
	return removed, nil
}
