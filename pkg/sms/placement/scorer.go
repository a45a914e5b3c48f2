// Package placement implements PlaceInvocation: filtering the node registry
// down to healthy candidates and ranking them by a weighted score of
// reported load.
package placement

import (
	"sort"
	"strconv"
	"time"

	"github.com/spearproj/spear/pkg/metrics"
	"github.com/spearproj/spear/pkg/sms/registry"
	"github.com/spearproj/spear/pkg/types"
)

// Weights are the scoring coefficients for cpu/memory/load (defaults
// 0.4/0.4/0.2).
type Weights struct {
	CPU    float64
	Memory float64
	Load   float64
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{CPU: 0.4, Memory: 0.4, Load: 0.2}
}

// Scorer ranks nodes for placement.
type Scorer struct {
	nodes     *registry.NodeRegistry
	resources *registry.ResourceRegistry
	weights   Weights
	heartbeatTimeout time.Duration
}

// NewScorer builds a Scorer over the given registries.
func NewScorer(nodes *registry.NodeRegistry, resources *registry.ResourceRegistry, weights Weights, heartbeatTimeout time.Duration) *Scorer {
	return &Scorer{nodes: nodes, resources: resources, weights: weights, heartbeatTimeout: heartbeatTimeout}
}

// filterSchedulable keeps only online nodes with a fresh heartbeat (S4:
// offline nodes are filtered by status, stale nodes by heartbeat age).
func (s *Scorer) filterSchedulable(nodes []types.Node, now time.Time) []types.Node {
	var out []types.Node
	for _, n := range nodes {
		if n.Status != types.NodeStatusOnline {
			continue
		}
		if registry.IsStale(n, now, s.heartbeatTimeout) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// score computes a node's placement score: lower resource usage scores
// higher, in [0, 1]. A node with no reported resource snapshot yet scores
// the minimum (it is schedulable but least preferred, since the spec gives
// no basis to prefer it).
func (s *Scorer) score(node types.Node, now time.Time) (float64, map[string]string) {
	res, found, err := s.resources.Get(node.UUID)
	reason := make(map[string]string)
	if err != nil || !found {
		reason["resource"] = "unknown"
		return 0, reason
	}

	cpuScore := clamp01(1 - res.CPUUsagePercent/100)
	memScore := clamp01(1 - res.MemoryUsagePercent/100)

	loadScore := 1.0
	if res.NumCPU > 0 {
		normalizedLoad := res.Load1 / float64(res.NumCPU)
		loadScore = clamp01(1 - normalizedLoad)
	}

	total := s.weights.CPU*cpuScore + s.weights.Memory*memScore + s.weights.Load*loadScore

	reason["cpu_usage_percent"] = formatFloat(res.CPUUsagePercent)
	reason["memory_usage_percent"] = formatFloat(res.MemoryUsagePercent)
	reason["load1"] = formatFloat(res.Load1)

	return total, reason
}

// Place ranks every schedulable node and returns up to maxCandidates,
// best-first, ties broken by node uuid so ordering stays deterministic
// given identical inputs.
func (s *Scorer) Place(maxCandidates int) ([]types.PlacementCandidate, error) {
	metrics.PlacementRequestsTotal.Inc()

	nodes, err := s.nodes.List()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	schedulable := s.filterSchedulable(nodes, now)

	candidates := make([]types.PlacementCandidate, 0, len(schedulable))
	for _, n := range schedulable {
		score, reason := s.score(n, now)
		candidates = append(candidates, types.PlacementCandidate{
			NodeUUID: n.UUID,
			Score:    score,
			Reason:   reason,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].NodeUUID < candidates[j].NodeUUID
	})

	if maxCandidates > 0 && len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	metrics.PlacementCandidatesReturned.Observe(float64(len(candidates)))
	return candidates, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
