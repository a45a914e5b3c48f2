package pool

import (
	"math/rand"
	"sync/atomic"

	"github.com/spearproj/spear/pkg/types"
)

// Policy selects one instance from a slice of already-filtered candidates
// (healthy, ready, not at capacity). A nil return means none of the
// candidates is usable right now. Ties within a policy are broken by
// insertion order, i.e. by the candidates' position in the slice.
type Policy interface {
	Name() string
	Select(candidates []*types.Instance) *types.Instance
}

// roundRobin cycles through candidates using a counter shared across calls,
// so repeated selections over a stable candidate set visit every instance
// in turn.
type roundRobin struct {
	counter uint64
}

func NewRoundRobin() Policy { return &roundRobin{} }

func (p *roundRobin) Name() string { return "round_robin" }

func (p *roundRobin) Select(candidates []*types.Instance) *types.Instance {
	if len(candidates) == 0 {
		return nil
	}
	n := atomic.AddUint64(&p.counter, 1) - 1
	return candidates[n%uint64(len(candidates))]
}

// leastConnections picks the candidate with the fewest active requests.
type leastConnections struct{}

func NewLeastConnections() Policy { return &leastConnections{} }

func (p *leastConnections) Name() string { return "least_connections" }

func (p *leastConnections) Select(candidates []*types.Instance) *types.Instance {
	var best *types.Instance
	var bestActive int64 = -1
	for _, inst := range candidates {
		active := inst.GetMetrics().ActiveRequests
		if bestActive == -1 || active < bestActive {
			best = inst
			bestActive = active
		}
	}
	return best
}

// leastResponseTime picks the candidate with the lowest rolling average
// request time.
type leastResponseTime struct{}

func NewLeastResponseTime() Policy { return &leastResponseTime{} }

func (p *leastResponseTime) Name() string { return "least_response_time" }

func (p *leastResponseTime) Select(candidates []*types.Instance) *types.Instance {
	var best *types.Instance
	bestAvg := -1.0
	for _, inst := range candidates {
		avg := inst.GetMetrics().AverageRequestTimeMs
		if bestAvg < 0 || avg < bestAvg {
			best = inst
			bestAvg = avg
		}
	}
	return best
}

// weightedRoundRobin weights each candidate by its MaxConcurrentRequests and
// walks the cumulative-weight space keyed by a shared counter, falling back
// to plain round robin when every candidate's weight is zero.
type weightedRoundRobin struct {
	counter uint64
	rr      Policy
}

func NewWeightedRoundRobin() Policy {
	return &weightedRoundRobin{rr: NewRoundRobin()}
}

func (p *weightedRoundRobin) Name() string { return "weighted_round_robin" }

func (p *weightedRoundRobin) Select(candidates []*types.Instance) *types.Instance {
	if len(candidates) == 0 {
		return nil
	}

	totalWeight := 0
	weights := make([]int, len(candidates))
	for i, inst := range candidates {
		w := inst.Config.MaxConcurrentRequests
		if w < 0 {
			w = 0
		}
		weights[i] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		return p.rr.Select(candidates)
	}

	n := atomic.AddUint64(&p.counter, 1) - 1
	target := int(n % uint64(totalWeight))
	cumulative := 0
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// resourceBased picks the candidate with the lowest GetLoad() (active
// requests relative to its own concurrency cap).
type resourceBased struct{}

func NewResourceBased() Policy { return &resourceBased{} }

func (p *resourceBased) Name() string { return "resource_based" }

func (p *resourceBased) Select(candidates []*types.Instance) *types.Instance {
	var best *types.Instance
	bestLoad := -1.0
	for _, inst := range candidates {
		load := inst.GetLoad()
		if bestLoad < 0 || load < bestLoad {
			best = inst
			bestLoad = load
		}
	}
	return best
}

// random picks uniformly among the candidates.
type random struct{}

func NewRandom() Policy { return &random{} }

func (p *random) Name() string { return "random" }

func (p *random) Select(candidates []*types.Instance) *types.Instance {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// ByName resolves one of the six selection policies by its configuration
// name, for wiring from config.Spearlet.
func ByName(name string) Policy {
	switch name {
	case "least_connections":
		return NewLeastConnections()
	case "least_response_time":
		return NewLeastResponseTime()
	case "weighted_round_robin":
		return NewWeightedRoundRobin()
	case "resource_based":
		return NewResourceBased()
	case "random":
		return NewRandom()
	default:
		return NewRoundRobin()
	}
}
