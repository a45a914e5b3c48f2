package types

import (
	"sync"
	"time"
)

// InstanceState is a state in the Instance lifecycle.
type InstanceState string

const (
	InstanceStatePending   InstanceState = "pending"
	InstanceStateReady     InstanceState = "ready"
	InstanceStateRunning   InstanceState = "running"
	InstanceStateUnhealthy InstanceState = "unhealthy"
	InstanceStateStopping  InstanceState = "stopping"
	InstanceStateStopped   InstanceState = "stopped"
	InstanceStateError     InstanceState = "error"
)

// HealthState is the independent health axis tracked alongside InstanceState.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// InstanceConfig is the resolved runtime+resource configuration an Instance
// is created from: artifact limits and task overlay merged, plus the
// concurrency cap the Pool/Scheduler enforce against.
type InstanceConfig struct {
	RuntimeType           RuntimeType
	Environment           map[string]string
	Resources             ResourceLimits
	MaxConcurrentRequests int
	RuntimeSettings       map[string]string
}

// InstanceMetrics is the rolling set of counters an Instance exposes.
type InstanceMetrics struct {
	ActiveRequests       int64
	TotalRequests        int64
	AverageRequestTimeMs float64
	LastRequestAt        time.Time
	CreatedAt            time.Time
}

// Instance is one live addressable runtime tenant of a Task. All mutators
// are safe for concurrent callers; readers may observe stale values from a
// concurrent writer, which is acceptable.
type Instance struct {
	mu sync.Mutex

	ID     string
	TaskID string
	Config InstanceConfig

	status       InstanceState
	health       HealthState
	errorMessage string

	// RuntimeHandle is opaque to every layer above the owning Runtime
	// backend: PID+process-group, module hash+VM state, or Job name,
	// depending on RuntimeType.
	RuntimeHandle any

	Secret           string
	ListeningAddress string

	metrics            InstanceMetrics
	totalRequestTimeMs float64
}

// NewInstance constructs a Pending instance for the given task and config.
func NewInstance(id, taskID string, cfg InstanceConfig) *Instance {
	now := time.Now()
	return &Instance{
		ID:     id,
		TaskID: taskID,
		Config: cfg,
		status: InstanceStatePending,
		health: HealthUnknown,
		metrics: InstanceMetrics{
			CreatedAt: now,
		},
	}
}

// Status returns the current lifecycle state.
func (i *Instance) Status() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// HealthStatus returns the current health axis.
func (i *Instance) HealthStatus() HealthState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health
}

// ErrorMessage returns the message attached by the last SetStatus(Error, msg).
func (i *Instance) ErrorMessage() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errorMessage
}

// validTransitions enumerates the state machine edges.
var validTransitions = map[InstanceState]map[InstanceState]bool{
	InstanceStatePending:   {InstanceStateReady: true, InstanceStateError: true},
	InstanceStateReady:     {InstanceStateRunning: true, InstanceStateError: true, InstanceStateStopping: true},
	InstanceStateRunning:   {InstanceStateUnhealthy: true, InstanceStateStopping: true, InstanceStateError: true},
	InstanceStateUnhealthy: {InstanceStateRunning: true, InstanceStateStopping: true, InstanceStateError: true},
	InstanceStateStopping:  {InstanceStateStopped: true},
	InstanceStateStopped:   {},
	InstanceStateError:     {InstanceStateStopping: true, InstanceStateStopped: true},
}

// SetStatus transitions the instance to newState. An invalid transition is
// a no-op that returns false; Stopped is terminal. msg is only recorded for
// the Error state.
func (i *Instance) SetStatus(newState InstanceState, msg string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == newState {
		return true
	}
	edges, ok := validTransitions[i.status]
	if !ok || !edges[newState] {
		return false
	}
	i.status = newState
	if newState == InstanceStateError {
		i.errorMessage = msg
	}
	return true
}

// RecordHealthCheck updates the health axis, moving a Running instance to
// Unhealthy on failure and restoring it to Running on recovery.
// It never removes the instance; only the autoscaler/cleanup loops do that.
func (i *Instance) RecordHealthCheck(healthy bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if healthy {
		i.health = HealthHealthy
		if i.status == InstanceStateUnhealthy {
			i.status = InstanceStateRunning
		}
		return
	}
	i.health = HealthUnhealthy
	if i.status == InstanceStateRunning {
		i.status = InstanceStateUnhealthy
	}
}

// IsReady reports status==Running && health==Healthy.
func (i *Instance) IsReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == InstanceStateRunning && i.health == HealthHealthy
}

// IsAtCapacity reports active_requests >= max_concurrent_requests.
func (i *Instance) IsAtCapacity() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.atCapacityLocked()
}

func (i *Instance) atCapacityLocked() bool {
	if i.Config.MaxConcurrentRequests <= 0 {
		return false
	}
	return i.metrics.ActiveRequests >= int64(i.Config.MaxConcurrentRequests)
}

// GetLoad returns active_requests / max_concurrent_requests, 0 if the cap is unset.
func (i *Instance) GetLoad() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Config.MaxConcurrentRequests <= 0 {
		return 0
	}
	return float64(i.metrics.ActiveRequests) / float64(i.Config.MaxConcurrentRequests)
}

// IsIdle reports whether no request started or completed within d and no
// request is currently active.
func (i *Instance) IsIdle(d time.Duration, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.metrics.ActiveRequests != 0 {
		return false
	}
	if i.metrics.LastRequestAt.IsZero() {
		return now.Sub(i.metrics.CreatedAt) >= d
	}
	return now.Sub(i.metrics.LastRequestAt) >= d
}

// GetMetrics returns a snapshot of the instance's metrics.
func (i *Instance) GetMetrics() InstanceMetrics {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.metrics
}

// RecordRequestStart increments ActiveRequests and returns false if the
// instance was already at capacity (the caller should not have dispatched).
func (i *Instance) RecordRequestStart(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.atCapacityLocked() {
		return false
	}
	i.metrics.ActiveRequests++
	i.metrics.LastRequestAt = now
	return true
}

// RecordRequestCompletion decrements ActiveRequests, bumps TotalRequests and
// recomputes the rolling average request time.
func (i *Instance) RecordRequestCompletion(durationMs float64, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.metrics.ActiveRequests > 0 {
		i.metrics.ActiveRequests--
	}
	i.metrics.TotalRequests++
	i.totalRequestTimeMs += durationMs
	i.metrics.AverageRequestTimeMs = i.totalRequestTimeMs / float64(i.metrics.TotalRequests)
	i.metrics.LastRequestAt = now
}
