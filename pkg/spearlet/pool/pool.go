// Package pool implements the per-task Instance Pool and its Scheduler:
// instance selection via a pluggable policy, autoscaling, idle cleanup, and
// the metrics the Execution Manager folds into its own stats.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/types"
)

// maxScalingDecisions bounds the per-task audit log so autoscaling stays
// debuggable without unbounded growth across a long-lived task.
const maxScalingDecisions = 100

// InstanceFactory creates and starts a new instance for task, enforcing its
// own per-creation timeout. Supplied by the Execution Manager, which owns
// the Runtime registry the Pool itself doesn't need to know about.
type InstanceFactory interface {
	CreateInstance(ctx context.Context, task *types.Task) (*types.Instance, error)
}

// InstanceStopper tears down a previously created instance. Supplied by the
// Execution Manager for the same reason as InstanceFactory.
type InstanceStopper interface {
	StopInstance(ctx context.Context, inst *types.Instance) error
}

// ScalingDecision is one entry in a task's autoscaling audit log, kept
// in-memory only (no persistence across restarts).
type ScalingDecision struct {
	Action       string // "scale_up" | "scale_down" | "none"
	CurrentCount int
	TargetCount  int
	Reason       string
	Timestamp    time.Time
}

// Metrics is one task pool's point-in-time summary, including idle/failed
// instance counts alongside the usual averages.
type Metrics struct {
	TaskID                string
	TotalInstances        int
	ActiveInstances       int
	IdleInstances         int
	FailedInstances       int
	Utilization           float64
	AverageResponseTimeMs float64
	ScaleUpEvents         int64
	ScaleDownEvents       int64
}

// GlobalMetrics aggregates every task pool's Metrics, recomputed fresh from
// per-task metrics on every call.
type GlobalMetrics struct {
	TotalTasks              int
	TotalInstances          int
	ActiveInstances         int
	IdleInstances           int
	FailedInstances         int
	AverageUtilization      float64
	AverageResponseTimeMs   float64
	PoolEfficiency          float64
}

// taskPoolState is one task's live instance set plus scheduling/scaling
// bookkeeping. Guarded by its own mutex so tasks don't serialize on each
// other.
type taskPoolState struct {
	mu sync.Mutex

	task      *types.Task
	instances []*types.Instance

	lastScaleUp   time.Time
	lastScaleDown time.Time
	scaleUpEvents int64
	scaleDownEvents int64

	decisions []ScalingDecision
}

func (s *taskPoolState) recordDecision(d ScalingDecision) {
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > maxScalingDecisions {
		s.decisions = s.decisions[len(s.decisions)-maxScalingDecisions:]
	}
}

// Config bounds the Pool's background loop intervals and thresholds,
// sourced from config.Spearlet for everything not carried per-task on
// types.ScalingConfig.
type Config struct {
	InstanceCreationTimeoutMs int64
	CleanupIntervalMs         int64
	AutoscaleIntervalMs       int64
	InstanceIdleTimeoutMs     int64
	// IdleEligibleForScaleDownMs: only instances idle at least this long
	// are eligible for scale-down removal (5 minutes by default).
	IdleEligibleForScaleDownMs int64
}

// DefaultConfig mirrors config.DefaultSpearlet()'s pool-relevant defaults.
func DefaultConfig() Config {
	return Config{
		InstanceCreationTimeoutMs:  30_000,
		CleanupIntervalMs:          30_000,
		AutoscaleIntervalMs:        10_000,
		InstanceIdleTimeoutMs:      600_000,
		IdleEligibleForScaleDownMs: 5 * 60 * 1000,
	}
}

// Pool owns one taskPoolState per task and runs the autoscaling and cleanup
// background loops.
type Pool struct {
	cfg     Config
	policy  Policy
	factory InstanceFactory
	stopper InstanceStopper
	logger  zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*taskPoolState

	// scalingSem serializes autoscaling decisions across the whole pool,
	// applying at most one decision at a time.
	scalingSem chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Pool with policy as its single selection policy for the
// lifetime of the process: the scheduler selects exactly one policy at
// construction.
func New(cfg Config, policy Policy, factory InstanceFactory, stopper InstanceStopper) *Pool {
	return &Pool{
		cfg:        cfg,
		policy:     policy,
		factory:    factory,
		stopper:    stopper,
		logger:     log.WithComponent("pool"),
		tasks:      make(map[string]*taskPoolState),
		scalingSem: make(chan struct{}, 1),
	}
}

func (p *Pool) stateFor(task *types.Task) *taskPoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tasks[task.ID]
	if !ok {
		st = &taskPoolState{task: task}
		p.tasks[task.ID] = st
	} else {
		st.task = task
	}
	return st
}

// candidatesLocked returns the instances eligible for selection: ready,
// healthy, not at capacity. Caller must hold st.mu.
func candidatesLocked(instances []*types.Instance) []*types.Instance {
	out := make([]*types.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.IsReady() && !inst.IsAtCapacity() {
			out = append(out, inst)
		}
	}
	return out
}

// GetInstance implements get_instance: consult the policy, ensure
// min_instances_per_task exist if nothing was selected, consult again, and
// fail with ResourceExhausted only if that still comes up empty.
func (p *Pool) GetInstance(ctx context.Context, task *types.Task) (*types.Instance, error) {
	st := p.stateFor(task)

	st.mu.Lock()
	candidates := candidatesLocked(st.instances)
	st.mu.Unlock()

	if inst := p.policy.Select(candidates); inst != nil {
		return inst, nil
	}

	if err := p.ensureMinInstances(ctx, st, task); err != nil {
		return nil, err
	}

	st.mu.Lock()
	candidates = candidatesLocked(st.instances)
	st.mu.Unlock()

	if inst := p.policy.Select(candidates); inst != nil {
		return inst, nil
	}

	return nil, errors.New(errors.ResourceExhausted, "no available instance for task "+task.ID)
}

// ensureMinInstances creates instances one at a time, each bounded by
// InstanceCreationTimeoutMs, until the task has at least MinInstances or
// hits MaxInstances. A task with MinInstances == 0 still gets its first
// instance created on demand here: an empty pool with nothing to select is
// exactly the case get_or_create_instance handles by creating one, so
// floor the target at 1 rather than 0.
func (p *Pool) ensureMinInstances(ctx context.Context, st *taskPoolState, task *types.Task) error {
	target := task.Spec.Scaling.MinInstances
	if target < 1 {
		target = 1
	}

	for {
		st.mu.Lock()
		count := len(st.instances)
		st.mu.Unlock()

		if count >= target || count >= task.Spec.Scaling.MaxInstances {
			return nil
		}

		createCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.InstanceCreationTimeoutMs)*time.Millisecond)
		inst, err := p.factory.CreateInstance(createCtx, task)
		cancel()
		if err != nil {
			return err
		}

		st.mu.Lock()
		st.instances = append(st.instances, inst)
		st.mu.Unlock()
	}
}

// RegisterInstance adds an already-created instance to task's pool state,
// used when the Execution Manager creates an instance directly (its own
// get_or_create_instance admission path) rather than through
// ensureMinInstances.
func (p *Pool) RegisterInstance(task *types.Task, inst *types.Instance) {
	st := p.stateFor(task)
	st.mu.Lock()
	st.instances = append(st.instances, inst)
	st.mu.Unlock()
}

// RemoveInstance drops inst from task's pool state. It does not stop the
// instance; callers that also want it stopped should call the configured
// InstanceStopper first (or rely on the cleanup loop, which does both).
func (p *Pool) RemoveInstance(taskID string, instanceID string) {
	p.mu.RLock()
	st, ok := p.tasks[taskID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i, inst := range st.instances {
		if inst.ID == instanceID {
			st.instances = append(st.instances[:i], st.instances[i+1:]...)
			return
		}
	}
}

// taskMetricsLocked computes one task's Metrics. Caller must hold st.mu.
func taskMetricsLocked(st *taskPoolState) Metrics {
	m := Metrics{
		TaskID:          st.task.ID,
		TotalInstances:  len(st.instances),
		ScaleUpEvents:   st.scaleUpEvents,
		ScaleDownEvents: st.scaleDownEvents,
	}

	var totalActive, totalCap int64
	var totalAvgTime float64
	now := time.Now()

	for _, inst := range st.instances {
		snap := inst.GetMetrics()
		totalActive += snap.ActiveRequests
		totalCap += int64(inst.Config.MaxConcurrentRequests)
		totalAvgTime += snap.AverageRequestTimeMs

		switch inst.Status() {
		case types.InstanceStateRunning:
			m.ActiveInstances++
		case types.InstanceStateError:
			m.FailedInstances++
		}
		if inst.IsIdle(0, now) {
			m.IdleInstances++
		}
	}

	if totalCap > 0 {
		m.Utilization = float64(totalActive) / float64(totalCap)
	}
	if len(st.instances) > 0 {
		m.AverageResponseTimeMs = totalAvgTime / float64(len(st.instances))
	}
	return m
}

// TaskMetrics returns a snapshot of one task's pool metrics.
func (p *Pool) TaskMetrics(taskID string) (Metrics, bool) {
	p.mu.RLock()
	st, ok := p.tasks[taskID]
	p.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return taskMetricsLocked(st), true
}

// GlobalMetrics recomputes the pool-wide aggregate from every task's
// metrics: sums for totals, arithmetic means over non-empty pools for
// utilization/response time, and active/total for pool_efficiency.
func (p *Pool) GlobalMetrics() GlobalMetrics {
	p.mu.RLock()
	states := make([]*taskPoolState, 0, len(p.tasks))
	for _, st := range p.tasks {
		states = append(states, st)
	}
	p.mu.RUnlock()

	var g GlobalMetrics
	g.TotalTasks = len(states)

	var utilSum, respSum float64
	var nonEmpty int

	for _, st := range states {
		st.mu.Lock()
		m := taskMetricsLocked(st)
		st.mu.Unlock()

		g.TotalInstances += m.TotalInstances
		g.ActiveInstances += m.ActiveInstances
		g.IdleInstances += m.IdleInstances
		g.FailedInstances += m.FailedInstances

		if m.TotalInstances > 0 {
			utilSum += m.Utilization
			respSum += m.AverageResponseTimeMs
			nonEmpty++
		}
	}

	if nonEmpty > 0 {
		g.AverageUtilization = utilSum / float64(nonEmpty)
		g.AverageResponseTimeMs = respSum / float64(nonEmpty)
	}
	if g.TotalInstances > 0 {
		g.PoolEfficiency = float64(g.ActiveInstances) / float64(g.TotalInstances)
	}
	return g
}

// Start launches the autoscaling and cleanup background loops, tied to ctx.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.autoscaleLoop(loopCtx)
	go p.cleanupLoop(loopCtx)
}

func (p *Pool) autoscaleLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.AutoscaleIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runAutoscaleTick(ctx)
		}
	}
}

func (p *Pool) runAutoscaleTick(ctx context.Context) {
	p.mu.RLock()
	states := make([]*taskPoolState, 0, len(p.tasks))
	for _, st := range p.tasks {
		states = append(states, st)
	}
	p.mu.RUnlock()

	for _, st := range states {
		p.maybeScale(ctx, st)
	}
}

// maybeScale applies at most one scaling decision for st, serialized across
// the whole pool via scalingSem.
func (p *Pool) maybeScale(ctx context.Context, st *taskPoolState) {
	select {
	case p.scalingSem <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.scalingSem }()

	st.mu.Lock()
	m := taskMetricsLocked(st)
	task := st.task
	count := len(st.instances)
	now := time.Now()
	sinceUp := now.Sub(st.lastScaleUp)
	sinceDown := now.Sub(st.lastScaleDown)
	st.mu.Unlock()

	scaling := task.Spec.Scaling

	switch {
	case m.Utilization > scaling.ScaleUpThreshold &&
		count < scaling.MaxInstances &&
		sinceUp.Milliseconds() >= scaling.ScaleUpCooldownMs:
		p.scaleUp(ctx, st, task, count)

	case m.Utilization < scaling.ScaleDownThreshold &&
		count > scaling.MinInstances &&
		sinceDown.Milliseconds() >= scaling.ScaleDownCooldownMs:
		p.scaleDown(ctx, st, task, count)
	}
}

func (p *Pool) scaleUp(ctx context.Context, st *taskPoolState, task *types.Task, current int) {
	target := current + 1
	if target > task.Spec.Scaling.MaxInstances {
		target = task.Spec.Scaling.MaxInstances
	}

	createCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.InstanceCreationTimeoutMs)*time.Millisecond)
	inst, err := p.factory.CreateInstance(createCtx, task)
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		p.logger.Warn().Str("task_id", task.ID).Err(err).Msg("scale up failed")
		st.recordDecision(ScalingDecision{Action: "scale_up", CurrentCount: current, TargetCount: target, Reason: "create_instance_failed: " + err.Error(), Timestamp: time.Now()})
		return
	}

	st.instances = append(st.instances, inst)
	st.lastScaleUp = time.Now()
	st.scaleUpEvents++
	st.recordDecision(ScalingDecision{Action: "scale_up", CurrentCount: current, TargetCount: target, Reason: "utilization above threshold", Timestamp: time.Now()})
}

func (p *Pool) scaleDown(ctx context.Context, st *taskPoolState, task *types.Task, current int) {
	target := current - 1
	if target < task.Spec.Scaling.MinInstances {
		target = task.Spec.Scaling.MinInstances
	}

	st.mu.Lock()
	var victim *types.Instance
	idleFor := time.Duration(p.cfg.IdleEligibleForScaleDownMs) * time.Millisecond
	now := time.Now()
	for i, inst := range st.instances {
		if inst.IsIdle(idleFor, now) {
			victim = inst
			st.instances = append(st.instances[:i], st.instances[i+1:]...)
			break
		}
	}
	if victim != nil {
		st.lastScaleDown = time.Now()
		st.scaleDownEvents++
		st.recordDecision(ScalingDecision{Action: "scale_down", CurrentCount: current, TargetCount: target, Reason: "utilization below threshold", Timestamp: time.Now()})
	}
	st.mu.Unlock()

	if victim == nil {
		return
	}
	if err := p.stopper.StopInstance(ctx, victim); err != nil {
		p.logger.Warn().Str("task_id", task.ID).Str("instance_id", victim.ID).Err(err).Msg("scale down stop failed")
	}
}

func (p *Pool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.CleanupIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCleanupTick(ctx)
		}
	}
}

// runCleanupTick stops instances idle longer than InstanceIdleTimeoutMs and
// drops them from the pool.
func (p *Pool) runCleanupTick(ctx context.Context) {
	p.mu.RLock()
	states := make([]*taskPoolState, 0, len(p.tasks))
	for _, st := range p.tasks {
		states = append(states, st)
	}
	p.mu.RUnlock()

	idleFor := time.Duration(p.cfg.InstanceIdleTimeoutMs) * time.Millisecond
	now := time.Now()

	for _, st := range states {
		st.mu.Lock()
		var victims []*types.Instance
		remaining := st.instances[:0:0]
		for _, inst := range st.instances {
			if inst.IsIdle(idleFor, now) {
				victims = append(victims, inst)
				continue
			}
			remaining = append(remaining, inst)
		}
		st.instances = remaining
		st.mu.Unlock()

		for _, inst := range victims {
			if err := p.stopper.StopInstance(ctx, inst); err != nil {
				p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("idle cleanup stop failed")
			}
		}
	}
}

// Shutdown stops every background loop and every live instance, ignoring
// individual stop failures beyond logging them.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.RLock()
	states := make([]*taskPoolState, 0, len(p.tasks))
	for _, st := range p.tasks {
		states = append(states, st)
	}
	p.mu.RUnlock()

	var result *multierror.Error
	for _, st := range states {
		st.mu.Lock()
		instances := append([]*types.Instance(nil), st.instances...)
		st.instances = nil
		st.mu.Unlock()

		for _, inst := range instances {
			if err := p.stopper.StopInstance(ctx, inst); err != nil {
				p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("shutdown stop failed")
				result = multierror.Append(result, err)
			}
		}
	}
	if result != nil {
		p.logger.Warn().Err(result).Msg("shutdown finished with instance stop failures")
	}
	return nil
}
