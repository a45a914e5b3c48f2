// Package execution implements the Execution Manager: the
// admission/dedup/lifecycle layer above the Instance Pool and Runtime
// backends. It owns the artifact/task/instance graph for one Spearlet
// process and the background loops that keep it honest (health, metrics,
// cleanup).
package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/spearlet/pool"
	"github.com/spearproj/spear/pkg/spearlet/runtime"
	"github.com/spearproj/spear/pkg/types"
)

// Config bounds the Execution Manager's admission and background-loop
// behavior.
type Config struct {
	MaxConcurrentExecutions   int
	MaxArtifacts              int
	MaxTasksPerArtifact       int
	InstanceCreationTimeoutMs int64
	HealthCheckIntervalMs     int64
	MetricsIntervalMs         int64
	CleanupIntervalMs         int64
	InstanceIdleTimeoutMs     int64
	TaskIdleTimeoutMs         int64
	ArtifactIdleTimeoutMs     int64

	SelectionPolicyName        string
	PoolCleanupIntervalMs      int64
	AutoscaleIntervalMs        int64
	IdleEligibleForScaleDownMs int64
}

// pendingRequest is one queued submission awaiting its background-loop slot.
type pendingRequest struct {
	ctx     context.Context
	request types.ExecutionRequest
	execCtx types.ExecutionContext
	respCh  chan types.ExecutionResponse
}

// Manager is the Execution Manager. One Manager serves one Spearlet
// process: it owns every Artifact/Task/Instance the process currently
// hosts, dispatches invocations to the Pool and Runtime backends, and
// answers get_execution_status for requests it has already completed.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	runtimes map[types.RuntimeType]runtime.Runtime

	mu        sync.RWMutex
	artifacts map[string]*types.Artifact
	tasks     map[string]*types.Task
	instances map[string]*types.Instance

	pool *pool.Pool

	requestCounter uint64
	queue          chan *pendingRequest
	sem            chan struct{}

	statusMu sync.Mutex
	status   map[string]types.ExecutionResponse

	statsMu sync.Mutex
	stats   types.ExecutorStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager wired to runtimes, one Runtime implementation per
// RuntimeType this Spearlet supports.
func New(cfg Config, runtimes map[types.RuntimeType]runtime.Runtime) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    log.WithComponent("execution-manager"),
		runtimes:  runtimes,
		artifacts: make(map[string]*types.Artifact),
		tasks:     make(map[string]*types.Task),
		instances: make(map[string]*types.Instance),
		queue:     make(chan *pendingRequest, 256),
		sem:       make(chan struct{}, maxInt(cfg.MaxConcurrentExecutions, 1)),
		status:    make(map[string]types.ExecutionResponse),
	}

	m.pool = pool.New(pool.Config{
		InstanceCreationTimeoutMs:  cfg.InstanceCreationTimeoutMs,
		CleanupIntervalMs:          cfg.PoolCleanupIntervalMs,
		AutoscaleIntervalMs:        cfg.AutoscaleIntervalMs,
		InstanceIdleTimeoutMs:      cfg.InstanceIdleTimeoutMs,
		IdleEligibleForScaleDownMs: cfg.IdleEligibleForScaleDownMs,
	}, pool.ByName(cfg.SelectionPolicyName), m, m)

	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start launches the request-processing background loop along with the
// health, metrics, and cleanup loops, and the Pool's own loops.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.pool.Start(loopCtx)

	m.wg.Add(4)
	go m.dispatchLoop(loopCtx)
	go m.healthCheckLoop(loopCtx)
	go m.metricsLoop(loopCtx)
	go m.cleanupLoop(loopCtx)
}

// Shutdown stops every background loop, including the Pool's, and releases
// all live instances.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.pool.Shutdown(ctx)
}

// SubmitExecution is the public entry point: it assigns a request
// id, validates the request, enqueues it, and blocks until the background
// loop produces a response or ctx is cancelled.
func (m *Manager) SubmitExecution(ctx context.Context, req types.ExecutionRequest) (types.ExecutionResponse, error) {
	if req.ArtifactSpec.ArtifactID == "" && req.ArtifactSpec.Location == "" {
		return types.ExecutionResponse{}, errors.New(errors.InvalidRequest, "artifact_spec is required")
	}

	requestID := fmt.Sprintf("req-%d", atomic.AddUint64(&m.requestCounter, 1))

	execCtx := types.ExecutionContext{
		ExecutionID: requestID,
		Payload:     req.Payload,
		Headers:     req.Headers,
		TimeoutMs:   req.TimeoutMs,
		ContextData: req.ContextData,
	}

	pr := &pendingRequest{
		ctx:     ctx,
		request: req,
		execCtx: execCtx,
		respCh:  make(chan types.ExecutionResponse, 1),
	}

	select {
	case m.queue <- pr:
	case <-ctx.Done():
		return types.ExecutionResponse{}, ctx.Err()
	}

	select {
	case resp := <-pr.respCh:
		resp.RequestID = requestID
		m.recordStatus(requestID, resp)
		return resp, nil
	case <-ctx.Done():
		return types.ExecutionResponse{}, ctx.Err()
	}
}

// GetExecutionStatus answers the caller-facing status lookup for a request
// already processed by this Manager. Executions in flight are not tracked
// here: SubmitExecution blocks for its own response, so a request id this
// method can be asked about has either completed or never existed.
func (m *Manager) GetExecutionStatus(requestID string) (types.ExecutionResponse, bool) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	resp, ok := m.status[requestID]
	return resp, ok
}

func (m *Manager) recordStatus(requestID string, resp types.ExecutionResponse) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status[requestID] = resp
}

// dispatchLoop consumes the request queue and, for each request, acquires
// one permit from the counting semaphore before spawning its processing
// goroutine.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pr := <-m.queue:
			select {
			case m.sem <- struct{}{}:
				go m.process(ctx, pr)
			case <-ctx.Done():
				pr.respCh <- types.ExecutionResponse{
					Status:       types.ExecutionFailed,
					ErrorMessage: "executor is shutting down",
				}
				return
			}
		}
	}
}

// process runs one request end to end: resolve/create artifact, task,
// instance, dispatch to the runtime, update statistics.
func (m *Manager) process(ctx context.Context, pr *pendingRequest) {
	defer func() { <-m.sem }()

	start := time.Now()
	resp, err := m.execute(ctx, pr)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		resp = types.ExecutionResponse{
			Status:       types.ExecutionFailed,
			ErrorMessage: err.Error(),
		}
	}
	if resp.ExecutionTimeMs == 0 {
		resp.ExecutionTimeMs = elapsed
	}

	m.updateStats(resp)
	pr.respCh <- resp
}

func (m *Manager) execute(ctx context.Context, pr *pendingRequest) (types.ExecutionResponse, error) {
	artifact, err := m.getOrCreateArtifact(pr.request.ArtifactSpec)
	if err != nil {
		return types.ExecutionResponse{}, err
	}

	task, err := m.getOrCreateTask(artifact, pr.request.TaskSpec, pr.request.ArtifactSpec)
	if err != nil {
		return types.ExecutionResponse{}, err
	}

	instance, err := m.pool.GetInstance(ctx, task)
	if err != nil {
		return types.ExecutionResponse{}, err
	}

	rt, ok := m.runtimes[task.Spec.RuntimeType]
	if !ok {
		return types.ExecutionResponse{}, errors.New(errors.InvalidConfiguration, "no runtime registered for type "+string(task.Spec.RuntimeType))
	}

	if !instance.RecordRequestStart(time.Now()) {
		return types.ExecutionResponse{}, errors.New(errors.ResourceExhausted, "instance at capacity")
	}

	start := time.Now()
	result, err := rt.Invoke(ctx, instance.RuntimeHandle, runtime.InvokeSpec{
		ExecutionID: pr.execCtx.ExecutionID,
		Payload:     pr.execCtx.Payload,
		Headers:     pr.execCtx.Headers,
		TimeoutMs:   pr.execCtx.TimeoutMs,
	})
	elapsed := float64(time.Since(start).Milliseconds())
	instance.RecordRequestCompletion(elapsed, time.Now())

	if err != nil {
		return types.ExecutionResponse{}, err
	}

	return convertResponse(result), nil
}

// convertResponse adapts a Runtime's InvokeResult into the caller-facing
// ExecutionResponse.
func convertResponse(result runtime.InvokeResult) types.ExecutionResponse {
	resp := types.ExecutionResponse{
		OutputData:      result.OutputData,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Metadata:        result.Metadata,
	}
	if result.Success {
		resp.Status = types.ExecutionCompleted
	} else {
		resp.Status = types.ExecutionFailed
		if result.Err != nil {
			resp.ErrorMessage = result.Err.Error()
		}
	}
	return resp
}

// getOrCreateArtifact looks up by artifact_id; if absent, enforces
// max_artifacts and inserts.
func (m *Manager) getOrCreateArtifact(spec types.ArtifactSpec) (*types.Artifact, error) {
	id := spec.ArtifactID
	if id == "" {
		id = "artifact-" + uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.artifacts[id]; ok {
		return existing, nil
	}

	if len(m.artifacts) >= m.cfg.MaxArtifacts {
		return nil, errors.New(errors.ResourceExhausted, "max_artifacts exceeded")
	}

	now := time.Now()
	artifact := &types.Artifact{
		ID:                    id,
		Name:                  spec.Name,
		Version:               spec.Version,
		RuntimeType:           spec.RuntimeType,
		Location:              spec.Location,
		SHA256:                spec.SHA256,
		Environment:           spec.Environment,
		ResourceLimits:        spec.Resources,
		Labels:                spec.Labels,
		CreatedAt:             now,
		UpdatedAt:             now,
		TaskIDs:               make(map[string]struct{}),
	}
	m.artifacts[id] = artifact
	return artifact, nil
}

// getOrCreateTask keys the task as task-<artifact_id>-<task_type> and
// enforces max_tasks_per_artifact.
func (m *Manager) getOrCreateTask(artifact *types.Artifact, spec types.TaskSpecRequest, artifactSpec types.ArtifactSpec) (*types.Task, error) {
	taskType := spec.TaskType
	if taskType == "" {
		taskType = "default"
	}
	key := types.TaskKey(artifact.ID, taskType)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[key]; ok {
		return existing, nil
	}

	if artifact.TaskCount() >= m.cfg.MaxTasksPerArtifact {
		return nil, errors.New(errors.ResourceExhausted, "max_tasks_per_artifact exceeded")
	}

	runtimeType := artifactSpec.RuntimeType
	if runtimeType == "" {
		runtimeType = artifact.RuntimeType
	}

	now := time.Now()
	task := &types.Task{
		ID:         key,
		ArtifactID: artifact.ID,
		Spec: types.TaskSpec{
			Name:          spec.TaskType,
			TaskType:      taskType,
			EntryPoint:    spec.EntryPoint,
			HandlerConfig: spec.HandlerConfig,
			Environment:   spec.Environment,
			RuntimeType:   runtimeType,
			Scaling: types.ScalingConfig{
				MinInstances:        0,
				MaxInstances:        5,
				TargetConcurrency:   10,
				ScaleUpThreshold:    0.75,
				ScaleDownThreshold:  0.25,
				ScaleUpCooldownMs:   30_000,
				ScaleDownCooldownMs: 60_000,
			},
		},
		InstanceIDs: make(map[string]struct{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[key] = task
	artifact.TaskIDs[key] = struct{}{}
	artifact.UpdatedAt = now
	return task, nil
}

// CreateInstance implements pool.InstanceFactory: it resolves the task's
// artifact for resource limits, asks the registered Runtime to create and
// start an instance, and registers it with the Task and the Manager's own
// instance map.
func (m *Manager) CreateInstance(ctx context.Context, task *types.Task) (*types.Instance, error) {
	m.mu.RLock()
	artifact, ok := m.artifacts[task.ArtifactID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("artifact", task.ArtifactID)
	}

	rt, ok := m.runtimes[task.Spec.RuntimeType]
	if !ok {
		return nil, errors.New(errors.InvalidConfiguration, "no runtime registered for type "+string(task.Spec.RuntimeType))
	}

	instanceID := "instance-" + uuid.NewString()
	cfg := types.InstanceConfig{
		RuntimeType:           task.Spec.RuntimeType,
		Environment:           mergeEnv(artifact.Environment, task.Spec.Environment),
		Resources:             artifact.ResourceLimits,
		MaxConcurrentRequests: task.Spec.Scaling.TargetConcurrency,
		RuntimeSettings:       task.Spec.RuntimeSettings,
	}

	if err := rt.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	handle, err := rt.Start(ctx, runtime.StartSpec{
		InstanceID: instanceID,
		TaskID:     task.ID,
		ArtifactID: artifact.ID,
		Location:   artifact.Location,
		SHA256:     artifact.SHA256,
		Config:     cfg,
		Settings:   task.Spec.RuntimeSettings,
	})
	if err != nil {
		return nil, err
	}

	instance := types.NewInstance(instanceID, task.ID, cfg)
	instance.RuntimeHandle = handle
	addr, secret := rt.ConnectionInfo(handle)
	instance.ListeningAddress = addr
	instance.Secret = secret

	instance.SetStatus(types.InstanceStateReady, "")
	instance.SetStatus(types.InstanceStateRunning, "")

	m.mu.Lock()
	m.instances[instanceID] = instance
	task.InstanceIDs[instanceID] = struct{}{}
	task.UpdatedAt = time.Now()
	m.mu.Unlock()

	return instance, nil
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// StopInstance implements pool.InstanceStopper.
func (m *Manager) StopInstance(ctx context.Context, inst *types.Instance) error {
	inst.SetStatus(types.InstanceStateStopping, "")

	rt, ok := m.runtimes[inst.Config.RuntimeType]
	if !ok {
		return errors.New(errors.InvalidConfiguration, "no runtime registered for type "+string(inst.Config.RuntimeType))
	}

	err := rt.Stop(ctx, inst.RuntimeHandle, 10*time.Second)
	_ = rt.CleanupInstance(ctx, inst.RuntimeHandle)
	inst.SetStatus(types.InstanceStateStopped, "")

	m.mu.Lock()
	delete(m.instances, inst.ID)
	m.mu.Unlock()

	return err
}

func (m *Manager) updateStats(resp types.ExecutionResponse) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.stats.TotalExecutions++
	if resp.Status == types.ExecutionCompleted {
		m.stats.SuccessfulExecutions++
	} else {
		m.stats.FailedExecutions++
	}
	m.stats.TotalExecutionTimeMs += resp.ExecutionTimeMs
	m.stats.AverageExecutionTimeMs = float64(m.stats.TotalExecutionTimeMs) / float64(m.stats.TotalExecutions)
	m.stats.UpdatedAt = time.Now()
}

// Stats returns a snapshot of the running execution counters, with the
// active instance/task/artifact gauges recomputed fresh.
func (m *Manager) Stats() types.ExecutorStats {
	m.statsMu.Lock()
	stats := m.stats
	m.statsMu.Unlock()

	m.mu.RLock()
	stats.ActiveInstances = len(m.instances)
	stats.ActiveTasks = len(m.tasks)
	stats.ActiveArtifacts = len(m.artifacts)
	m.mu.RUnlock()

	return stats
}

// healthCheckLoop walks all instances and moves any whose runtime
// health_check errors to Unhealthy.
func (m *Manager) healthCheckLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.HealthCheckIntervalMs) * time.Millisecond
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
			m.runHealthCheckTick(ctx)
		}
	}
}

func (m *Manager) runHealthCheckTick(ctx context.Context) {
	m.mu.RLock()
	instances := make([]*types.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		rt, ok := m.runtimes[inst.Config.RuntimeType]
		if !ok {
			continue
		}
		healthy, err := rt.HealthCheck(ctx, inst.RuntimeHandle)
		if err != nil {
			healthy = false
		}
		inst.RecordHealthCheck(healthy)
	}
}

// metricsLoop polls runtime metrics per instance for observability. The
// results are logged rather than stored: this Manager does not keep a
// per-instance metrics history beyond what Instance.GetMetrics already
// tracks from request completions.
func (m *Manager) metricsLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.MetricsIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runMetricsTick(ctx)
		}
	}
}

func (m *Manager) runMetricsTick(ctx context.Context) {
	m.mu.RLock()
	instances := make([]*types.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		rt, ok := m.runtimes[inst.Config.RuntimeType]
		if !ok {
			continue
		}
		if _, err := rt.GetMetrics(ctx, inst.RuntimeHandle); err != nil {
			m.logger.Debug().Str("instance_id", inst.ID).Err(err).Msg("metrics collection failed")
		}
	}
}

// cleanupLoop drops idle tasks and artifacts. Idle instance cleanup
// is the Pool's own loop; this loop only removes the Task/Artifact
// bookkeeping once nothing references them anymore.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.CleanupIntervalMs) * time.Millisecond
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
			m.runCleanupTick()
		}
	}
}

func (m *Manager) runCleanupTick() {
	now := time.Now()
	taskIdle := time.Duration(m.cfg.TaskIdleTimeoutMs) * time.Millisecond
	artifactIdle := time.Duration(m.cfg.ArtifactIdleTimeoutMs) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, task := range m.tasks {
		if d, idle := task.IdleFor(now); idle && d >= taskIdle {
			delete(m.tasks, id)
			if artifact, ok := m.artifacts[task.ArtifactID]; ok {
				delete(artifact.TaskIDs, id)
				artifact.UpdatedAt = now
			}
		}
	}

	for id, artifact := range m.artifacts {
		if d, idle := artifact.IdleFor(now); idle && d >= artifactIdle {
			delete(m.artifacts, id)
		}
	}
}
