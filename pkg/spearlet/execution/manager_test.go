package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spearproj/spear/pkg/spearlet/runtime"
	"github.com/spearproj/spear/pkg/types"
)

// fakeRuntime is a minimal in-memory Runtime backend for exercising the
// Execution Manager without a real process/wasm/kubernetes dependency.
type fakeRuntime struct {
	rtType      types.RuntimeType
	starts      int64
	invokes     int64
	stops       int64
	invokeDelay time.Duration
	invokeErr   error
}

func (f *fakeRuntime) Type() types.RuntimeType { return f.rtType }

func (f *fakeRuntime) Capabilities() runtime.Capabilities {
	return runtime.Capabilities{SupportsHealthChecks: true, SupportsMetrics: true}
}

func (f *fakeRuntime) ValidateConfig(cfg types.InstanceConfig) error { return nil }

func (f *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	atomic.AddInt64(&f.starts, 1)
	return spec.InstanceID, nil
}

func (f *fakeRuntime) Invoke(ctx context.Context, handle runtime.Handle, spec runtime.InvokeSpec) (runtime.InvokeResult, error) {
	atomic.AddInt64(&f.invokes, 1)
	if f.invokeDelay > 0 {
		select {
		case <-time.After(f.invokeDelay):
		case <-ctx.Done():
			return runtime.InvokeResult{}, ctx.Err()
		}
	}
	if f.invokeErr != nil {
		return runtime.InvokeResult{}, f.invokeErr
	}
	return runtime.InvokeResult{Success: true, OutputData: []byte("ok"), ExecutionTimeMs: 1}, nil
}

func (f *fakeRuntime) HealthCheck(ctx context.Context, handle runtime.Handle) (bool, error) {
	return true, nil
}

func (f *fakeRuntime) GetMetrics(ctx context.Context, handle runtime.Handle) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeRuntime) ScaleInstance(ctx context.Context, handle runtime.Handle, limits types.ResourceLimits) error {
	return nil
}

func (f *fakeRuntime) ConnectionInfo(handle runtime.Handle) (string, string) { return "", "" }

func (f *fakeRuntime) Stop(ctx context.Context, handle runtime.Handle, grace time.Duration) error {
	atomic.AddInt64(&f.stops, 1)
	return nil
}

func (f *fakeRuntime) CleanupInstance(ctx context.Context, handle runtime.Handle) error { return nil }

func (f *fakeRuntime) Close() error { return nil }

func testManager(rt *fakeRuntime) *Manager {
	cfg := Config{
		MaxConcurrentExecutions:   8,
		MaxArtifacts:              10,
		MaxTasksPerArtifact:       10,
		InstanceCreationTimeoutMs: 5000,
		HealthCheckIntervalMs:     60_000,
		MetricsIntervalMs:         60_000,
		CleanupIntervalMs:         60_000,
		InstanceIdleTimeoutMs:     600_000,
		TaskIdleTimeoutMs:         600_000,
		ArtifactIdleTimeoutMs:     600_000,
		SelectionPolicyName:       "round_robin",
		PoolCleanupIntervalMs:     60_000,
		AutoscaleIntervalMs:       60_000,
	}
	return New(cfg, map[types.RuntimeType]runtime.Runtime{rt.rtType: rt})
}

func TestSubmitExecutionHappyPath(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{RuntimeType: types.RuntimeTypeProcess},
		Payload:      []byte("payload"),
		Headers:      map[string]string{"x-trace": "1"},
		TimeoutMs:    5000,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, []byte("ok"), resp.OutputData)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, int64(1), atomic.LoadInt64(&rt.starts))
	assert.Equal(t, int64(1), atomic.LoadInt64(&rt.invokes))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, int64(1), stats.SuccessfulExecutions)
	assert.Equal(t, int64(0), stats.FailedExecutions)
}

func TestSubmitExecutionWithoutRuntimeTypeFails(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{})
	require.NoError(t, err, "no registered runtime surfaces as a failed response, not a SubmitExecution error")
	assert.Equal(t, types.ExecutionFailed, resp.Status)
}

func TestSubmitExecutionReusesInstanceAcrossRequests(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	spec := types.ArtifactSpec{ArtifactID: "art-1", RuntimeType: types.RuntimeTypeProcess}
	for i := 0; i < 3; i++ {
		resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{ArtifactSpec: spec, TimeoutMs: 1000})
		require.NoError(t, err)
		assert.Equal(t, types.ExecutionCompleted, resp.Status)
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&rt.starts), "same artifact/task should reuse one instance")
	assert.Equal(t, int64(3), atomic.LoadInt64(&rt.invokes))

	stats := m.Stats()
	assert.Equal(t, 1, stats.ActiveArtifacts)
	assert.Equal(t, 1, stats.ActiveTasks)
	assert.Equal(t, 1, stats.ActiveInstances)
}

func TestSubmitExecutionSurfacesRuntimeFailure(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess, invokeErr: fmt.Errorf("sandbox crashed")}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{RuntimeType: types.RuntimeTypeProcess},
		TimeoutMs:    1000,
	})
	require.NoError(t, err, "runtime errors surface as a failed response, not a SubmitExecution error")
	assert.Equal(t, types.ExecutionFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "sandbox crashed")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.FailedExecutions)
}

func TestSubmitExecutionUnknownRuntimeType(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{RuntimeType: types.RuntimeTypeWasm},
		TimeoutMs:    1000,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, resp.Status)
}

func TestGetExecutionStatusAfterCompletion(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{RuntimeType: types.RuntimeTypeProcess},
		TimeoutMs:    1000,
	})
	require.NoError(t, err)

	status, ok := m.GetExecutionStatus(resp.RequestID)
	require.True(t, ok)
	assert.Equal(t, types.ExecutionCompleted, status.Status)

	_, ok = m.GetExecutionStatus("req-does-not-exist")
	assert.False(t, ok)
}

func TestMaxArtifactsEnforced(t *testing.T) {
	rt := &fakeRuntime{rtType: types.RuntimeTypeProcess}
	m := testManager(rt)
	m.cfg.MaxArtifacts = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown(context.Background())

	_, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{ArtifactID: "art-1", RuntimeType: types.RuntimeTypeProcess},
		TimeoutMs:    1000,
	})
	require.NoError(t, err)

	resp, err := m.SubmitExecution(context.Background(), types.ExecutionRequest{
		ArtifactSpec: types.ArtifactSpec{ArtifactID: "art-2", RuntimeType: types.RuntimeTypeProcess},
		TimeoutMs:    1000,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "max_artifacts")
}
