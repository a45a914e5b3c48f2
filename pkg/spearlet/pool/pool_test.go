package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spearproj/spear/pkg/types"
)

// fakeFactory creates instances with a fixed concurrency cap, immediately
// Running+Healthy, counting how many times it was invoked.
type fakeFactory struct {
	mu            sync.Mutex
	created       int
	maxConcurrent int
	failAfter     int // if >0, CreateInstance fails once `created` reaches this
}

func (f *fakeFactory) CreateInstance(ctx context.Context, task *types.Task) (*types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && f.created >= f.failAfter {
		return nil, fmt.Errorf("factory exhausted")
	}
	f.created++
	id := fmt.Sprintf("inst-%d", f.created)
	inst := types.NewInstance(id, task.ID, types.InstanceConfig{MaxConcurrentRequests: f.maxConcurrent})
	inst.SetStatus(types.InstanceStateReady, "")
	inst.SetStatus(types.InstanceStateRunning, "")
	inst.RecordHealthCheck(true)
	return inst, nil
}

type fakeStopper struct {
	stopped int64
}

func (s *fakeStopper) StopInstance(ctx context.Context, inst *types.Instance) error {
	atomic.AddInt64(&s.stopped, 1)
	inst.SetStatus(types.InstanceStateStopping, "")
	inst.SetStatus(types.InstanceStateStopped, "")
	return nil
}

func testTask(min, max int, upThresh, downThresh float64) *types.Task {
	return &types.Task{
		ID: "task-1",
		Spec: types.TaskSpec{
			Scaling: types.ScalingConfig{
				MinInstances:       min,
				MaxInstances:       max,
				ScaleUpThreshold:   upThresh,
				ScaleDownThreshold: downThresh,
			},
		},
		InstanceIDs: make(map[string]struct{}),
		UpdatedAt:   time.Now(),
	}
}

func TestGetInstanceCreatesUpToMinInstances(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewRoundRobin(), factory, stopper)

	task := testTask(0, 3, 0.75, 0.25)
	inst, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, factory.created)
}

func TestGetInstanceReusesExistingInstance(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewRoundRobin(), factory, stopper)

	task := testTask(0, 3, 0.75, 0.25)
	first, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	second, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, factory.created, "no new instance should be created while one is available")
}

func TestGetInstanceFailsWhenFactoryFails(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5, failAfter: 1}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewRoundRobin(), factory, stopper)

	// The factory creates one instance and then fails, so min_instances=2
	// cannot be reached.
	task := testTask(2, 3, 0.75, 0.25)
	_, err := p.GetInstance(context.Background(), task)
	require.Error(t, err)
}

func TestAutoscaleScalesUpUnderLoad(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 1}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewLeastConnections(), factory, stopper)

	task := testTask(1, 5, 0.5, 0.1)
	inst, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	// Saturate the single instance so utilization (1/1) exceeds the 0.5 threshold.
	require.True(t, inst.RecordRequestStart(time.Now()))

	p.runAutoscaleTick(context.Background())

	m, ok := p.TaskMetrics(task.ID)
	require.True(t, ok)
	assert.Equal(t, 2, m.TotalInstances)
	assert.Equal(t, int64(1), m.ScaleUpEvents)
}

func TestAutoscaleRespectsMaxInstances(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 1}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewLeastConnections(), factory, stopper)

	task := testTask(1, 1, 0.5, 0.1)
	inst, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)
	require.True(t, inst.RecordRequestStart(time.Now()))

	p.runAutoscaleTick(context.Background())

	m, ok := p.TaskMetrics(task.ID)
	require.True(t, ok)
	assert.Equal(t, 1, m.TotalInstances, "must not exceed max_instances")
	assert.Equal(t, int64(0), m.ScaleUpEvents)
}

func TestAutoscaleScalesDownIdleInstance(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000, IdleEligibleForScaleDownMs: 0}, NewLeastConnections(), factory, stopper)

	task := testTask(0, 5, 0.9, 0.5)
	_, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	p.runAutoscaleTick(context.Background())

	m, ok := p.TaskMetrics(task.ID)
	require.True(t, ok)
	assert.Equal(t, 0, m.TotalInstances)
	assert.Equal(t, int64(1), m.ScaleDownEvents)
	assert.Equal(t, int64(1), stopper.stopped)
}

func TestAutoscaleDoesNotScaleDownBelowMin(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000, IdleEligibleForScaleDownMs: 0}, NewLeastConnections(), factory, stopper)

	task := testTask(1, 5, 0.9, 0.5)
	_, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	p.runAutoscaleTick(context.Background())

	m, ok := p.TaskMetrics(task.ID)
	require.True(t, ok)
	assert.Equal(t, 1, m.TotalInstances, "must not drop below min_instances")
}

func TestCleanupTickStopsIdleInstances(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000, InstanceIdleTimeoutMs: 0}, NewRoundRobin(), factory, stopper)

	task := testTask(0, 5, 0.75, 0.25)
	_, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	p.runCleanupTick(context.Background())

	m, ok := p.TaskMetrics(task.ID)
	require.True(t, ok)
	assert.Equal(t, 0, m.TotalInstances)
	assert.Equal(t, int64(1), stopper.stopped)
}

func TestShutdownStopsAllInstances(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 5}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewRoundRobin(), factory, stopper)

	task := testTask(0, 5, 0.75, 0.25)
	_, err := p.GetInstance(context.Background(), task)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(1), stopper.stopped)
}

func TestGlobalMetricsAggregatesAcrossTasks(t *testing.T) {
	factory := &fakeFactory{maxConcurrent: 2}
	stopper := &fakeStopper{}
	p := New(Config{InstanceCreationTimeoutMs: 1000}, NewRoundRobin(), factory, stopper)

	taskA := testTask(0, 5, 0.75, 0.25)
	taskA.ID = "task-a"
	taskB := testTask(0, 5, 0.75, 0.25)
	taskB.ID = "task-b"

	_, err := p.GetInstance(context.Background(), taskA)
	require.NoError(t, err)
	_, err = p.GetInstance(context.Background(), taskB)
	require.NoError(t, err)

	g := p.GlobalMetrics()
	assert.Equal(t, 2, g.TotalTasks)
	assert.Equal(t, 2, g.TotalInstances)
}
