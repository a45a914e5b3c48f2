package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(maxConcurrent int) *Instance {
	return NewInstance("inst-1", "task-1", InstanceConfig{MaxConcurrentRequests: maxConcurrent})
}

func TestInstanceStateMachineValidTransitions(t *testing.T) {
	inst := newTestInstance(1)
	require.Equal(t, InstanceStatePending, inst.Status())

	require.True(t, inst.SetStatus(InstanceStateReady, ""))
	require.True(t, inst.SetStatus(InstanceStateRunning, ""))
	require.True(t, inst.SetStatus(InstanceStateUnhealthy, ""))
	require.True(t, inst.SetStatus(InstanceStateRunning, ""))
	require.True(t, inst.SetStatus(InstanceStateStopping, ""))
	require.True(t, inst.SetStatus(InstanceStateStopped, ""))
	assert.Equal(t, InstanceStateStopped, inst.Status())
}

func TestInstanceStateMachineRejectsInvalidTransitions(t *testing.T) {
	inst := newTestInstance(1)
	// Pending cannot jump straight to Running.
	assert.False(t, inst.SetStatus(InstanceStateRunning, ""))
	assert.Equal(t, InstanceStatePending, inst.Status())

	require.True(t, inst.SetStatus(InstanceStateReady, ""))
	require.True(t, inst.SetStatus(InstanceStateRunning, ""))
	require.True(t, inst.SetStatus(InstanceStateStopping, ""))
	require.True(t, inst.SetStatus(InstanceStateStopped, ""))

	// Stopped is terminal: setting it again is idempotent.
	assert.True(t, inst.SetStatus(InstanceStateStopped, ""))
	assert.False(t, inst.SetStatus(InstanceStateRunning, ""))
}

func TestInstanceErrorStateCarriesMessage(t *testing.T) {
	inst := newTestInstance(1)
	require.True(t, inst.SetStatus(InstanceStateError, "boom"))
	assert.Equal(t, "boom", inst.ErrorMessage())
	assert.Equal(t, InstanceStateError, inst.Status())

	// Error can still be cleaned up.
	require.True(t, inst.SetStatus(InstanceStateStopping, ""))
	require.True(t, inst.SetStatus(InstanceStateStopped, ""))
}

func TestInstanceIsReady(t *testing.T) {
	inst := newTestInstance(1)
	assert.False(t, inst.IsReady())

	require.True(t, inst.SetStatus(InstanceStateReady, ""))
	require.True(t, inst.SetStatus(InstanceStateRunning, ""))
	assert.False(t, inst.IsReady()) // health still Unknown

	inst.RecordHealthCheck(true)
	assert.True(t, inst.IsReady())

	inst.RecordHealthCheck(false)
	assert.False(t, inst.IsReady())
	assert.Equal(t, InstanceStateUnhealthy, inst.Status())

	inst.RecordHealthCheck(true)
	assert.Equal(t, InstanceStateRunning, inst.Status())
	assert.True(t, inst.IsReady())
}

func TestInstanceCapacityAndLoad(t *testing.T) {
	inst := newTestInstance(2)
	assert.False(t, inst.IsAtCapacity())
	assert.Equal(t, 0.0, inst.GetLoad())

	require.True(t, inst.RecordRequestStart(time.Now()))
	assert.Equal(t, 0.5, inst.GetLoad())
	assert.False(t, inst.IsAtCapacity())

	require.True(t, inst.RecordRequestStart(time.Now()))
	assert.True(t, inst.IsAtCapacity())
	assert.Equal(t, 1.0, inst.GetLoad())

	// A third start is rejected: the instance is full.
	assert.False(t, inst.RecordRequestStart(time.Now()))

	inst.RecordRequestCompletion(10, time.Now())
	assert.False(t, inst.IsAtCapacity())
}

func TestInstanceUnboundedCapacityNeverFull(t *testing.T) {
	inst := newTestInstance(0)
	assert.False(t, inst.IsAtCapacity())
	require.True(t, inst.RecordRequestStart(time.Now()))
	assert.False(t, inst.IsAtCapacity())
	assert.Equal(t, 0.0, inst.GetLoad())
}

func TestInstanceIsIdle(t *testing.T) {
	inst := newTestInstance(1)
	now := time.Now()

	// Freshly created, no requests yet: idle relative to creation time.
	assert.True(t, inst.IsIdle(0, now))
	assert.False(t, inst.IsIdle(time.Hour, now))

	require.True(t, inst.RecordRequestStart(now))
	assert.False(t, inst.IsIdle(0, now), "active request means never idle")

	inst.RecordRequestCompletion(5, now)
	assert.False(t, inst.IsIdle(time.Hour, now.Add(time.Minute)))
	assert.True(t, inst.IsIdle(time.Second, now.Add(time.Minute)))
}

func TestInstanceMetricsRollingAverage(t *testing.T) {
	inst := newTestInstance(5)
	now := time.Now()

	require.True(t, inst.RecordRequestStart(now))
	inst.RecordRequestCompletion(100, now)
	require.True(t, inst.RecordRequestStart(now))
	inst.RecordRequestCompletion(200, now)

	m := inst.GetMetrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(0), m.ActiveRequests)
	assert.Equal(t, 150.0, m.AverageRequestTimeMs)
}
