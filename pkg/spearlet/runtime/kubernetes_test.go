package runtime

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spearproj/spear/pkg/types"
)

func TestBuildJobSetsIdentityLabelsAndImage(t *testing.T) {
	spec := StartSpec{
		InstanceID: "inst-1",
		TaskID:     "task-1",
		ArtifactID: "art-1",
		Location:   "registry.example.com/spear/fn:latest",
		Config: types.InstanceConfig{
			Environment: map[string]string{"FOO": "bar"},
			Resources:   types.ResourceLimits{MaxCPUCores: 1, MaxMemoryBytes: 128 << 20, MaxDiskBytes: 1 << 30, MaxNetworkBps: 1 << 20},
		},
	}

	job := buildJob("default", spec)
	assert.Equal(t, "spear-inst-1", job.Name)
	assert.Equal(t, "default", job.Namespace)
	assert.Equal(t, "inst-1", job.Labels["spear.io/instance-id"])
	assert.Equal(t, "task-1", job.Labels["spear.io/task-id"])
	assert.Equal(t, "art-1", job.Labels["spear.io/artifact-id"])

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, spec.Location, container.Image)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	assert.Contains(t, container.Env, corev1.EnvVar{Name: "FOO", Value: "bar"})
	assert.False(t, container.Resources.Limits.Cpu().IsZero())
}

func TestBuildJobOmitsResourcesWhenInvalid(t *testing.T) {
	spec := StartSpec{InstanceID: "inst-2", Location: "image:latest"}
	job := buildJob("default", spec)
	assert.Nil(t, job.Spec.Template.Spec.Containers[0].Resources.Limits)
}

func TestKubernetesRuntimeValidateConfig(t *testing.T) {
	r := NewKubernetesRuntime("")
	assert.Equal(t, "default", r.namespace)
	assert.Error(t, r.ValidateConfig(types.InstanceConfig{RuntimeType: types.RuntimeTypeProcess}))
	assert.NoError(t, r.ValidateConfig(types.InstanceConfig{RuntimeType: types.RuntimeTypeKubernetes}))
}

func TestKubernetesRuntimeStartDoesNotTouchCluster(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "inst-1"})
	require.NoError(t, err)

	h, ok := handle.(*kubernetesHandle)
	require.True(t, ok)
	assert.Equal(t, "spear-ns", h.namespace)
	assert.Empty(t, h.jobName)
}

func TestKubernetesRuntimeHealthCheckReadyWithoutJob(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "inst-1"})
	require.NoError(t, err)

	healthy, err := r.HealthCheck(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, healthy, "an instance with no live job has nothing to be unhealthy about")
}

func TestKubernetesRuntimeStopAndCleanupAreNoopsWithoutJob(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "inst-1"})
	require.NoError(t, err)

	assert.NoError(t, r.Stop(context.Background(), handle, 0))
	assert.NoError(t, r.CleanupInstance(context.Background(), handle))
}

func TestKubernetesRuntimeScaleInstanceUnsupported(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "inst-1"})
	require.NoError(t, err)

	err = r.ScaleInstance(context.Background(), handle, types.ResourceLimits{MaxCPUCores: 1})
	assert.Error(t, err)
}

func TestKubernetesRuntimeInvokeRejectsWrongHandleType(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	_, err := r.Invoke(context.Background(), "not-a-handle", InvokeSpec{})
	assert.Error(t, err)
}

func TestKubernetesRuntimeConnectionInfoIsEmpty(t *testing.T) {
	r := NewKubernetesRuntime("spear-ns")
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "inst-1"})
	require.NoError(t, err)

	addr, secret := r.ConnectionInfo(handle)
	assert.Empty(t, addr)
	assert.Empty(t, secret)
}
