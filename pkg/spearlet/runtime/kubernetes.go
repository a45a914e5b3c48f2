package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/types"
)

const (
	kubectlApplyTimeout = 30 * time.Second
	jobPollInterval      = 2 * time.Second
)

// kubernetesHandle identifies a logical instance. jobName is empty until
// the first Invoke renders and applies a Job for it; between invocations
// (and for a freshly-Started instance) there is nothing running in the
// cluster to hold a handle to.
type kubernetesHandle struct {
	mu        sync.Mutex
	jobName   string
	namespace string
	spec      StartSpec
}

// KubernetesRuntime renders a batchv1.Job per instance and manages it by
// shelling out to kubectl — apply, poll, logs, delete are all literal
// subprocess invocations — while still using real k8s.io/api +
// k8s.io/apimachinery types to build the manifest.
type KubernetesRuntime struct {
	namespace string
	logger    zerolog.Logger
}

// NewKubernetesRuntime builds a runtime that creates Jobs in namespace.
func NewKubernetesRuntime(namespace string) *KubernetesRuntime {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesRuntime{namespace: namespace, logger: log.WithComponent("runtime-kubernetes")}
}

func (r *KubernetesRuntime) Type() types.RuntimeType { return types.RuntimeTypeKubernetes }

func (r *KubernetesRuntime) Capabilities() Capabilities {
	return Capabilities{
		SupportsScaling:           true,
		SupportsHealthChecks:      true,
		SupportsMetrics:           false,
		SupportsHotReload:         false,
		SupportsPersistentStorage: true,
		SupportsNetworkIsolation:  true,
		MaxConcurrentInstances:    0,
		SupportedProtocols:        []string{"http"},
	}
}

func buildJob(namespace string, spec StartSpec) *batchv1.Job {
	backoffLimit := int32(0)
	ttl := int32(300)

	env := make([]corev1.EnvVar, 0, len(spec.Config.Environment))
	for k, v := range spec.Config.Environment {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{}
	if spec.Config.Resources.Valid() {
		resources.Limits = corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(fmt.Sprintf("%fm", spec.Config.Resources.MaxCPUCores*1000)),
			corev1.ResourceMemory: *resource.NewQuantity(spec.Config.Resources.MaxMemoryBytes, resource.BinarySI),
		}
	}

	jobName := "spear-" + spec.InstanceID

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: namespace,
			Labels: map[string]string{
				"spear.io/instance-id": spec.InstanceID,
				"spear.io/task-id":     spec.TaskID,
				"spear.io/artifact-id": spec.ArtifactID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"spear.io/instance-id": spec.InstanceID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "instance",
							Image:     spec.Location,
							Env:       env,
							Resources: resources,
						},
					},
				},
			},
		},
	}
}

// Start does not create anything in the cluster: a Kubernetes-backed Task
// has no standing instance to keep warm, since each invocation is its own
// Job run end to end. It returns a logical instance in Ready holding the
// spec needed to render the Job at Invoke time.
func (r *KubernetesRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	return &kubernetesHandle{namespace: r.namespace, spec: spec}, nil
}

// Invoke renders the instance's Job, applies it, polls every
// jobPollInterval until it completes or the invocation timeout elapses,
// reads its logs as the execution output, and deletes the Job — the whole
// create/run/collect/teardown cycle for a Kubernetes "execute", since Start
// intentionally did none of it.
func (r *KubernetesRuntime) Invoke(ctx context.Context, handle Handle, spec InvokeSpec) (InvokeResult, error) {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return InvokeResult{}, errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}

	if spec.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	job := buildJob(r.namespace, h.spec)
	h.mu.Lock()
	h.jobName = job.Name
	h.mu.Unlock()

	manifest, err := yaml.Marshal(job)
	if err != nil {
		return InvokeResult{}, errors.Wrap(errors.SerializationError, "failed to marshal job manifest", err)
	}

	tmpFile, err := os.CreateTemp("", "spear-job-*.yaml")
	if err != nil {
		return InvokeResult{}, errors.Wrap(errors.IoError, "failed to create manifest temp file", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(manifest); err != nil {
		tmpFile.Close()
		return InvokeResult{}, errors.Wrap(errors.IoError, "failed to write manifest", err)
	}
	tmpFile.Close()

	start := time.Now()

	if err := r.runKubectl(ctx, "apply", "-f", tmpFile.Name()); err != nil {
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "kubectl apply failed", err)
	}
	defer r.runKubectl(context.Background(), "delete", "job", job.Name, "-n", r.namespace, "--ignore-not-found")

	succeeded, err := r.PollUntilComplete(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			timeoutMs := spec.TimeoutMs
			return InvokeResult{}, errors.NewExecutionTimeout(timeoutMs)
		}
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "failed polling job status", err)
	}

	logs, logErr := r.runKubectlOutput(context.Background(), "logs", "job/"+job.Name, "-n", r.namespace)
	if logErr != nil {
		logs = nil
	}

	if !succeeded {
		return InvokeResult{
			Success: false,
			Err: &types.RuntimeExecutionError{
				Kind:    "job_failed",
				Message: "kubernetes job did not complete successfully",
			},
			OutputData:      logs,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return InvokeResult{
		Success:         true,
		OutputData:      logs,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// HealthCheck reports true for an instance with no live Job (nothing to be
// unhealthy about between invocations); once a Job is running it reflects
// .status.active.
func (r *KubernetesRuntime) HealthCheck(ctx context.Context, handle Handle) (bool, error) {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return false, errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}
	h.mu.Lock()
	jobName := h.jobName
	h.mu.Unlock()
	if jobName == "" {
		return true, nil
	}

	out, err := r.runKubectlOutput(ctx, "get", "job", jobName, "-n", h.namespace, "-o", "jsonpath={.status.active}")
	if err != nil {
		return false, errors.Wrap(errors.RuntimeError, "kubectl get job failed", err)
	}
	return bytes.Equal(bytes.TrimSpace(out), []byte("1")) || len(bytes.TrimSpace(out)) > 0, nil
}

func (r *KubernetesRuntime) Logs(ctx context.Context, handle Handle) ([]byte, error) {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return nil, errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}
	h.mu.Lock()
	jobName := h.jobName
	h.mu.Unlock()
	if jobName == "" {
		return nil, nil
	}
	return r.runKubectlOutput(ctx, "logs", "job/"+jobName, "-n", h.namespace)
}

// Stop tears down whatever Job is currently associated with the instance,
// if any. Idempotent: --ignore-not-found covers the between-invocations
// case where there is nothing to delete.
func (r *KubernetesRuntime) Stop(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}
	h.mu.Lock()
	jobName := h.jobName
	h.mu.Unlock()
	if jobName == "" {
		return nil
	}
	return r.runKubectl(ctx, "delete", "job", jobName, "-n", h.namespace, "--ignore-not-found")
}

// ValidateConfig checks only that cfg targets the Kubernetes runtime.
// InstanceConfig carries no image reference, so the image buildJob uses
// (StartSpec.Location) is not checked here.
func (r *KubernetesRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	if cfg.RuntimeType != types.RuntimeTypeKubernetes {
		return errors.New(errors.InvalidConfiguration, "kubernetes runtime requires RuntimeType Kubernetes")
	}
	return nil
}

// GetMetrics reports the runtime-level facts the spec says this backend
// supports metrics for: namespace and runtime type, not per-Job resource
// usage (Capabilities.SupportsMetrics is false for that reason).
func (r *KubernetesRuntime) GetMetrics(ctx context.Context, handle Handle) (map[string]any, error) {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return nil, errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}
	return map[string]any{
		"namespace":    h.namespace,
		"runtime_type": string(types.RuntimeTypeKubernetes),
	}, nil
}

// ScaleInstance is unsupported: a Job's resource requests are fixed at
// apply time, there is no post-create resize path for a one-shot Job.
func (r *KubernetesRuntime) ScaleInstance(ctx context.Context, handle Handle, limits types.ResourceLimits) error {
	return errors.NewUnsupportedOperation("scale_instance", string(types.RuntimeTypeKubernetes))
}

// ConnectionInfo: Jobs have no control channel of their own, invocation
// results come back through Invoke's own render/apply/poll/logs cycle.
func (r *KubernetesRuntime) ConnectionInfo(handle Handle) (string, string) { return "", "" }

// CleanupInstance makes sure no Job is left behind, in case Invoke's own
// deferred delete was interrupted.
func (r *KubernetesRuntime) CleanupInstance(ctx context.Context, handle Handle) error {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}
	h.mu.Lock()
	jobName := h.jobName
	h.mu.Unlock()
	if jobName == "" {
		return nil
	}
	return r.runKubectl(ctx, "delete", "job", jobName, "-n", h.namespace, "--ignore-not-found")
}

func (r *KubernetesRuntime) Close() error { return nil }

func (r *KubernetesRuntime) runKubectl(ctx context.Context, args ...string) error {
	_, err := r.runKubectlOutput(ctx, args...)
	return err
}

func (r *KubernetesRuntime) runKubectlOutput(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, kubectlApplyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "kubectl", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Error().Str("args", fmt.Sprint(args)).Str("stderr", stderr.String()).Err(err).Msg("kubectl command failed")
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// PollUntilComplete blocks, polling every jobPollInterval, until the Job
// reports a succeeded pod (returning true) or ctx is cancelled. A failed Job
// is not detected: polling then continues until ctx is cancelled.
func (r *KubernetesRuntime) PollUntilComplete(ctx context.Context, handle Handle) (bool, error) {
	h, ok := handle.(*kubernetesHandle)
	if !ok {
		return false, errors.New(errors.RuntimeError, "invalid handle for kubernetes runtime")
	}

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			out, err := r.runKubectlOutput(ctx, "get", "job", h.jobName, "-n", h.namespace, "-o", "jsonpath={.status.succeeded}")
			if err != nil {
				continue
			}
			if bytes.Equal(bytes.TrimSpace(out), []byte("1")) {
				return true, nil
			}
		}
	}
}
