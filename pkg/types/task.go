package types

import "time"

// ScalingConfig governs a Task's Pool autoscaling behaviour.
type ScalingConfig struct {
	MinInstances        int
	MaxInstances        int
	TargetConcurrency   int
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleUpCooldownMs   int64
	ScaleDownCooldownMs int64
}

// HealthConfig governs how often and how long the executor health-checks a
// Task's instances.
type HealthConfig struct {
	CheckIntervalMs int64
	TimeoutMs       int64
}

// TaskSpec is the configuration of a Task, built by the Execution Manager
// when it creates the task.
type TaskSpec struct {
	Name            string
	TaskType        string
	EntryPoint      string
	HandlerConfig   map[string]string
	Environment     map[string]string // overlay on top of the Artifact's environment
	InvocationType  InvocationType
	Scaling         ScalingConfig
	Health          HealthConfig
	ExecutionTimeoutMs int64
	RuntimeType     RuntimeType
	RuntimeSettings map[string]string
}

// Task is the scalable unit derived from one Artifact.
type Task struct {
	ID         string
	ArtifactID string
	Spec       TaskSpec

	// InstanceIDs are the instances currently live for this task. A Task
	// shares ownership of its instances with the Pool and Scheduler.
	InstanceIDs map[string]struct{}

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceCount returns the number of instances currently tracked for this task.
func (t *Task) InstanceCount() int {
	return len(t.InstanceIDs)
}

// WithinBounds reports whether the task's configured min/max instance counts
// are internally consistent (0 ≤ min ≤ max).
func (t *Task) WithinBounds() bool {
	return t.Spec.Scaling.MinInstances >= 0 && t.Spec.Scaling.MinInstances <= t.Spec.Scaling.MaxInstances
}

// IdleFor reports how long the task has had zero instances, or false if it
// still has at least one.
func (t *Task) IdleFor(now time.Time) (time.Duration, bool) {
	if t.InstanceCount() > 0 {
		return 0, false
	}
	return now.Sub(t.UpdatedAt), true
}

// TaskKey computes the deterministic task identity used by
// get_or_create_task: "task-<artifact_id>-<task_type>".
func TaskKey(artifactID, taskType string) string {
	return "task-" + artifactID + "-" + taskType
}
