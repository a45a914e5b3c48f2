package types

import "time"

// RuntimeType identifies which backend hosts instances of an Artifact/Task.
type RuntimeType string

const (
	RuntimeTypeProcess    RuntimeType = "process"
	RuntimeTypeWasm       RuntimeType = "wasm"
	RuntimeTypeKubernetes RuntimeType = "kubernetes"
)

// InvocationType controls whether an invocation reuses or creates a Task.
type InvocationType string

const (
	InvocationTypeNewTask      InvocationType = "new_task"
	InvocationTypeExistingTask InvocationType = "existing_task"
)

// ResourceLimits caps what a single Instance may consume. Limits are not
// checked when an instance is created: a zero or negative limit is
// accepted, and the Kubernetes backend then sets no container limits (see
// Valid).
type ResourceLimits struct {
	MaxCPUCores   float64
	MaxMemoryBytes int64
	MaxDiskBytes   int64
	MaxNetworkBps  int64
}

// Valid reports whether every limit is strictly positive.
func (r ResourceLimits) Valid() bool {
	return r.MaxCPUCores > 0 && r.MaxMemoryBytes > 0 && r.MaxDiskBytes > 0 && r.MaxNetworkBps > 0
}

// Artifact is the immutable, content-addressable deployment unit a Task is
// derived from. Shared by every Task that references it.
type Artifact struct {
	ID                   string
	Name                 string
	Version              string
	RuntimeType          RuntimeType
	Location             string // e.g. "sms+file://<host>/<fileId>"
	SHA256               string
	Environment          map[string]string
	ResourceLimits       ResourceLimits
	InvocationType       InvocationType
	MaxExecutionTimeoutMs int64
	Labels               map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time

	// TaskIDs are the tasks currently derived from this artifact. The
	// Artifact knows its tasks by id; it does not own them.
	TaskIDs map[string]struct{}
}

// TaskCount returns the number of tasks currently referencing this artifact.
func (a *Artifact) TaskCount() int {
	return len(a.TaskIDs)
}

// IdleFor reports how long the artifact has had zero referencing tasks, or
// false if it still has at least one.
func (a *Artifact) IdleFor(now time.Time) (time.Duration, bool) {
	if a.TaskCount() > 0 {
		return 0, false
	}
	return now.Sub(a.UpdatedAt), true
}
