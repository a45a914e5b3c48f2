package types

import "time"

// ArtifactSpec is the caller-supplied description of the Artifact an
// invocation targets; the Execution Manager resolves or creates the real
// Artifact from it.
type ArtifactSpec struct {
	ArtifactID  string
	Name        string
	Version     string
	RuntimeType RuntimeType
	Location    string
	SHA256      string
	Environment map[string]string
	Resources   ResourceLimits
	Labels      map[string]string
}

// TaskSpecRequest is the caller-supplied description of the Task an
// invocation targets.
type TaskSpecRequest struct {
	TaskType   string
	EntryPoint string
	HandlerConfig map[string]string
	Environment   map[string]string
}

// ExecutionRequest is the public invocation request accepted by
// ExecutionManager.SubmitExecution.
type ExecutionRequest struct {
	ArtifactSpec ArtifactSpec
	TaskSpec     TaskSpecRequest
	Payload      []byte
	Headers      map[string]string
	TimeoutMs    int64
	ContextData  map[string]string
}

// ExecutionContext is the internal context built directly from
// ExecutionRequest. Its ExecutionID, Payload, Headers and TimeoutMs are
// passed to the runtime; ContextData is not — see DESIGN.md Open Question
// decisions.
type ExecutionContext struct {
	ExecutionID string
	Payload     []byte
	Headers     map[string]string
	TimeoutMs   int64
	ContextData map[string]string
}

// ExecutionStatusString is the caller-facing status string.
type ExecutionStatusString string

const (
	ExecutionCompleted ExecutionStatusString = "completed"
	ExecutionFailed    ExecutionStatusString = "failed"
	ExecutionPending   ExecutionStatusString = "pending"
)

// ExecutionResponse is the caller-facing result of an invocation.
type ExecutionResponse struct {
	RequestID        string
	Status           ExecutionStatusString
	OutputData       []byte
	ErrorMessage     string
	ExecutionTimeMs  int64
	Metadata         map[string]string
}

// RuntimeExecutionError is the structured, machine-consumable error a
// Runtime.Invoke call can return (in InvokeResult.Err) alongside (or
// instead of) a string message.
type RuntimeExecutionError struct {
	Kind      string
	Message   string
	TimeoutMs int64
}

func (e *RuntimeExecutionError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// RuntimeExecutionResponse is the result shape of one Runtime.Invoke call
// (runtime.InvokeResult has the same fields) before it is adapted into an
// ExecutionResponse.
type RuntimeExecutionResponse struct {
	Success         bool
	OutputData      []byte
	Err             *RuntimeExecutionError
	ExecutionTimeMs int64
	Metadata        map[string]string
}

// ExecutorStats is the Execution Manager's running counters.
type ExecutorStats struct {
	TotalExecutions       int64
	SuccessfulExecutions  int64
	FailedExecutions      int64
	TotalExecutionTimeMs  int64
	AverageExecutionTimeMs float64
	ActiveInstances       int
	ActiveTasks           int
	ActiveArtifacts       int
	UpdatedAt             time.Time
}
