// Package runtime implements the three Spearlet execution backends:
// Process (bare OS process + TCP control listener), WASM (sandboxed module
// execution with a content-hash module cache), and Kubernetes (render a
// batchv1.Job and shell out to kubectl). Each backend satisfies the same
// Runtime interface so the Execution Manager (pkg/spearlet/execution) never
// branches on runtime type.
package runtime

import (
	"context"
	"time"

	"github.com/spearproj/spear/pkg/types"
)

// Capabilities describes what a backend can do, queried by the Execution
// Manager before it schedules work requiring a specific feature.
type Capabilities = types.RuntimeCapabilities

// StartSpec is everything a backend needs to bring up one Instance.
type StartSpec struct {
	InstanceID string
	TaskID     string
	ArtifactID string
	Location   string // artifact binary path, or an "sms+file://" URI, or a container image
	SHA256     string
	Config     types.InstanceConfig
	Settings   map[string]string

	// SMSHTTPAddr is the fallback host:port used to resolve a
	// "sms+file://<fileId>" Location that omits its own host: if host is
	// omitted, the Spearlet's configured SMS HTTP address is used instead.
	SMSHTTPAddr string
}

// Handle is an opaque, backend-specific reference to a running instance.
// The Execution Manager stores it in Instance.RuntimeHandle and passes it
// back verbatim to Invoke/Stop/HealthCheck.
type Handle any

// InvokeSpec is one execution request dispatched to a running instance.
type InvokeSpec struct {
	ExecutionID string
	Payload     []byte
	Headers     map[string]string
	TimeoutMs   int64
}

// InvokeResult mirrors types.RuntimeExecutionResponse; kept as a distinct
// type so backends don't reach into pkg/types directly for wire shape.
type InvokeResult struct {
	Success         bool
	OutputData      []byte
	Err             *types.RuntimeExecutionError
	ExecutionTimeMs int64
	Metadata        map[string]string
}

// Runtime is the contract every execution backend implements. Start
// folds together create_instance and start_instance: a backend either
// succeeds at bringing an instance up to the point of accepting traffic, or
// fails outright: there is no externally observable Ready-but-not-Running
// state a caller could race with, so the Execution Manager transitions its
// Instance through Ready then Running immediately around one Start call.
type Runtime interface {
	// Type identifies which RuntimeType this backend serves.
	Type() types.RuntimeType

	// Capabilities reports what this backend supports, so callers gate
	// optional operations (ScaleInstance, GetMetrics, ...) on the
	// descriptor instead of downcasting to a concrete backend type.
	Capabilities() Capabilities

	// ValidateConfig is a pure check run before Start; it never touches
	// the backend's live state.
	ValidateConfig(cfg types.InstanceConfig) error

	// Start brings up a new instance and returns its Handle.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// Invoke dispatches one execution to an already-started instance.
	Invoke(ctx context.Context, handle Handle, spec InvokeSpec) (InvokeResult, error)

	// HealthCheck reports whether the instance behind handle is still healthy.
	HealthCheck(ctx context.Context, handle Handle) (bool, error)

	// GetMetrics returns best-effort runtime-level metrics for the instance.
	GetMetrics(ctx context.Context, handle Handle) (map[string]any, error)

	// ScaleInstance applies new resource limits to a live instance.
	// Backends that cannot adjust limits post-create return
	// errors.UnsupportedOperation.
	ScaleInstance(ctx context.Context, handle Handle, limits types.ResourceLimits) error

	// ConnectionInfo reports the listening address and handshake secret a
	// backend stamped on the instance at Start time, or ("", "") if this
	// backend has no addressable control channel of its own (WASM,
	// Kubernetes).
	ConnectionInfo(handle Handle) (addr, secret string)

	// Stop tears down the instance. Idempotent.
	Stop(ctx context.Context, handle Handle, grace time.Duration) error

	// CleanupInstance performs best-effort terminal cleanup after Stop.
	CleanupInstance(ctx context.Context, handle Handle) error

	// Close releases any backend-wide resources (pools, caches, clients).
	Close() error
}
