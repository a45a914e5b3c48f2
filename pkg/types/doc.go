/*
Package types defines the core data structures shared across the Spearlet
and SMS sides of SPEAR: the artifact/task/instance graph a single Spearlet
hosts (artifact.go, task.go, instance.go), the node/resource registry
records the SMS tracks (node.go), the runtime abstraction's configuration
and capability descriptors (runtime.go), and the invocation request/response
shapes the Execution Manager accepts and produces (execution.go).

None of these types own behavior beyond small invariant helpers (IsReady,
WithinBounds, IdleFor, ...); the packages that hold them (pkg/spearlet/...,
pkg/sms/...) own the state machines and background loops that act on them.

# Core Types

Artifact/Task/Instance graph:
  - Artifact: immutable, content-addressable deployment unit
  - Task: scalable unit derived from one Artifact
  - Instance: one live runtime tenant of a Task, with its own state machine

SMS registry:
  - Node: a registered Spearlet's liveness record
  - NodeResource: a node's most recently reported load snapshot
  - ClusterStats: derived cluster-wide aggregate
  - PlacementCandidate: one ranked node returned by PlaceInvocation

Runtime abstraction:
  - RuntimeType, RuntimeCapabilities, RuntimeConfig

Execution:
  - ArtifactSpec, TaskSpecRequest, ExecutionRequest/Response
  - ExecutionContext, RuntimeExecutionResponse/Error
  - ExecutorStats
*/
package types
