/*
Package log provides structured logging for SPEAR using zerolog.

The log package wraps zerolog to give every component (Execution Manager,
Instance Pool, runtime backends, registration client, SMS registry and
placement scorer) a field-scoped child logger, console output in
development and JSON output in production, and a configurable level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (log.Init, zerolog instance)               │
	│       │                                                    │
	│       ├─ WithComponent("execution-manager" | "sms-server"  │
	│       │                | "pool" | "registration" | ...)   │
	│       ├─ WithNodeID(nodeUUID)                              │
	│       ├─ WithTaskID(taskID)                                │
	│       ├─ WithInstanceID(instanceID)                        │
	│       ├─ WithExecutionID(executionID)                      │
	│       └─ WithArtifactID(artifactID)                        │
	└─────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("execution-manager")
	logger.Info().Str("request_id", requestID).Msg("execution submitted")

	instLogger := log.WithInstanceID(instance.ID)
	instLogger.Warn().Err(err).Msg("health check failed")

# Log Levels

trace, debug, info, warn, error — set via Config.Level, the --log-level
flag, or the SPEAR_LOG_LEVEL environment variable.

# Integration Points

  - pkg/spearlet/execution: logs admission, dispatch, and background-loop activity
  - pkg/spearlet/pool: logs autoscaling decisions and instance cleanup
  - pkg/spearlet/runtime: logs backend-specific lifecycle events (process spawn, job apply, module compile)
  - pkg/spearlet/registration: logs connect/register/heartbeat state transitions
  - pkg/sms/server, pkg/sms/registry, pkg/sms/placement: logs registration/heartbeat/placement decisions
*/
package log
