/*
Package metrics provides Prometheus metrics collection and exposition for
SPEAR.

It defines and registers every `spear_*` collector referenced by the
Execution Manager, the Instance Pool, the SMS registry, and the placement
scorer, exposed via an HTTP /metrics endpoint for Prometheus scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│  Execution Manager  → spear_executions_total               │
	│                     → spear_execution_duration_seconds     │
	│                     → spear_active_{artifacts,tasks,instances} │
	│  Instance Pool      → spear_pool_scale_events_total         │
	│                     → spear_pool_utilization                │
	│                     → spear_pool_efficiency                 │
	│  Runtime backends   → spear_instance_creation_duration_seconds │
	│                     → spear_health_checks_total             │
	│  SMS registry       → spear_sms_nodes_total                 │
	│                     → spear_sms_nodes_cleaned_up_total      │
	│  SMS placement      → spear_sms_placement_requests_total    │
	│                     → spear_sms_placement_candidates_returned │
	│  Registration client → spear_spearlet_heartbeats_sent_total  │
	│                      → spear_spearlet_heartbeat_failures_total │
	│                      → spear_spearlet_registration_state     │
	└────────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	resp, err := execute(ctx, instance, req)
	timer.ObserveDuration(metrics.ExecutionDuration)

	http.Handle("/metrics", metrics.Handler())

# Health and readiness

Package metrics also exposes a small component health registry
(RegisterComponent/UpdateComponent/GetHealth/GetReadiness) backing the
/healthz and /readyz HTTP handlers both cmd/spearlet and cmd/sms serve.

# Integration Points

  - pkg/spearlet/execution: executions/duration/active-entity gauges
  - pkg/spearlet/pool: scale events, utilization, efficiency
  - pkg/spearlet/runtime: instance creation duration, health checks
  - pkg/sms/registry: node count gauges
  - pkg/sms/placement: placement request/candidate counters
  - pkg/spearlet/registration: heartbeat counters and registration state
  - Prometheus: scrapes /metrics on both the Spearlet and SMS HTTP listeners
*/
package metrics
