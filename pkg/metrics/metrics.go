package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution Manager metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_executions_total",
			Help: "Total number of executions by status (completed, failed)",
		},
		[]string{"status"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_execution_duration_seconds",
			Help:    "Time taken to run one invocation end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveArtifacts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_active_artifacts",
			Help: "Number of artifacts currently tracked by the executor",
		},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_active_tasks",
			Help: "Number of tasks currently tracked by the executor",
		},
	)

	ActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_active_instances",
			Help: "Number of instances currently tracked by the executor",
		},
	)

	InstanceCreationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_instance_creation_duration_seconds",
			Help:    "Time taken for a runtime to create and start an instance",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Instance Pool + Scheduler metrics
	PoolScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_pool_scale_events_total",
			Help: "Total number of autoscaling decisions applied, by direction",
		},
		[]string{"direction"}, // "up" | "down"
	)

	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_pool_utilization",
			Help: "Current utilization of a task's instance pool",
		},
		[]string{"task_id"},
	)

	PoolEfficiency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_pool_efficiency",
			Help: "active_instances / total_instances across all pools",
		},
	)

	// Health check metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_health_checks_total",
			Help: "Total number of instance health checks by result",
		},
		[]string{"result"}, // "healthy" | "unhealthy"
	)

	// SMS registry + placement metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_sms_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	PlacementRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_sms_placement_requests_total",
			Help: "Total number of PlaceInvocation calls served",
		},
	)

	PlacementCandidatesReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_sms_placement_candidates_returned",
			Help:    "Number of candidates returned per PlaceInvocation call",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	NodesCleanedUpTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_sms_nodes_cleaned_up_total",
			Help: "Total number of nodes removed by cleanup_unhealthy_nodes",
		},
	)

	// Registration/heartbeat client metrics
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_spearlet_heartbeats_sent_total",
			Help: "Total number of heartbeats successfully sent to the SMS",
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_spearlet_heartbeat_failures_total",
			Help: "Total number of failed heartbeat attempts",
		},
	)

	RegistrationStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_spearlet_registration_state",
			Help: "Registration state (0=not_registered, 1=registered, 2=failed)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ActiveArtifacts,
		ActiveTasks,
		ActiveInstances,
		InstanceCreationDuration,
		PoolScaleEventsTotal,
		PoolUtilization,
		PoolEfficiency,
		HealthChecksTotal,
		NodesTotal,
		PlacementRequestsTotal,
		PlacementCandidatesReturned,
		NodesCleanedUpTotal,
		HeartbeatsSentTotal,
		HeartbeatFailuresTotal,
		RegistrationStateGauge,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
