// Package config loads Spearlet/SMS configuration from a TOML file,
// SPEAR_*-prefixed environment variables, and CLI flags, in that precedence
// order (CLI > env > file > defaults).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Spearlet holds the Spearlet process configuration and CLI surface.
type Spearlet struct {
	ConfigFile       string `toml:"-"`
	GRPCAddr         string `toml:"grpc_addr"`
	HTTPAddr         string `toml:"http_addr"`
	HeartbeatTimeoutS int64  `toml:"heartbeat_timeout_s"`
	CleanupIntervalS int64  `toml:"cleanup_interval_s"`
	EnableSwagger    bool   `toml:"enable_swagger"`
	LogLevel         string `toml:"log_level"`
	StorageBackend   string `toml:"storage_backend"` // "memory" | "bbolt"
	StoragePath      string `toml:"storage_path"`
	NodeName         string `toml:"node_name"`
	SMSAddr          string `toml:"sms_addr"`
	SMSHTTPAddr      string `toml:"sms_http_addr"`

	// Execution Manager.
	MaxConcurrentExecutions   int   `toml:"max_concurrent_executions"`
	MaxArtifacts              int   `toml:"max_artifacts"`
	MaxTasksPerArtifact       int   `toml:"max_tasks_per_artifact"`
	InstanceCreationTimeoutMs int64 `toml:"instance_creation_timeout_ms"`
	HealthCheckIntervalMs     int64 `toml:"health_check_interval_ms"`
	MetricsIntervalMs         int64 `toml:"metrics_interval_ms"`
	ExecutionCleanupIntervalMs int64 `toml:"execution_cleanup_interval_ms"`
	InstanceIdleTimeoutMs     int64 `toml:"instance_idle_timeout_ms"`
	TaskIdleTimeoutMs         int64 `toml:"task_idle_timeout_ms"`
	ArtifactIdleTimeoutMs     int64 `toml:"artifact_idle_timeout_ms"`

	// Instance Pool + Scheduler.
	SelectionPolicy        string  `toml:"selection_policy"`
	PoolCleanupIntervalMs  int64   `toml:"pool_cleanup_interval_ms"`
	DefaultMinInstances    int     `toml:"default_min_instances"`
	DefaultMaxInstances    int     `toml:"default_max_instances"`
	ScaleUpThreshold       float64 `toml:"scale_up_threshold"`
	ScaleDownThreshold     float64 `toml:"scale_down_threshold"`
	ScaleUpCooldownMs      int64   `toml:"scale_up_cooldown_ms"`
	ScaleDownCooldownMs    int64   `toml:"scale_down_cooldown_ms"`
	AutoscaleIntervalMs    int64   `toml:"autoscale_interval_ms"`

	// Registration / heartbeat client.
	HeartbeatIntervalS       int64 `toml:"heartbeat_interval_s"`
	SMSConnectTimeoutMs      int64 `toml:"sms_connect_timeout_ms"`
	SMSConnectRetryMs        int64 `toml:"sms_connect_retry_ms"`
	ReconnectTotalTimeoutMs  int64 `toml:"reconnect_total_timeout_ms"`
}

// DefaultSpearlet returns the hard-coded defaults, the lowest-precedence layer.
func DefaultSpearlet() Spearlet {
	return Spearlet{
		GRPCAddr:          "127.0.0.1:7300",
		HTTPAddr:          "127.0.0.1:7301",
		HeartbeatTimeoutS: 30,
		CleanupIntervalS:  60,
		EnableSwagger:     false,
		LogLevel:          "info",
		StorageBackend:    "memory",
		StoragePath:       "./data",
		SMSAddr:           "127.0.0.1:7400",
		SMSHTTPAddr:       "127.0.0.1:8080",

		MaxConcurrentExecutions:    64,
		MaxArtifacts:               1000,
		MaxTasksPerArtifact:        50,
		InstanceCreationTimeoutMs:  30_000,
		HealthCheckIntervalMs:      10_000,
		MetricsIntervalMs:          15_000,
		ExecutionCleanupIntervalMs: 30_000,
		InstanceIdleTimeoutMs:      600_000,
		TaskIdleTimeoutMs:          1_800_000,
		ArtifactIdleTimeoutMs:      3_600_000,

		SelectionPolicy:       "round_robin",
		PoolCleanupIntervalMs: 30_000,
		DefaultMinInstances:   0,
		DefaultMaxInstances:   5,
		ScaleUpThreshold:      0.75,
		ScaleDownThreshold:    0.25,
		ScaleUpCooldownMs:     30_000,
		ScaleDownCooldownMs:   60_000,
		AutoscaleIntervalMs:   10_000,

		HeartbeatIntervalS:      10,
		SMSConnectTimeoutMs:     30_000,
		SMSConnectRetryMs:       1_000,
		ReconnectTotalTimeoutMs: 120_000,
	}
}

// LoadSpearlet applies the file/env layers over the defaults. CLI overrides
// are applied by the caller afterwards (cobra binds flags directly onto the
// struct fields it cares about, which by construction run last).
func LoadSpearlet(path string) (Spearlet, error) {
	cfg := DefaultSpearlet()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applySpearletEnv(&cfg)
	return cfg, nil
}

func applySpearletEnv(cfg *Spearlet) {
	if v, ok := lookupEnv("SPEAR_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := lookupEnv("SPEAR_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookupEnvInt64("SPEAR_HEARTBEAT_TIMEOUT"); ok {
		cfg.HeartbeatTimeoutS = v
	}
	if v, ok := lookupEnvInt64("SPEAR_CLEANUP_INTERVAL"); ok {
		cfg.CleanupIntervalS = v
	}
	if v, ok := lookupEnvBool("SPEAR_ENABLE_SWAGGER"); ok {
		cfg.EnableSwagger = v
	}
	if v, ok := lookupEnv("SPEAR_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("SPEAR_STORAGE_BACKEND"); ok {
		cfg.StorageBackend = v
	}
	if v, ok := lookupEnv("SPEAR_STORAGE_PATH"); ok {
		cfg.StoragePath = v
	}
	if v, ok := lookupEnv("SPEAR_NODE_NAME"); ok {
		cfg.NodeName = v
	}
	if v, ok := lookupEnv("SPEAR_SMS_ADDR"); ok {
		cfg.SMSAddr = v
	}
	if v, ok := lookupEnv("SPEAR_SMS_HTTP_ADDR"); ok {
		cfg.SMSHTTPAddr = v
	}
	if v, ok := lookupEnvInt64("SPEAR_MAX_CONCURRENT_EXECUTIONS"); ok {
		cfg.MaxConcurrentExecutions = int(v)
	}
	if v, ok := lookupEnvInt64("SPEAR_MAX_ARTIFACTS"); ok {
		cfg.MaxArtifacts = int(v)
	}
	if v, ok := lookupEnvInt64("SPEAR_MAX_TASKS_PER_ARTIFACT"); ok {
		cfg.MaxTasksPerArtifact = int(v)
	}
	if v, ok := lookupEnvInt64("SPEAR_INSTANCE_CREATION_TIMEOUT_MS"); ok {
		cfg.InstanceCreationTimeoutMs = v
	}
	if v, ok := lookupEnv("SPEAR_SELECTION_POLICY"); ok {
		cfg.SelectionPolicy = v
	}
	if v, ok := lookupEnvInt64("SPEAR_HEARTBEAT_INTERVAL_S"); ok {
		cfg.HeartbeatIntervalS = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func lookupEnvInt64(key string) (int64, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// SMS holds the SMS control-server process configuration.
type SMS struct {
	GRPCAddr             string  `toml:"grpc_addr"`
	HTTPAddr             string  `toml:"http_addr"`
	LogLevel             string  `toml:"log_level"`
	StorageBackend       string  `toml:"storage_backend"`
	StoragePath          string  `toml:"storage_path"`
	HeartbeatTimeoutS    int64   `toml:"heartbeat_timeout_s"`
	NodeCleanupIntervalS int64   `toml:"node_cleanup_interval_s"`
	HighLoadCPUPercent   float64 `toml:"high_load_cpu_percent"`
	HighLoadMemPercent   float64 `toml:"high_load_mem_percent"`
	WeightCPU            float64 `toml:"weight_cpu"`
	WeightMemory         float64 `toml:"weight_memory"`
	WeightLoad           float64 `toml:"weight_load"`
}

// DefaultSMS returns the hard-coded SMS defaults.
func DefaultSMS() SMS {
	return SMS{
		GRPCAddr:             "0.0.0.0:7400",
		HTTPAddr:             "0.0.0.0:8080",
		LogLevel:             "info",
		StorageBackend:       "memory",
		StoragePath:          "./sms-data",
		HeartbeatTimeoutS:    30,
		NodeCleanupIntervalS: 60,
		HighLoadCPUPercent:   80,
		HighLoadMemPercent:   80,
		WeightCPU:            0.4,
		WeightMemory:         0.4,
		WeightLoad:           0.2,
	}
}

// LoadSMS applies the file/env layers over the defaults.
func LoadSMS(path string) (SMS, error) {
	cfg := DefaultSMS()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if v, ok := lookupEnv("SPEAR_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := lookupEnv("SPEAR_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookupEnv("SPEAR_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("SPEAR_STORAGE_BACKEND"); ok {
		cfg.StorageBackend = v
	}
	if v, ok := lookupEnv("SPEAR_STORAGE_PATH"); ok {
		cfg.StoragePath = v
	}
	return cfg, nil
}
