// Command spearlet runs one Spearlet worker process: it hosts the runtime
// backends (process/wasm/kubernetes), the Execution Manager, and the
// Instance Pool, and registers/heartbeats against an SMS control server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spearproj/spear/pkg/config"
	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/metrics"
	"github.com/spearproj/spear/pkg/spearlet/execution"
	"github.com/spearproj/spear/pkg/spearlet/registration"
	"github.com/spearproj/spear/pkg/spearlet/runtime"
	"github.com/spearproj/spear/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "spearlet",
	Short:   "Spearlet - SPEAR function-execution worker node",
	Version: Version,
	RunE:    runSpearlet,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("spearlet version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to TOML configuration file")
	flags.String("grpc-addr", "", "Spearlet gRPC listen address (ip:port)")
	flags.String("http-addr", "", "Spearlet HTTP listen address (ip:port)")
	flags.Int64("heartbeat-timeout", 0, "Heartbeat timeout in seconds")
	flags.Int64("cleanup-interval", 0, "Cleanup interval in seconds")
	flags.Bool("enable-swagger", false, "Enable the Swagger UI (external collaborator; not implemented here)")
	flags.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	flags.String("storage-backend", "", "Storage backend: memory|bbolt")
	flags.String("storage-path", "", "Storage directory for the bbolt backend")
	flags.String("node-name", "", "Node name; used verbatim as node_uuid if it parses as a UUID")
	flags.String("sms-addr", "", "SMS control-plane gRPC address")
	flags.String("sms-http-addr", "", "SMS HTTP address, used to resolve sms+file:// artifact URIs")
}

// runSpearlet loads configuration (CLI > env > file > defaults),
// wires the runtime backends, the Execution Manager, and the registration
// client, and blocks until an OS signal requests shutdown.
func runSpearlet(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")

	cfg, err := config.LoadSpearlet(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applySpearletFlags(flags, &cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogLevel != "trace"})
	logger := log.WithComponent("spearlet")

	// The Spearlet keeps no persistent state of its own across restarts;
	// --storage-backend/--storage-path are accepted and opened here so a
	// future local cache has somewhere to live, but nothing reads or writes
	// it yet.
	store, err := openStore(cfg.StorageBackend, cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("opening storage backend %q: %w", cfg.StorageBackend, err)
	}
	defer store.Close()

	runtimes := map[types.RuntimeType]runtime.Runtime{
		types.RuntimeTypeProcess:    runtime.NewProcessRuntime(),
		types.RuntimeTypeWasm:       runtime.NewWasmRuntime(32),
		types.RuntimeTypeKubernetes: runtime.NewKubernetesRuntime("default"),
	}
	defer func() {
		for _, rt := range runtimes {
			_ = rt.Close()
		}
	}()

	manager := execution.New(execution.Config{
		MaxConcurrentExecutions:   cfg.MaxConcurrentExecutions,
		MaxArtifacts:              cfg.MaxArtifacts,
		MaxTasksPerArtifact:       cfg.MaxTasksPerArtifact,
		InstanceCreationTimeoutMs: cfg.InstanceCreationTimeoutMs,
		HealthCheckIntervalMs:     cfg.HealthCheckIntervalMs,
		MetricsIntervalMs:         cfg.MetricsIntervalMs,
		CleanupIntervalMs:         cfg.ExecutionCleanupIntervalMs,
		InstanceIdleTimeoutMs:     cfg.InstanceIdleTimeoutMs,
		TaskIdleTimeoutMs:         cfg.TaskIdleTimeoutMs,
		ArtifactIdleTimeoutMs:     cfg.ArtifactIdleTimeoutMs,

		SelectionPolicyName:        cfg.SelectionPolicy,
		PoolCleanupIntervalMs:      cfg.PoolCleanupIntervalMs,
		AutoscaleIntervalMs:        cfg.AutoscaleIntervalMs,
		IdleEligibleForScaleDownMs: 5 * 60 * 1000,
	}, runtimes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	regClient := registration.New(registration.Config{
		SMSAddr:                 cfg.SMSAddr,
		NodeName:                cfg.NodeName,
		ListenIP:                listenIP(cfg.GRPCAddr),
		ListenPort:              listenPort(cfg.GRPCAddr),
		SMSConnectTimeoutMs:     cfg.SMSConnectTimeoutMs,
		SMSConnectRetryMs:       cfg.SMSConnectRetryMs,
		HeartbeatIntervalS:      cfg.HeartbeatIntervalS,
		ReconnectTotalTimeoutMs: cfg.ReconnectTotalTimeoutMs,
	})
	if err := regClient.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial sms registration failed; heartbeat loop will retry")
	}

	logger.Info().
		Str("node_uuid", regClient.NodeUUID()).
		Str("grpc_addr", cfg.GRPCAddr).
		Str("http_addr", cfg.HTTPAddr).
		Str("sms_addr", cfg.SMSAddr).
		Msg("spearlet started")

	waitForShutdown()

	logger.Info().Msg("shutting down")
	regClient.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("execution manager shutdown reported errors")
	}
	_ = httpSrv.Close()

	return nil
}

// applySpearletFlags overlays any CLI flag the caller actually set on top of
// the file/env-resolved config, completing the CLI > env > file > defaults
// precedence (flags cobra didn't see `Changed` leave the lower layers alone).
func applySpearletFlags(flags *pflag.FlagSet, cfg *config.Spearlet) {
	if flags.Changed("grpc-addr") {
		cfg.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("heartbeat-timeout") {
		cfg.HeartbeatTimeoutS, _ = flags.GetInt64("heartbeat-timeout")
	}
	if flags.Changed("cleanup-interval") {
		cfg.CleanupIntervalS, _ = flags.GetInt64("cleanup-interval")
	}
	if flags.Changed("enable-swagger") {
		cfg.EnableSwagger, _ = flags.GetBool("enable-swagger")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("storage-backend") {
		cfg.StorageBackend, _ = flags.GetString("storage-backend")
	}
	if flags.Changed("storage-path") {
		cfg.StoragePath, _ = flags.GetString("storage-path")
	}
	if flags.Changed("node-name") {
		cfg.NodeName, _ = flags.GetString("node-name")
	}
	if flags.Changed("sms-addr") {
		cfg.SMSAddr, _ = flags.GetString("sms-addr")
	}
	if flags.Changed("sms-http-addr") {
		cfg.SMSHTTPAddr, _ = flags.GetString("sms-http-addr")
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func openStore(backend, path string) (kv.Store, error) {
	switch backend {
	case "", "memory":
		return kv.NewMemoryStore(), nil
	case "bbolt":
		return kv.NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func listenIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
