// Command sms runs the SPEAR metadata/control server: the node/resource
// registry and the placement scorer behind the control-plane gRPC service
// the Spearlet registration client dials.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spearproj/spear/pkg/config"
	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/metrics"
	"github.com/spearproj/spear/pkg/sms/placement"
	"github.com/spearproj/spear/pkg/sms/server"
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
	Use:     "sms",
	Short:   "SMS - SPEAR metadata/control server",
	Version: Version,
	RunE:    runSMS,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sms version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to TOML configuration file")
	flags.String("grpc-addr", "", "SMS gRPC listen address (ip:port)")
	flags.String("http-addr", "", "SMS HTTP listen address (ip:port) for /metrics, /healthz and /readyz")
	flags.Int64("heartbeat-timeout", 0, "Heartbeat timeout in seconds, beyond which a node is purgeable")
	flags.Int64("node-cleanup-interval", 0, "Stale-node cleanup interval in seconds")
	flags.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	flags.String("storage-backend", "", "Storage backend: memory|bbolt")
	flags.String("storage-path", "", "Storage directory for the bbolt backend")
	flags.Float64("weight-cpu", 0, "Placement score weight for CPU headroom")
	flags.Float64("weight-memory", 0, "Placement score weight for memory headroom")
	flags.Float64("weight-load", 0, "Placement score weight for load-average headroom")
}

func runSMS(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")

	cfg, err := config.LoadSMS(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applySMSFlags(flags, &cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogLevel != "trace"})
	logger := log.WithComponent("sms")

	store, err := openStore(cfg.StorageBackend, cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("opening storage backend %q: %w", cfg.StorageBackend, err)
	}
	defer store.Close()

	srv := server.New(store, server.Config{
		HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutS) * time.Second,
		Weights: placement.Weights{
			CPU:    cfg.WeightCPU,
			Memory: cfg.WeightMemory,
			Load:   cfg.WeightLoad,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupInterval := time.Duration(cfg.NodeCleanupIntervalS) * time.Second
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	go srv.CleanupLoop(ctx, cleanupInterval)

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

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(cfg.GRPCAddr)
	}()

	logger.Info().
		Str("grpc_addr", cfg.GRPCAddr).
		Str("http_addr", cfg.HTTPAddr).
		Msg("sms started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("grpc server exited")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()
	srv.Stop()
	_ = httpSrv.Close()

	return nil
}

func applySMSFlags(flags *pflag.FlagSet, cfg *config.SMS) {
	if flags.Changed("grpc-addr") {
		cfg.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("heartbeat-timeout") {
		cfg.HeartbeatTimeoutS, _ = flags.GetInt64("heartbeat-timeout")
	}
	if flags.Changed("node-cleanup-interval") {
		cfg.NodeCleanupIntervalS, _ = flags.GetInt64("node-cleanup-interval")
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
	if flags.Changed("weight-cpu") {
		cfg.WeightCPU, _ = flags.GetFloat64("weight-cpu")
	}
	if flags.Changed("weight-memory") {
		cfg.WeightMemory, _ = flags.GetFloat64("weight-memory")
	}
	if flags.Changed("weight-load") {
		cfg.WeightLoad, _ = flags.GetFloat64("weight-load")
	}
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
