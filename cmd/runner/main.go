// Package main is the entry point for the runner-core binary. It wires the
// Runner singleton to a minimal demo actor host — enough to exercise every
// callback spec.md §6 defines — and starts it.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the Runner with a demo Callbacks set
//  4. Start the Runner (brings the Tunnel up, then the control socket)
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rivet-gg/runner-core/internal/registry"
	"github.com/rivet-gg/runner-core/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	endpoint      string
	relayEndpoint string
	namespace     string
	runnerName    string
	runnerKey     string
	totalSlots    int
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "runner-core",
		Short: "Runner Core — connects a local actor host to Pegboard",
		Long: `Runner Core is the client-side agent that connects a local actor host
to a remote Pegboard orchestration service, receives commands to start
and stop actors, forwards tunneled HTTP/WebSocket traffic to them, and
brokers KV storage requests on their behalf.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.endpoint, "endpoint", envOrDefault("RUNNER_ENDPOINT", "http://localhost:8080"), "Pegboard base endpoint")
	root.PersistentFlags().StringVar(&cfg.relayEndpoint, "relay-endpoint", envOrDefault("RUNNER_RELAY_ENDPOINT", ""), "Pegboard tunnel relay endpoint (defaults to --endpoint)")
	root.PersistentFlags().StringVar(&cfg.namespace, "namespace", envOrDefault("RUNNER_NAMESPACE", "default"), "Namespace to register under")
	root.PersistentFlags().StringVar(&cfg.runnerName, "runner-name", envOrDefault("RUNNER_NAME", "runner-core"), "Runner display name")
	root.PersistentFlags().StringVar(&cfg.runnerKey, "runner-key", envOrDefault("RUNNER_KEY", ""), "Runner authentication key")
	root.PersistentFlags().IntVar(&cfg.totalSlots, "total-slots", 100, "Reported actor capacity")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNNER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runner-core %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.runnerKey == "" {
		logger.Warn("runner-key not configured — control connection is unauthenticated")
	}

	logger.Info("starting runner-core",
		zap.String("version", version),
		zap.String("endpoint", cfg.endpoint),
		zap.String("namespace", cfg.namespace),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	host := &demoActorHost{logger: logger}

	r := runner.New(runner.Config{
		Endpoint:              cfg.endpoint,
		PegboardRelayEndpoint: cfg.relayEndpoint,
		Version:               1,
		Namespace:             cfg.namespace,
		RunnerName:            cfg.runnerName,
		RunnerKey:             cfg.runnerKey,
		TotalSlots:            int32(cfg.totalSlots),
		NoAutoShutdown:        true, // this binary owns signal handling itself
		Logger:                logger,
		Callbacks: runner.Callbacks{
			OnConnected:    func() { logger.Info("connected to pegboard") },
			OnDisconnected: func() { logger.Info("disconnected from pegboard") },
			OnShutdown:     func() { logger.Info("runner shut down") },
			OnActorStart:   host.onActorStart,
			OnActorStop:    host.onActorStop,
			Fetch:          host.fetch,
			WebSocket:      host.websocket,
		},
	})

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("runner failed to start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping runner-core")
	r.Shutdown(false)

	logger.Info("runner-core stopped")
	return nil
}

// demoActorHost is a minimal actor host sufficient to exercise every
// callback in runner.Callbacks. Real hosts would dispatch to whatever
// user-defined actor runtime is embedding this module.
type demoActorHost struct {
	logger *zap.Logger
}

func (h *demoActorHost) onActorStart(ctx context.Context, actorID string, generation uint64, cfg registry.ActorConfig) error {
	h.logger.Info("actor starting", zap.String("actor_id", actorID), zap.Uint64("generation", generation), zap.String("name", cfg.Name))
	return nil
}

func (h *demoActorHost) onActorStop(ctx context.Context, actorID string, generation uint64) error {
	h.logger.Info("actor stopping", zap.String("actor_id", actorID), zap.Uint64("generation", generation))
	return nil
}

func (h *demoActorHost) fetch(actorID string, w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func (h *demoActorHost) websocket(actorID string, conn *websocket.Conn) {
	conn.Close()
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
