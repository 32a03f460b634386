package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/gateway"
	"github.com/haasonsaas/nexus-exec/internal/nodehost"
	"github.com/haasonsaas/nexus-exec/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires observability, takes the instance
// lock and runs the gateway until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting nexus-exec gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	store := execpolicy.NewStore(execpolicy.StoreConfig{
		Path:      cfg.Exec.ApprovalsPath,
		Defaults:  cfg.Exec.Defaults,
		Allowlist: cfg.Exec.Allowlist,
		SafeBins:  cfg.Exec.SafeBins,
		Logger:    logger,
	})

	lock, err := gateway.AcquireLock(gateway.LockOptions{Key: store.Path()})
	if err != nil {
		return fmt.Errorf("acquire gateway lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release gateway lock", "error", err)
		}
	}()

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	traceCfg := cfg.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLogger.Close()

	g, err := gateway.New(gateway.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Audit:   auditLogger,
		Store:   store,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	opts := gateway.ServerOptions{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if registry != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Gatherer = registry
	}
	server := gateway.NewServer(g, opts)
	if err := server.Start(); err != nil {
		_ = g.Close(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("nexus-exec gateway started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}
	if err := g.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("gateway shutdown: %w", err))
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info("nexus-exec gateway stopped gracefully")
	return nil
}

// =============================================================================
// Node Command Handler
// =============================================================================

type nodeOptions struct {
	nodeID        string
	name          string
	shell         string
	policyConfig  string
	maxConcurrent int
	debug         bool
}

func runNode(cmd *cobra.Command, flags clientFlags, opts nodeOptions) error {
	level := "info"
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json", Output: os.Stderr})
	slog.SetDefault(logger)

	if opts.nodeID == "" {
		return errors.New("--node-id is required")
	}

	var policy *execpolicy.Store
	if opts.policyConfig != "" {
		cfg, err := loadConfig(opts.policyConfig)
		if err != nil {
			return err
		}
		policy = execpolicy.NewStore(execpolicy.StoreConfig{
			Path:      cfg.Exec.ApprovalsPath,
			Defaults:  cfg.Exec.Defaults,
			Allowlist: cfg.Exec.Allowlist,
			SafeBins:  cfg.Exec.SafeBins,
			Logger:    logger,
		})
		if err := policy.Load(); err != nil {
			return err
		}
	}

	host := nodehost.New(nodehost.Config{
		URL:           flags.url,
		Token:         flags.token,
		NodeID:        opts.nodeID,
		DisplayName:   opts.name,
		Version:       version,
		Shell:         opts.shell,
		Policy:        policy,
		MaxConcurrent: opts.maxConcurrent,
	}, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting node host", "node_id", opts.nodeID, "url", flags.url)
	err := host.Run(ctx)
	if errors.Is(err, nodehost.ErrRevoked) {
		fmt.Fprintln(cmd.ErrOrStderr(), "node pairing was revoked by the gateway")
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
