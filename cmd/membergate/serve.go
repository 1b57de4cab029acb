// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holomush/membergate/internal/config"
	"github.com/holomush/membergate/internal/logging"
	"github.com/holomush/membergate/internal/observability"
	"github.com/holomush/membergate/internal/store"
	"github.com/holomush/membergate/pkg/errutil"
)

// walReplayInterval is how often spooled audit entries are re-sent.
const walReplayInterval = time.Minute

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// PoolFactory connects to PostgreSQL.
	// Default: store.Connect
	PoolFactory func(ctx context.Context, url string) (*pgxpool.Pool, error)

	// ListenerFactory creates the change notification listener.
	// Default: store.NewListener over the pool
	ListenerFactory func(pool *pgxpool.Pool, logger *slog.Logger) ChangeListener

	// Signals delivers shutdown signals.
	// Default: SIGINT and SIGTERM
	Signals func() (<-chan os.Signal, func())
}

// ChangeListener dispatches role and settings change notifications.
type ChangeListener interface {
	Handle(payload string, fn store.ReloadFunc)
	Run(ctx context.Context) error
}

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the guard runtime",
		Long: `Connect to the database, load the role directory and policy settings,
keep them current from change notifications, replay spooled audit entries and
expose metrics and health probes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

func (d *ServeDeps) defaults() {
	if d.PoolFactory == nil {
		d.PoolFactory = store.Connect
	}
	if d.ListenerFactory == nil {
		d.ListenerFactory = func(pool *pgxpool.Pool, logger *slog.Logger) ChangeListener {
			return store.NewListener(store.PoolConnector(pool), store.WithListenerLogger(logger))
		}
	}
	if d.Signals == nil {
		d.Signals = func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			return ch, func() { signal.Stop(ch) }
		}
	}
}

// runServeWithDeps runs the service with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.defaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.SetDefault("membergate", version, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errMissingDatabaseURL()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := deps.PoolFactory(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	var obsServer *observability.Server
	var reg prometheus.Registerer = prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr,
			observability.WithLogger(logger),
			observability.WithBuildInfo(version, commit))
		reg = obsServer.Registry()
	}
	rt, err := newRuntime(cfg, pool, reg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.ping(ctx); err != nil {
		return err
	}
	if err := store.RetryReload(ctx, store.DefaultBackoff(), rt.reload); err != nil {
		return err
	}
	logger.Info("role directory and settings loaded",
		"roles", rt.directory.Snapshot().Len(),
		"directory_version", rt.directory.Version())

	replayWAL(ctx, rt, logger)

	if obsServer != nil {
		obsServer.AddCheck("roles", observability.LoadedCheck("role directory", rt.directory.Loaded))
		obsServer.AddCheck("settings", observability.LoadedCheck("settings", rt.settings.Loaded))
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	listener := deps.ListenerFactory(pool, logger)
	listener.Handle(store.PayloadRoles, rt.reload)
	listener.Handle(store.PayloadSettings, rt.guard.ReloadSettings)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- listener.Run(ctx)
	}()

	ticker := time.NewTicker(walReplayInterval)
	defer ticker.Stop()

	sigChan, stopSignals := deps.Signals()
	defer stopSignals()

	cmd.Println("membergate started")
	logger.Info("membergate ready", "quota_store", cfg.Quota.Store, "timezone", cfg.Quota.Timezone)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
			break loop
		case err := <-listenErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				errutil.LogError(logger, "change listener stopped", err)
				runErr = err
			}
			break loop
		case <-ticker.C:
			replayWAL(ctx, rt, logger)
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
			break loop
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

func replayWAL(ctx context.Context, rt *runtime, logger *slog.Logger) {
	n, err := rt.recorder.ReplayWAL(ctx)
	if err != nil {
		errutil.LogErrorContext(ctx, logger, "audit WAL replay failed", err)
		return
	}
	if n > 0 {
		logger.Info("replayed spooled audit entries", "count", n)
	}
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
