// Command syncq-server runs the syncq messaging core: it opens the message
// store and archive, recovers locks left by a previous run, starts the
// processing workers and serves the admin endpoints.
//
// Usage:
//
//	syncq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/syncq/internal/admin"
	"github.com/snehjoshi/syncq/internal/config"
	"github.com/snehjoshi/syncq/internal/keystore"
	"github.com/snehjoshi/syncq/internal/messaging"
	"github.com/snehjoshi/syncq/internal/metrics"
	"github.com/snehjoshi/syncq/internal/node"
	"github.com/snehjoshi/syncq/internal/storage/bolt"
	"github.com/snehjoshi/syncq/internal/storage/sqlite"
	"github.com/snehjoshi/syncq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	slog.Info("syncq starting", "node_id", n.ID(), "data_dir", n.DataDir())

	// ── 4. Open stores ───────────────────────────────────────────────────────
	store, err := bolt.Open(cfg.StoragePath(), bolt.Options{
		Timeout: cfg.OpenTimeout(),
		NoSync:  !cfg.Storage.Fsync,
	})
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer closeLogged("message store", store.Close)

	metricsReg := &metrics.Registry{}
	opts := []messaging.Option{
		messaging.WithLogger(logger),
		messaging.WithMetrics(metricsReg),
	}

	var archive *sqlite.Store
	if cfg.Archive.Enabled {
		archive, err = sqlite.Open(cfg.ArchivePath())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer closeLogged("archive", archive.Close)
		opts = append(opts, messaging.WithArchive(archive))
	}

	// ── 5. Device keys ───────────────────────────────────────────────────────
	if cfg.Security.MasterSecret != "" {
		keys, err := keystore.NewDerived([]byte(cfg.Security.MasterSecret), cfg.Security.KDFIterations)
		if err != nil {
			return fmt.Errorf("init keystore: %w", err)
		}
		opts = append(opts, messaging.WithKeys(keys))
	} else {
		slog.Warn("no master secret configured; secure message types will fail")
	}

	// ── 6. Message types and service ─────────────────────────────────────────
	registry := messaging.NewRegistry()
	if err := messaging.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register message types: %w", err)
	}
	svc := messaging.New(store, registry, messaging.Config{
		MaxProcessingAttempts: cfg.Messaging.MaxProcessingAttempts,
		MaxDownloadAttempts:   cfg.Messaging.MaxDownloadAttempts,
		PartSize:              cfg.Messaging.PartSize,
	}, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 7. Recover locks left by a previous run ──────────────────────────────
	if cfg.Worker.RecoverLocks {
		if _, err := worker.RecoverLocks(ctx, svc, worker.StartupSweeps, logger); err != nil {
			return fmt.Errorf("recover locks: %w", err)
		}
	}

	// ── 8. Start the admin listener ──────────────────────────────────────────
	var srv *admin.Server
	if cfg.Metrics.Enabled {
		adminOpts := admin.Options{
			NodeID:    n.ID().String(),
			Registry:  registry,
			Metrics:   metricsReg,
			APIKey:    cfg.Metrics.APIKey,
			RateLimit: cfg.Metrics.RateLimit,
			Burst:     cfg.Metrics.Burst,
			Logger:    logger,
		}
		if archive != nil {
			adminOpts.Archive = archive
		}
		srv = admin.New(adminOpts)
		addr := cfg.MetricsAddr()
		go func() {
			slog.Info("admin server listening", "addr", addr)
			if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "err", err)
				stop()
			}
		}()
	}

	// ── 9. Run workers until SIGINT / SIGTERM ────────────────────────────────
	pool := worker.New(svc, worker.Config{
		NodeID:         n.ID().String(),
		Workers:        cfg.Worker.Count,
		PollInterval:   cfg.PollInterval(),
		ErrorBackoff:   cfg.ErrorBackoff(),
		Rate:           cfg.Worker.Rate,
		Burst:          cfg.Worker.Burst,
		RetireInterval: cfg.RetireInterval(),
	}, worker.WithLogger(logger), worker.WithRetirer(svc))

	slog.Info("syncq ready", "node_id", n.ID(), "workers", cfg.Worker.Count)
	if err := pool.Run(ctx); err != nil {
		slog.Error("worker pool error", "err", err)
	}
	slog.Info("shutting down")

	// Give in-flight requests 5 seconds to complete.
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}
	}

	slog.Info("syncq stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func closeLogged(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		slog.Warn("close error", "component", name, "err", err)
	}
}
