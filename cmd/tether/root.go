package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/metrics"
	"github.com/hyperengineering/tether/internal/resolve"
	"github.com/hyperengineering/tether/internal/snapshot"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/transport"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - offline-first sync engine",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	initLogger(cfg.Log)
	slog.Info("configuration loaded")

	if cfg.Remote.URL == "" {
		return errors.New("remote.url is required (set TETHER_REMOTE_URL)")
	}

	// Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	sourceID, err := ensureSourceID(ctx, db)
	if err != nil {
		return err
	}
	slog.Info("device identity loaded", "source_id", sourceID)

	// Metrics
	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		m = metrics.New(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			slog.Info("metrics listener starting", "address", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("metrics listener error", "error", err)
			}
		}()
	}

	// Sync coordinator
	policy, err := resolve.ParseDeletePolicy(cfg.Sync.DeletePolicy)
	if err != nil {
		return err
	}
	client := transport.NewClient(cfg.Remote.URL, cfg.Remote.APIKey)
	coordinator := engine.New(db, client, resolve.New(policy), m, sourceID, engine.Options{
		Interval:       time.Duration(cfg.Sync.Interval),
		PullLimit:      cfg.Sync.PullLimit,
		PushBatchSize:  cfg.Sync.PushBatchSize,
		PurgeAfter:     time.Duration(cfg.Sync.PurgeAfter),
		InitialBackoff: time.Duration(cfg.Sync.InitialBackoff),
		MaxBackoff:     time.Duration(cfg.Sync.MaxBackoff),
	})

	// Snapshot backups
	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		return err
	}
	backup := snapshot.NewWorker(db, uploader, sourceID, cfg.Snapshot.Dir, time.Duration(cfg.Snapshot.Interval))

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "engine", coordinator.Run)
	startWorker(ctx, &wg, "snapshot", backup.Run)

	// Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics listener shutdown error", "error", err)
		}
	}

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// initLogger configures the process logger: JSON or text, stderr or a
// size-rotated file.
func initLogger(cfg config.LogConfig) {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureSourceID reads the device identity, minting one on first run.
func ensureSourceID(ctx context.Context, db store.Store) (string, error) {
	id, err := db.GetMeta(ctx, store.MetaSourceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrMetaNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := db.SetMeta(ctx, store.MetaSourceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
