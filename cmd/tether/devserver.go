package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the reference sync authority (in-memory, for development)",
	RunE:  runDevServer,
}

func init() {
	rootCmd.AddCommand(devserverCmd)
}

func runDevServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.Log)

	server := devserver.NewServer(
		devserver.WithIdempotencyTTL(time.Duration(cfg.DevServer.IdempotencyTTL)),
	)
	handler := devserver.NewHandler(server, cfg.DevServer.APIKey)
	router := devserver.NewRouter(handler, nil)

	srv := &http.Server{
		Addr:         cfg.DevServer.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("devserver starting", "address", cfg.DevServer.Listen)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("devserver error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("devserver shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
