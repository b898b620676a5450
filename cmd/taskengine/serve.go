package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/handler"
	"github.com/aristath/taskengine/internal/httpapi"
	"github.com/aristath/taskengine/internal/logging"
	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/supervisor"
	"github.com/aristath/taskengine/internal/task"
)

// shutdownGrace is added to the engine's drain timeout for the HTTP
// server and the final store writes.
const shutdownGrace = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}

			// Create signal-aware context for graceful shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
			}
			return serve(ctx, stop, cfg, log, ln)
		},
	}
}

// serve runs the engine and API on ln until ctx ends or a component
// fails. stop restores default signal handling once shutdown begins, so
// a second interrupt kills the process.
func serve(ctx context.Context, stop func(), cfg *config.Config, log *logrus.Logger, ln net.Listener) error {
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			ln.Close()
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path, log.WithField("component", "store"))
	if err != nil {
		ln.Close()
		return err
	}
	defer store.Close()

	pm := handler.NewProcessManager()

	sup := supervisor.New(store, cfg.Engine, supervisor.WithLogger(log))
	sup.Handle(handler.KindCommand, handler.NewCommand(pm, log.WithField("component", "handler")))
	if err := sup.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           httpapi.NewServer(sup, log.WithField("component", "http")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("API listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, cleaning up...")
	case err := <-errChan:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-sup.Fatal():
		runErr = fmt.Errorf("engine: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout+shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("engine shutdown")
		if runErr == nil && !errors.Is(err, task.ErrShutdownTimeout) {
			runErr = err
		}
	}

	// Abandoned executions may have left subprocesses behind.
	if err := pm.KillAll(); err != nil {
		log.WithError(err).Warn("killing subprocesses")
	}

	log.Info("Shutdown complete")
	return runErr
}
