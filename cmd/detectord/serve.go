package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/detectord"
	"github.com/loykin/detectord/internal/logger"
)

const shutdownTimeout = 15 * time.Second

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runServe runs the daemon until ctx is canceled.
func runServe(ctx context.Context, flags *ServeFlags, stderr io.Writer) error {
	cfg, err := detectord.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	svc, err := detectord.New(cfg, log)
	if err != nil {
		return err
	}
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.Stop(sctx)
	}

	if err := svc.Start(ctx); err != nil {
		if flags.Strict || svc.Addr() == "" || errors.Is(err, context.Canceled) {
			return errors.Join(err, shutdown())
		}
		log.Error("worker unavailable, serving in degraded mode", "error", err)
	}
	log.Info("detectord started", "worker", svc.Snapshot().Name, "state", svc.Snapshot().State, "addr", svc.Addr())

	<-ctx.Done()
	log.Info("shutting down")
	return shutdown()
}
