// The worker binary leases jobs from the orchestrator and runs pipeline
// phases. It shares its wiring with the server; scale-out is running more of
// these against the same Postgres.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"covenant/internal/app"
	"covenant/internal/platform/config"
	"covenant/internal/platform/logger"
	"covenant/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(os.Getenv("COVENANT_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	pool, err := worker.New(a.Queue, a.Coordinator, worker.Config{
		WorkerCount:       cfg.Queue.WorkerCount,
		PollInterval:      cfg.Queue.PollInterval,
		SweepInterval:     cfg.Queue.SweepInterval,
		ApproachingWindow: cfg.Events.ApproachingWindow,
	},
		worker.WithLogger(log),
		worker.WithDeadlineSweeper(a.Obligations),
	)
	if err != nil {
		log.Error("worker pool construction failed", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Bus.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("worker pool starting", "workers", cfg.Queue.WorkerCount)
		return pool.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
