// The server binary exposes the HTTP API: document intake, review decisions,
// obligation and deadline reads, and the orchestrator's operator surface.
// Job execution lives in the worker binary.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"covenant/internal/app"
	dochandler "covenant/internal/document/handler"
	oblhandler "covenant/internal/obligation/handler"
	"covenant/internal/platform/config"
	"covenant/internal/platform/httpserver"
	"covenant/internal/platform/logger"
	qhandler "covenant/internal/queue/handler"
	revhandler "covenant/internal/review/handler"
	"covenant/pkg/platform/middleware/requestid"
	"covenant/pkg/platform/middleware/tenant"
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

	router := chi.NewRouter()
	router.Use(requestid.Middleware)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(tenant.Middleware)
		dochandler.New(a.Coordinator, a.Documents, log).Register(r)
		revhandler.New(a.Reviews, log).Register(r)
		oblhandler.New(a.Obligations, log).Register(r)
		qhandler.New(a.Queue, log).Register(r)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Bus.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
