package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"genengine/internal/bootstrap"
	"genengine/internal/http/handlers"
	"genengine/internal/infra"
)

// requeueBatch bounds how many in-flight ids are returned per lane at startup.
const requeueBatch = 10000

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("cmd", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{Execution: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build engine")
	}
	defer rt.Close()

	// Ids a previous worker claimed but never acked go back to their lanes.
	if n, err := rt.Queue.RequeueStale(ctx, requeueBatch); err != nil {
		logger.Warn().Err(err).Msg("worker: requeue stale failed")
	} else if n > 0 {
		logger.Info().Int64("requeued", n).Msg("worker: requeued in-flight jobs")
	}

	runner, err := rt.Engine.NewRunner()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build runner")
	}
	reconciler := rt.Engine.NewReconciler()

	app := handlers.NewApp(rt.Engine, logger)
	for name, check := range rt.Checks {
		app.Checks[name] = check
	}
	health := chi.NewRouter()
	health.Get("/v1/healthz", app.Health)
	health.Get("/v1/readyz", app.Ready)
	server := infra.NewHTTPServer(cfg, health)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("worker: health listening")
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
