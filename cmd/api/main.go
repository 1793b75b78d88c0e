package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"genengine/internal/bootstrap"
	"genengine/internal/http/handlers"
	"genengine/internal/http/httpapi"
	"genengine/internal/infra"
	"genengine/internal/infra/geoip"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("cmd", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{Execution: cfg.EmbeddedWorker})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	defer rt.Close()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer resolver.Close()

	app := handlers.NewApp(rt.Engine, logger)
	for name, check := range rt.Checks {
		app.Checks[name] = check
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		JWTAudience:     cfg.JWTAudience,
		AllowedOrigins:  cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		Country:         resolver.Lookup(),
		Logger:          logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("api listening")
		return server.Run(gctx)
	})
	if cfg.EmbeddedWorker {
		runner, err := rt.Engine.NewRunner()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build runner")
		}
		g.Go(func() error { return runner.Run(gctx) })
		g.Go(func() error { return rt.Engine.NewReconciler().Run(gctx) })
		logger.Info().Int("workers", cfg.Workers).Msg("embedded worker started")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api stopped with error")
	}
	logger.Info().Msg("api stopped")
}
