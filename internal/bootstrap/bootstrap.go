// Package bootstrap assembles the engine and its backends from configuration
// for the cmd binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genengine/internal/adapter/memstore"
	"genengine/internal/adapter/repo"
	"genengine/internal/domain"
	"genengine/internal/engine"
	"genengine/internal/governor"
	"genengine/internal/infra"
	"genengine/internal/infra/credentials"
	"genengine/internal/ledger"
	"genengine/internal/notify"
	"genengine/internal/providers/moderation"
	"genengine/internal/providers/video"
	"genengine/internal/queue"
	"genengine/internal/quota"
	"genengine/internal/storage"
)

const queuePrefix = "genengine:jobs:"

// Runtime is a fully wired engine plus the handles the binaries need.
type Runtime struct {
	Config      *infra.Config
	Logger      zerolog.Logger
	Engine      *engine.Engine
	Queue       queue.Queue
	Credentials *credentials.Store
	// Checks ping each remote backend for readiness.
	Checks map[string]func(context.Context) error

	closers []func()
}

// Options selects which parts of the runtime to build.
type Options struct {
	// Execution builds the generator, moderation and storage collaborators
	// the runner needs. The API without an embedded worker skips them.
	Execution bool
}

// Build connects the configured backends and constructs the engine. Close
// releases everything Build opened, also after a partial failure.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, opts Options) (rt *Runtime, err error) {
	rt = &Runtime{
		Config: cfg,
		Logger: logger,
		Checks: map[string]func(context.Context) error{},
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	var sql *infra.SQLRunner
	if cfg.NeedsDatabase() {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.Checks["postgres"] = pool.Ping
		sql = infra.NewSQLRunner(pool, logger)
		rt.Credentials = credentials.NewStore(sql)
	}

	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb, err = infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
		rt.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var (
		jobs     domain.JobRepository
		accounts domain.AccountRepository
	)
	switch cfg.StoreBackend {
	case infra.BackendMemory:
		mem := memstore.New()
		jobs, accounts = mem, mem
	case infra.BackendPostgres:
		jobs = repo.NewJobRepository(sql)
		accounts = repo.NewAccountRepository(sql)
	}

	var quotaStore governor.Store
	switch cfg.GovernorBackend {
	case infra.BackendMemory:
		quotaStore = governor.NewMemoryStore()
	case infra.BackendPostgres:
		quotaStore = repo.NewQuotaStateRepository(sql)
	case infra.BackendRedis:
		quotaStore = governor.NewRedisStore(rdb)
	}

	switch cfg.QueueBackend {
	case infra.BackendMemory:
		rt.Queue = queue.NewMemory(4096)
	case infra.BackendRedis:
		rt.Queue = queue.NewRedis(rdb, queuePrefix)
	}

	policy := quota.Default()
	if cfg.PolicyFile != "" {
		policy, err = quota.Load(cfg.PolicyFile)
		if err != nil {
			return rt, fmt.Errorf("load policy: %w", err)
		}
		logger.Info().Str("file", cfg.PolicyFile).Msg("quota policy loaded")
	}

	deps := engine.Deps{
		Jobs:     jobs,
		Accounts: accounts,
		Ledger:   ledger.New(accounts, logger),
		Governor: governor.New(quotaStore, logger),
		Policy:   policy,
		Queue:    rt.Queue,
		Notifier: newNotifier(cfg, logger),
	}
	if opts.Execution {
		if deps.Generator, err = rt.newGenerator(ctx); err != nil {
			return rt, err
		}
		if deps.Moderation, err = rt.newModeration(ctx); err != nil {
			return rt, err
		}
		if deps.Storage, err = newStorage(cfg); err != nil {
			return rt, err
		}
	}

	rt.Engine, err = engine.New(deps, engine.Config{
		MaxProcessingDuration: cfg.MaxProcessingDuration,
		StalePendingAfter:     cfg.StalePendingAfter,
		ReconcileInterval:     cfg.ReconcileInterval,
		SafetyValveInterval:   cfg.SafetyValveInterval,
		NotifyTimeout:         cfg.NotifyTimeout,
		Workers:               cfg.Workers,
	}, logger)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.Engine.Wait)

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("governor", cfg.GovernorBackend).
		Str("queue", cfg.QueueBackend).
		Bool("execution", opts.Execution).
		Msg("engine ready")
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *Runtime) newGenerator(ctx context.Context) (video.Generator, error) {
	cfg := rt.Config
	switch strings.ToLower(cfg.GeneratorProvider) {
	case "", "simulated":
		rt.Logger.Warn().Msg("using simulated video generator")
		return video.NewSimulatedGenerator(cfg.StorageBaseURL), nil
	case "http":
		token, err := rt.Credentials.Resolve(ctx, credentials.ProviderVideo, cfg.GeneratorAPIToken)
		if err != nil {
			return nil, fmt.Errorf("load generator token: %w", err)
		}
		return video.NewHTTPGenerator(video.HTTPOptions{
			APIKey:  token,
			BaseURL: cfg.GeneratorBaseURL,
			Logger:  rt.Logger.With().Str("component", "generator").Logger(),
		})
	default:
		return nil, fmt.Errorf("GENERATOR_PROVIDER %q is not supported", cfg.GeneratorProvider)
	}
}

// newModeration prefers the OpenAI checker and falls back to blocked terms
// when no key is available or the API call fails.
func (rt *Runtime) newModeration(ctx context.Context) (moderation.Checker, error) {
	cfg := rt.Config
	keywords := moderation.NewKeywordChecker(cfg.BlockedTerms)
	key, err := rt.Credentials.Resolve(ctx, credentials.ProviderModeration, cfg.ModerationAPIKey)
	if err != nil {
		return nil, fmt.Errorf("load moderation key: %w", err)
	}
	if key == "" {
		rt.Logger.Warn().Msg("no moderation api key, using blocked terms only")
		return keywords, nil
	}
	log := rt.Logger.With().Str("component", "moderation").Logger()
	return moderation.NewOpenAIChecker(moderation.OpenAIOptions{
		APIKey:   key,
		BaseURL:  cfg.ModerationBaseURL,
		Fallback: keywords,
		OnFallback: func(reason string, err error) {
			log.Warn().Err(err).Str("reason", reason).Msg("moderation fell back to blocked terms")
		},
	})
}

func newStorage(cfg *infra.Config) (storage.Persister, error) {
	if strings.EqualFold(cfg.GeneratorProvider, "simulated") || cfg.GeneratorProvider == "" {
		return storage.Passthrough{}, nil
	}
	path := cfg.StoragePath
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path, cfg.StorageBaseURL)
}

func newNotifier(cfg *infra.Config, logger zerolog.Logger) notify.Notifier {
	if cfg.NotifyWebhookURL == "" {
		return notify.NewLogNotifier(logger)
	}
	return notify.NewWebhookNotifier(cfg.NotifyWebhookURL, &http.Client{Timeout: cfg.NotifyTimeout + time.Second})
}
