// Package engine drives the job lifecycle: admission and charging on submit,
// execution by the runner pool, recovery and settlement by the reconciler,
// and the operator actions on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genengine/internal/domain"
	"genengine/internal/governor"
	"genengine/internal/ledger"
	"genengine/internal/notify"
	"genengine/internal/providers/moderation"
	"genengine/internal/providers/video"
	"genengine/internal/queue"
	"genengine/internal/quota"
	"genengine/internal/storage"
)

// Config holds the engine's timing and sizing knobs.
type Config struct {
	Retry                 domain.RetryPolicy
	MaxProcessingDuration time.Duration
	StalePendingAfter     time.Duration
	ReconcileInterval     time.Duration
	SafetyValveInterval   time.Duration
	SweepLimit            int
	NotifyTimeout         time.Duration
	Workers               int
	ClaimTimeout          time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Retry:                 domain.DefaultRetryPolicy(),
		MaxProcessingDuration: domain.MaxProcessingDuration,
		StalePendingAfter:     15 * time.Minute,
		ReconcileInterval:     10 * time.Minute,
		SafetyValveInterval:   24 * time.Hour,
		SweepLimit:            50,
		NotifyTimeout:         10 * time.Second,
		Workers:               4,
		ClaimTimeout:          5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retry.MaxRetries <= 0 {
		c.Retry = d.Retry
	}
	if c.MaxProcessingDuration <= 0 {
		c.MaxProcessingDuration = d.MaxProcessingDuration
	}
	if c.StalePendingAfter <= 0 {
		c.StalePendingAfter = d.StalePendingAfter
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.SafetyValveInterval <= 0 {
		c.SafetyValveInterval = d.SafetyValveInterval
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = d.SweepLimit
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	return c
}

// Deps are the engine's collaborators. Generator and Storage are only
// needed by the runner; a nil Moderation approves everything.
type Deps struct {
	Jobs     domain.JobRepository
	Accounts domain.AccountRepository
	Ledger   *ledger.Ledger
	Governor *governor.Governor
	Policy   *quota.Policy
	Queue    queue.Queue

	Generator  video.Generator
	Moderation moderation.Checker
	Storage    storage.Persister
	Notifier   notify.Notifier
	Faults     FaultReporter
}

// Engine is the job lifecycle service.
type Engine struct {
	jobs       domain.JobRepository
	accounts   domain.AccountRepository
	ledger     *ledger.Ledger
	governor   *governor.Governor
	policy     *quota.Policy
	queue      queue.Queue
	generator  video.Generator
	moderation moderation.Checker
	storage    storage.Persister
	notifier   notify.Notifier
	faults     FaultReporter

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	notifications sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how job and batch ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New validates deps and builds an Engine.
func New(deps Deps, cfg Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("engine: job repository is required")
	case deps.Accounts == nil:
		return nil, errors.New("engine: account repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Governor == nil:
		return nil, errors.New("engine: governor is required")
	case deps.Queue == nil:
		return nil, errors.New("engine: queue is required")
	}

	e := &Engine{
		jobs:       deps.Jobs,
		accounts:   deps.Accounts,
		ledger:     deps.Ledger,
		governor:   deps.Governor,
		policy:     deps.Policy,
		queue:      deps.Queue,
		generator:  deps.Generator,
		moderation: deps.Moderation,
		storage:    deps.Storage,
		notifier:   deps.Notifier,
		faults:     deps.Faults,
		cfg:        cfg.withDefaults(),
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if e.policy == nil {
		e.policy = quota.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogNotifier(logger)
	}
	if e.faults == nil {
		e.faults = NewLogFaultReporter(logger)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Policy returns the quota policy in force.
func (e *Engine) Policy() *quota.Policy { return e.policy }

// Wait blocks until every dispatched notification has finished.
func (e *Engine) Wait() { e.notifications.Wait() }

// release returns one job's slot. A failed release leaks the slot until the
// next resync, so it is reported.
func (e *Engine) release(ctx context.Context, job *domain.Job, slots int) {
	if err := e.governor.Release(ctx, job.OwnerID, slots); err != nil {
		e.faults.Report(ctx, Fault{Kind: FaultReleaseFailed, UserID: job.OwnerID, JobRef: job.ID, Err: err})
	}
}

func (e *Engine) recipient(ctx context.Context, userID string) notify.Recipient {
	to := notify.Recipient{UserID: userID}
	acct, err := e.accounts.GetAccount(ctx, userID)
	if err != nil {
		e.logger.Debug().Err(err).Str("user_id", userID).Msg("recipient lookup failed")
		return to
	}
	to.Email = acct.Email
	to.Locale = acct.Locale
	to.WebhookURL = acct.WebhookURL
	return to
}

// dispatch runs fn off the caller's path with its own timeout. Failures are
// logged and never reach the job transition that triggered them.
func (e *Engine) dispatch(event, userID string, fn func(ctx context.Context, to notify.Recipient) error) {
	e.notifications.Add(1)
	go func() {
		defer e.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		defer cancel()
		if err := fn(ctx, e.recipient(ctx, userID)); err != nil {
			e.logger.Warn().Err(err).Str("event", event).Str("user_id", userID).Msg("notification failed")
		}
	}()
}

func (e *Engine) notifyJob(job *domain.Job) {
	job = job.Clone()
	if job.Status == domain.JobStatusCompleted {
		e.dispatch("job.completed", job.OwnerID, func(ctx context.Context, to notify.Recipient) error {
			return e.notifier.NotifyCompleted(ctx, to, job)
		})
		return
	}
	e.dispatch("job.failed", job.OwnerID, func(ctx context.Context, to notify.Recipient) error {
		return e.notifier.NotifyFailed(ctx, to, job)
	})
}

func (e *Engine) notifyExpiring(acct *domain.Account, daysLeft int) {
	if acct.SubscriptionExpiry == nil {
		return
	}
	tier, expiry := acct.Tier, *acct.SubscriptionExpiry
	e.dispatch("subscription.expiring", acct.ID, func(ctx context.Context, to notify.Recipient) error {
		return e.notifier.NotifySubscriptionExpiring(ctx, to, tier, expiry, daysLeft)
	})
}

func wrap(op string, err error) error {
	return fmt.Errorf("engine: %s: %w", op, err)
}
