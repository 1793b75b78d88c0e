package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genengine/internal/domain"
	"genengine/internal/queue"
)

// reminderDays are the subscription expiry reminder thresholds.
var reminderDays = []int{7, 3}

const day = 24 * time.Hour

// SweepReport counts what one reconciler pass did.
type SweepReport struct {
	TimedOut     int
	Requeued     int
	Deferred     int
	Settled      int
	Redispatched int
	Expired      int
	Reminded     int
	Resynced     int
	Errors       int
}

// Reconciler repairs everything the request and runner paths leave behind:
// timed-out jobs, retries, unsettled refunds, lost dispatches, lapsed
// subscriptions and drifted concurrency counters.
type Reconciler struct {
	e      *Engine
	logger zerolog.Logger

	mu         sync.Mutex
	lastResync time.Time
}

func (e *Engine) NewReconciler() *Reconciler {
	return &Reconciler{
		e:          e,
		logger:     e.logger.With().Str("component", "reconciler").Logger(),
		lastResync: e.now(),
	}
}

// Run sweeps once immediately and then on every reconcile interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.e.cfg.ReconcileInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.e.cfg.ReconcileInterval).Msg("reconciler started")
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Per-job errors are counted and logged
// without stopping the rest of the pass.
func (r *Reconciler) RunOnce(ctx context.Context) SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rep SweepReport
	now := r.e.now()

	r.sweepTimeouts(ctx, now, &rep)
	r.sweepRetries(ctx, now, &rep)
	r.sweepUnsettled(ctx, now, &rep)
	r.sweepStalePending(ctx, now, &rep)
	r.expireSubscriptions(ctx, now, &rep)
	r.remindExpiring(ctx, now, &rep)

	if now.Sub(r.lastResync) >= r.e.cfg.SafetyValveInterval {
		r.resync(ctx, &rep)
		r.lastResync = now
	}

	ev := r.logger.Debug()
	if rep != (SweepReport{}) {
		ev = r.logger.Info()
	}
	ev.Int("timed_out", rep.TimedOut).
		Int("requeued", rep.Requeued).
		Int("deferred", rep.Deferred).
		Int("settled", rep.Settled).
		Int("redispatched", rep.Redispatched).
		Int("expired", rep.Expired).
		Int("reminded", rep.Reminded).
		Int("resynced", rep.Resynced).
		Int("errors", rep.Errors).
		Msg("sweep finished")
	return rep
}

// Resync forces the safety valve regardless of its interval.
func (r *Reconciler) Resync(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rep SweepReport
	if err := r.resync(ctx, &rep); err != nil {
		return 0, err
	}
	r.lastResync = r.e.now()
	return rep.Resynced, nil
}

func (r *Reconciler) sweepTimeouts(ctx context.Context, now time.Time, rep *SweepReport) {
	jobs, err := r.e.jobs.ListTimedOut(ctx, now, r.e.cfg.SweepLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("list timed out jobs")
		rep.Errors++
		return
	}
	for _, job := range jobs {
		won, err := r.e.fail(ctx, job.ID, domain.ErrMsgTimeout)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("timeout sweep")
			rep.Errors++
			continue
		}
		if won {
			rep.TimedOut++
		}
	}
}

func (r *Reconciler) sweepRetries(ctx context.Context, now time.Time, rep *SweepReport) {
	policy := r.e.cfg.Retry
	jobs, err := r.e.jobs.ListRetryable(ctx, policy, now, r.e.cfg.SweepLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("list retryable jobs")
		rep.Errors++
		return
	}
	for _, job := range jobs {
		log := r.logger.With().Str("job_id", job.ID).Str("user_id", job.OwnerID).Logger()

		tier := domain.TierFree
		if acct, err := r.e.accounts.GetAccount(ctx, job.OwnerID); err == nil {
			tier = acct.EffectiveTier(now)
		}
		if err := r.e.governor.AcquireSlot(ctx, job.OwnerID, r.e.policy.Limits(tier).MaxConcurrent); err != nil {
			if _, ok := domain.AsRejection(err); ok {
				log.Debug().Msg("retry deferred, no free slot")
				rep.Deferred++
				continue
			}
			log.Error().Err(err).Msg("acquire retry slot")
			rep.Errors++
			continue
		}

		requeued, err := r.e.jobs.Requeue(ctx, job.ID, policy, now)
		if err != nil {
			r.e.release(ctx, job, 1)
			if errors.Is(err, domain.ErrStaleTransition) {
				continue
			}
			log.Error().Err(err).Msg("requeue")
			rep.Errors++
			continue
		}
		if err := r.e.queue.Enqueue(ctx, requeued.ID, queue.PriorityRetry); err != nil {
			log.Warn().Err(err).Msg("enqueue retry failed")
		}
		log.Info().Int("retry_count", requeued.RetryCount).Msg("job requeued")
		rep.Requeued++
	}
}

func (r *Reconciler) sweepUnsettled(ctx context.Context, now time.Time, rep *SweepReport) {
	policy := r.e.cfg.Retry
	jobs, err := r.e.jobs.ListUnsettled(ctx, policy, now, r.e.cfg.SweepLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("list unsettled jobs")
		rep.Errors++
		return
	}
	for _, job := range jobs {
		applied, err := r.e.settle(ctx, job, job.SettlementReason(policy))
		if err != nil {
			rep.Errors++
			continue
		}
		if applied {
			rep.Settled++
		}
	}
}

func (r *Reconciler) sweepStalePending(ctx context.Context, now time.Time, rep *SweepReport) {
	jobs, err := r.e.jobs.ListStalePending(ctx, now.Add(-r.e.cfg.StalePendingAfter), r.e.cfg.SweepLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("list stale pending jobs")
		rep.Errors++
		return
	}
	for _, job := range jobs {
		if err := r.e.jobs.Touch(ctx, job.ID, now); err != nil {
			if !errors.Is(err, domain.ErrStaleTransition) {
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("touch pending job")
				rep.Errors++
			}
			continue
		}
		lane := queue.PriorityFresh
		if job.RetryCount > 0 {
			lane = queue.PriorityRetry
		}
		if err := r.e.queue.Enqueue(ctx, job.ID, lane); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("redispatch failed")
			rep.Errors++
			continue
		}
		rep.Redispatched++
	}
}

func (r *Reconciler) expireSubscriptions(ctx context.Context, now time.Time, rep *SweepReport) {
	ids, err := r.e.accounts.ExpireSubscriptions(ctx, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("expire subscriptions")
		rep.Errors++
		return
	}
	for _, id := range ids {
		r.logger.Info().Str("user_id", id).Msg("subscription expired")
	}
	rep.Expired += len(ids)
}

// remindExpiring notifies accounts whose subscription ends within the day
// that precedes each threshold. Each reminder is claimed in the account
// store first, so restarts and parallel reconcilers send it once.
func (r *Reconciler) remindExpiring(ctx context.Context, now time.Time, rep *SweepReport) {
	for _, days := range reminderDays {
		from := now.Add(time.Duration(days-1) * day)
		to := now.Add(time.Duration(days) * day)
		accounts, err := r.e.accounts.ListExpiringBetween(ctx, from, to)
		if err != nil {
			r.logger.Error().Err(err).Int("days", days).Msg("list expiring subscriptions")
			rep.Errors++
			continue
		}
		for _, acct := range accounts {
			if acct.SubscriptionExpiry == nil {
				continue
			}
			claimed, err := r.e.accounts.ClaimReminder(ctx, acct.ID, *acct.SubscriptionExpiry, days, now)
			if err != nil {
				r.logger.Error().Err(err).Str("user_id", acct.ID).Int("days", days).Msg("claim reminder")
				rep.Errors++
				continue
			}
			if !claimed {
				continue
			}
			r.e.notifyExpiring(acct, days)
			rep.Reminded++
		}
	}
}

// resync reads the counters before counting held slots, so a job that
// finishes in between can only make the snapshot look short, never the
// counter look leaked.
func (r *Reconciler) resync(ctx context.Context, rep *SweepReport) error {
	observed, err := r.e.governor.Snapshot(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("snapshot concurrency")
		rep.Errors++
		return wrap("snapshot concurrency", err)
	}
	held, err := r.e.jobs.SlotsHeld(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("count held slots")
		rep.Errors++
		return wrap("count held slots", err)
	}
	changed, err := r.e.governor.Resync(ctx, observed, held)
	if err != nil {
		r.logger.Error().Err(err).Msg("resync concurrency")
		rep.Errors++
		return wrap("resync", err)
	}
	rep.Resynced = changed
	if changed > 0 {
		r.e.faults.Report(ctx, Fault{Kind: FaultSlotDrift, Err: errors.New("concurrency counters disagreed with held slots")})
	}
	return nil
}
