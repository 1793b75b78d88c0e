package engine

import (
	"context"
	"errors"

	"genengine/internal/domain"
)

// Transitions that take a job out of its slot-holding phase. Each one is a
// conditional update; the caller that wins it owns the slot release and the
// follow-up refund. Losers return quietly.

func (e *Engine) complete(ctx context.Context, jobID, resultURL string) (bool, error) {
	done, err := e.jobs.Complete(ctx, jobID, resultURL, e.now())
	if errors.Is(err, domain.ErrStaleTransition) {
		e.logger.Info().Str("job_id", jobID).Msg("result discarded, job already left processing")
		return false, nil
	}
	if err != nil {
		return false, wrap("complete "+jobID, err)
	}
	e.release(ctx, done, 1)
	e.logger.Info().Str("job_id", done.ID).Str("user_id", done.OwnerID).Msg("job completed")
	e.notifyJob(done)
	return true, nil
}

func (e *Engine) fail(ctx context.Context, jobID, message string) (bool, error) {
	failed, err := e.jobs.Fail(ctx, jobID, message, e.now())
	if errors.Is(err, domain.ErrStaleTransition) {
		e.logger.Debug().Str("job_id", jobID).Msg("fail skipped, job already left processing")
		return false, nil
	}
	if err != nil {
		return false, wrap("fail "+jobID, err)
	}
	e.release(ctx, failed, 1)

	log := e.logger.With().Str("job_id", failed.ID).Str("user_id", failed.OwnerID).Logger()
	if !failed.Terminal(e.cfg.Retry) {
		log.Info().Int("retry_count", failed.RetryCount).Str("error", failed.ErrorMessage).Msg("job failed, awaiting retry")
		return true, nil
	}
	log.Info().Int("retry_count", failed.RetryCount).Str("error", failed.ErrorMessage).Msg("job failed terminally")
	if _, err := e.settle(ctx, failed, failed.SettlementReason(e.cfg.Retry)); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) rejectModeration(ctx context.Context, jobID string, categories []string) (bool, error) {
	rejected, err := e.jobs.RejectModeration(ctx, jobID, e.now())
	if errors.Is(err, domain.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, wrap("reject "+jobID, err)
	}
	e.release(ctx, rejected, 1)
	e.logger.Info().Str("job_id", rejected.ID).Str("user_id", rejected.OwnerID).Strs("categories", categories).Msg("job rejected by moderation")
	if _, err := e.settle(ctx, rejected, domain.RefundModeration); err != nil {
		return true, err
	}
	return true, nil
}

// settle refunds a job that will never run again and tells its owner. The
// refunded flag makes it safe to call from every path; only the call that
// applies the refund notifies. A failed refund is left for the unsettled sweep.
func (e *Engine) settle(ctx context.Context, job *domain.Job, reason string) (bool, error) {
	res, err := e.ledger.Refund(ctx, job.ID, reason)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Str("reason", reason).Msg("refund failed")
		return false, wrap("settle "+job.ID, err)
	}
	if !res.Applied {
		return false, nil
	}
	if res.Job != nil {
		job = res.Job
	}
	e.notifyJob(job)
	return true, nil
}
