package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genengine/internal/domain"
)

// DeleteJob removes a completed or failed job, refunding it first when its
// cost has not been returned yet. Jobs still pending or processing are refused.
func (e *Engine) DeleteJob(ctx context.Context, jobID string) (domain.RefundResult, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if job.Status != domain.JobStatusCompleted && job.Status != domain.JobStatusFailed {
		return domain.RefundResult{}, fmt.Errorf("engine: delete %s job %s: %w", job.Status, jobID, domain.ErrInvalidState)
	}

	res, err := e.ledger.Refund(ctx, jobID, domain.RefundAdminDelete)
	if err != nil {
		return domain.RefundResult{}, wrap("delete refund", err)
	}
	if err := e.jobs.DeleteJob(ctx, jobID); err != nil {
		return res, wrap("delete job", err)
	}
	e.logger.Info().
		Str("job_id", jobID).
		Str("user_id", job.OwnerID).
		Bool("refunded", res.Applied).
		Msg("job deleted")
	return res, nil
}

// AdjustPoints applies a signed operator correction.
func (e *Engine) AdjustPoints(ctx context.Context, userID string, delta int64, reason string) (domain.LedgerEntry, error) {
	if _, err := e.accounts.GetAccount(ctx, userID); err != nil {
		return domain.LedgerEntry{}, err
	}
	return e.ledger.AdminAdjust(ctx, userID, delta, reason)
}

// Credit adds earned or purchased points, opening the account if needed.
func (e *Engine) Credit(ctx context.Context, userID string, amount int64, reason string) (domain.LedgerEntry, error) {
	if _, err := e.ledger.Open(ctx, userID, ""); err != nil {
		return domain.LedgerEntry{}, wrap("open account", err)
	}
	return e.ledger.Credit(ctx, userID, amount, reason)
}

// SetTier changes a user's subscription. Paid tiers need an expiry.
func (e *Engine) SetTier(ctx context.Context, userID string, tier domain.Tier, expiry *time.Time) error {
	if !tier.Valid() {
		return fmt.Errorf("engine: unknown tier %q", tier)
	}
	if tier == domain.TierFree {
		expiry = nil
	} else if expiry == nil {
		return errors.New("engine: paid tiers require an expiry")
	}
	if _, err := e.ledger.Open(ctx, userID, ""); err != nil {
		return wrap("open account", err)
	}
	if err := e.accounts.SetSubscription(ctx, userID, tier, expiry, e.now()); err != nil {
		return wrap("set subscription", err)
	}
	e.logger.Info().Str("user_id", userID).Str("tier", string(tier)).Msg("subscription updated")
	return nil
}

// SetRisk changes a user's risk status. expiry bounds a restriction.
func (e *Engine) SetRisk(ctx context.Context, userID string, risk domain.RiskStatus, expiry *time.Time) error {
	if err := e.governor.SetRisk(ctx, userID, risk, expiry); err != nil {
		return wrap("set risk", err)
	}
	e.logger.Info().Str("user_id", userID).Str("risk", string(risk)).Msg("risk status updated")
	return nil
}

// Stats aggregates job outcomes created in [since, until).
func (e *Engine) Stats(ctx context.Context, since, until time.Time) (*domain.JobStats, error) {
	if !until.After(since) {
		return nil, errors.New("engine: stats period is empty")
	}
	return e.jobs.Stats(ctx, since, until)
}
