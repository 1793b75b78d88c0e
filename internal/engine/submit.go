package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genengine/internal/domain"
	"genengine/internal/governor"
	"genengine/internal/queue"
	"genengine/internal/quota"
)

const maxPromptLength = 4000

// SubmitRequest is a user's request to generate BatchSize clips.
type SubmitRequest struct {
	UserID          string
	Email           string
	Model           string
	Prompt          string
	DurationSeconds int
	BatchSize       int
	Params          map[string]string
}

// Accepted is returned once a submission is charged and queued. Outcomes
// are observed later through job status.
type Accepted struct {
	BatchID       string
	JobIDs        []string
	PointsCharged int64
	Balance       int64
}

// Submit admits, charges and enqueues a batch. Policy rejections come back
// as *domain.RejectionError with nothing reserved or charged.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Accepted, error) {
	if req.BatchSize == 0 {
		req.BatchSize = 1
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, domain.Reject(domain.ReasonInvalidRequest, "prompt is required")
	}
	if len(req.Prompt) > maxPromptLength {
		return nil, domain.Reject(domain.ReasonInvalidRequest, fmt.Sprintf("prompt exceeds %d characters", maxPromptLength))
	}

	acct, err := e.ledger.Open(ctx, req.UserID, req.Email)
	if err != nil {
		return nil, wrap("open account", err)
	}
	now := e.now()
	tier := acct.EffectiveTier(now)

	monthly, err := e.jobs.CountCreatedSince(ctx, req.UserID, quota.MonthStart(now))
	if err != nil {
		return nil, wrap("count monthly jobs", err)
	}
	ent, err := e.policy.Evaluate(quota.Request{
		Tier:            tier,
		Model:           req.Model,
		DurationSeconds: req.DurationSeconds,
		BatchSize:       req.BatchSize,
		MonthlyCount:    monthly,
	})
	if err != nil {
		return nil, err
	}
	total := ent.Total(req.BatchSize)
	if acct.Points < total {
		return nil, domain.Reject(domain.ReasonInsufficientPoints, fmt.Sprintf("need %d points, have %d", total, acct.Points))
	}

	limits := e.policy.Limits(tier)
	if _, err := e.governor.TryReserve(ctx, req.UserID, governor.Limits{
		MaxConcurrent: limits.MaxConcurrent,
		MinInterval:   limits.MinInterval,
		HourlyLimit:   limits.HourlyLimit,
		DailyLimit:    limits.DailyLimit,
	}, req.BatchSize); err != nil {
		return nil, err
	}

	batchID := e.newID()
	log := e.logger.With().Str("user_id", req.UserID).Str("batch_id", batchID).Logger()

	// Past this point the slots are held; every exit must give them back.
	owner := &domain.Job{ID: batchID, OwnerID: req.UserID}
	entry, err := e.ledger.Debit(ctx, req.UserID, total, batchID, "generation")
	if err != nil {
		e.release(context.WithoutCancel(ctx), owner, req.BatchSize)
		if errors.Is(err, domain.ErrInsufficientPoints) {
			e.faults.Report(ctx, Fault{Kind: FaultDebitAfterApproval, UserID: req.UserID, JobRef: batchID, Err: err})
			return nil, wrap("debit", domain.ErrConsistency)
		}
		return nil, wrap("debit", err)
	}

	jobs := make([]*domain.Job, 0, req.BatchSize)
	ids := make([]string, 0, req.BatchSize)
	for i := 0; i < req.BatchSize; i++ {
		id := e.newID()
		jobs = append(jobs, &domain.Job{
			ID:               id,
			BatchID:          batchID,
			OwnerID:          req.UserID,
			Model:            req.Model,
			Prompt:           req.Prompt,
			DurationSeconds:  req.DurationSeconds,
			Params:           cloneParams(req.Params),
			PointsCost:       ent.PricePerJob,
			Status:           domain.JobStatusPending,
			ModerationStatus: domain.ModerationPending,
			SlotHeld:         true,
			QueuedAt:         now,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		ids = append(ids, id)
	}
	if err := e.jobs.CreateJobs(ctx, jobs); err != nil {
		detached := context.WithoutCancel(ctx)
		if _, rErr := e.ledger.Restore(detached, req.UserID, total, batchID); rErr != nil {
			e.faults.Report(detached, Fault{Kind: FaultRestoreFailed, UserID: req.UserID, JobRef: batchID, Err: rErr})
		}
		e.release(detached, owner, req.BatchSize)
		return nil, wrap("create jobs", err)
	}

	for _, id := range ids {
		if err := e.queue.Enqueue(ctx, id, queue.PriorityFresh); err != nil {
			// The stale-pending sweep dispatches it later.
			log.Warn().Err(err).Str("job_id", id).Msg("enqueue failed")
		}
	}

	log.Info().
		Str("model", req.Model).
		Int("batch", req.BatchSize).
		Int64("charged", total).
		Int64("balance", entry.BalanceAfter).
		Msg("submission accepted")

	return &Accepted{
		BatchID:       batchID,
		JobIDs:        ids,
		PointsCharged: total,
		Balance:       entry.BalanceAfter,
	}, nil
}

// GetJob returns a job owned by userID. Jobs of other users are reported as
// not found.
func (e *Engine) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != userID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// ListJobs returns a page of the user's jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, userID string, status domain.JobStatus, limit, offset int) ([]*domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return e.jobs.ListJobs(ctx, domain.JobFilter{OwnerID: userID, Status: status, Limit: limit, Offset: offset})
}

// Wallet is a user's balance, tier and recent ledger activity.
type Wallet struct {
	Account *domain.Account
	Tier    domain.Tier
	Limits  quota.TierLimits
	Quota   domain.QuotaState
	Entries []domain.LedgerEntry
}

// Wallet opens the account when needed and returns its current view.
func (e *Engine) Wallet(ctx context.Context, userID, email string, limit int) (*Wallet, error) {
	acct, err := e.ledger.Open(ctx, userID, email)
	if err != nil {
		return nil, wrap("open account", err)
	}
	state, err := e.governor.State(ctx, userID)
	if err != nil {
		return nil, wrap("quota state", err)
	}
	entries, err := e.ledger.History(ctx, userID, limit)
	if err != nil {
		return nil, wrap("ledger history", err)
	}
	tier := acct.EffectiveTier(e.now())
	return &Wallet{
		Account: acct,
		Tier:    tier,
		Limits:  e.policy.Limits(tier),
		Quota:   state,
		Entries: entries,
	}, nil
}

// UpdateContact stores where a user's notifications go.
func (e *Engine) UpdateContact(ctx context.Context, userID, email, locale, webhookURL string) error {
	if _, err := e.ledger.Open(ctx, userID, email); err != nil {
		return wrap("open account", err)
	}
	return e.accounts.UpdateContact(ctx, userID, locale, webhookURL)
}

func cloneParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
