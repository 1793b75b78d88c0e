package domain

import (
	"context"
	"time"
)

// JobRepository persists jobs. Every status-changing method is a conditional
// update: when the job is no longer in the expected source state the call
// returns ErrStaleTransition and changes nothing.
type JobRepository interface {
	CreateJobs(ctx context.Context, jobs []*Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// ApproveModeration marks a pending job approved. Already approved jobs are returned unchanged.
	ApproveModeration(ctx context.Context, id string, now time.Time) (*Job, error)
	// RejectModeration moves a pending job straight to failed and clears its slot.
	RejectModeration(ctx context.Context, id string, now time.Time) (*Job, error)
	// StartProcessing moves an approved pending job to processing.
	StartProcessing(ctx context.Context, id string, now, deadline time.Time) (*Job, error)
	// Complete moves a processing job to completed and clears its slot.
	Complete(ctx context.Context, id, resultURL string, now time.Time) (*Job, error)
	// Fail moves a processing job to failed and clears its slot.
	Fail(ctx context.Context, id, message string, now time.Time) (*Job, error)
	// Requeue moves a retry-eligible failed job back to pending holding a slot.
	Requeue(ctx context.Context, id string, policy RetryPolicy, now time.Time) (*Job, error)
	// Touch bumps queued_at on a pending job that is being dispatched again.
	Touch(ctx context.Context, id string, now time.Time) error
	// DeleteJob removes a terminal job. Callers settle refunds first.
	DeleteJob(ctx context.Context, id string) error

	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	ListRetryable(ctx context.Context, policy RetryPolicy, now time.Time, limit int) ([]*Job, error)
	// ListUnsettled returns failed jobs that will never run again and still await their refund.
	ListUnsettled(ctx context.Context, policy RetryPolicy, now time.Time, limit int) ([]*Job, error)
	ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]*Job, error)
	// SlotsHeld counts slot-holding jobs per owner.
	SlotsHeld(ctx context.Context) (map[string]int, error)
	Stats(ctx context.Context, since, until time.Time) (*JobStats, error)
}

// AccountRepository persists balances, subscriptions and the points ledger.
type AccountRepository interface {
	// EnsureAccount creates the account when missing, crediting grant with an
	// earn entry identified by entryID in the same step.
	EnsureAccount(ctx context.Context, id, email string, grant int64, entryID string, now time.Time) (*Account, bool, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpdateContact(ctx context.Context, id, locale, webhookURL string) error
	SetSubscription(ctx context.Context, id string, tier Tier, expiry *time.Time, now time.Time) error
	// ExpireSubscriptions demotes every lapsed paid account and returns their ids.
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error)
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*Account, error)
	// ClaimReminder records the expiry reminder sent daysBefore the given
	// expiry. It reports false when that reminder was already claimed.
	ClaimReminder(ctx context.Context, userID string, expiry time.Time, daysBefore int, now time.Time) (bool, error)

	// ApplyEntry adds entry.Amount (signed) to the balance and appends the
	// entry. A change that would make the balance negative returns
	// ErrInsufficientPoints.
	ApplyEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	// RefundJob flips the job's refunded flag and credits its cost in one
	// atomic step. An already refunded job yields Applied=false.
	RefundJob(ctx context.Context, jobID, reason, entryID string, now time.Time) (RefundResult, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}
