// Package ledger owns point balances. Every balance change goes through
// AccountRepository.ApplyEntry or RefundJob, both of which are atomic per
// user and append an audit entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genengine/internal/domain"
)

// Ledger is the points ledger service.
type Ledger struct {
	repo   domain.AccountRepository
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over repo.
func New(repo domain.AccountRepository, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open returns the account for userID, creating it with the signup grant on
// first use.
func (l *Ledger) Open(ctx context.Context, userID, email string) (*domain.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("ledger: user id is required")
	}
	acct, created, err := l.repo.EnsureAccount(ctx, userID, email, domain.SignupGrant, l.newID(), l.now())
	if err != nil {
		return nil, fmt.Errorf("ledger: open account: %w", err)
	}
	if created {
		l.logger.Info().Str("user_id", userID).Int64("points", acct.Points).Msg("account opened")
	}
	return acct, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Points, nil
}

// Debit charges amount for jobRef. It returns domain.ErrInsufficientPoints
// when the balance cannot cover it; nothing is charged in that case.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, jobRef, reason string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, domain.LedgerEntry{
		UserID: userID,
		Kind:   domain.EntrySpend,
		Amount: -amount,
		Reason: reason,
		JobRef: jobRef,
	})
}

// Credit records points earned outside the engine, e.g. a purchase.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, domain.LedgerEntry{
		UserID: userID,
		Kind:   domain.EntryEarn,
		Amount: amount,
		Reason: reason,
	})
}

// Restore returns points taken by a debit whose jobs were never created.
func (l *Ledger) Restore(ctx context.Context, userID string, amount int64, jobRef string) (domain.LedgerEntry, error) {
	return l.apply(ctx, domain.LedgerEntry{
		UserID: userID,
		Kind:   domain.EntryRefund,
		Amount: amount,
		Reason: "submission_rollback",
		JobRef: jobRef,
	})
}

// AdminAdjust applies a signed operator correction. Negative adjustments
// cannot take the balance below zero.
func (l *Ledger) AdminAdjust(ctx context.Context, userID string, delta int64, reason string) (domain.LedgerEntry, error) {
	if delta == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: adjustment must be non-zero")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: adjustment reason is required")
	}
	entry, err := l.apply(ctx, domain.LedgerEntry{
		UserID: userID,
		Kind:   domain.EntryAdminAdjust,
		Amount: delta,
		Reason: reason,
	})
	if err == nil {
		l.logger.Info().Str("user_id", userID).Int64("delta", delta).Int64("balance", entry.BalanceAfter).Str("reason", reason).Msg("admin adjustment")
	}
	return entry, err
}

// Refund credits a job's cost back to its owner unless it was already
// refunded. The refunded flag, not the amount, decides idempotence.
func (l *Ledger) Refund(ctx context.Context, jobID, reason string) (domain.RefundResult, error) {
	res, err := l.repo.RefundJob(ctx, jobID, reason, l.newID(), l.now())
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("ledger: refund %s: %w", jobID, err)
	}
	log := l.logger.With().Str("job_id", jobID).Str("reason", reason).Logger()
	if !res.Applied {
		log.Debug().Msg("refund skipped, already refunded")
		return res, nil
	}
	log.Info().Str("user_id", res.Entry.UserID).Int64("amount", res.Entry.Amount).Int64("balance", res.Entry.BalanceAfter).Msg("refunded")
	return res, nil
}

// History returns the most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListEntries(ctx, userID, limit)
}

func (l *Ledger) apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	entry.ID = l.newID()
	entry.At = l.now()
	out, err := l.repo.ApplyEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientPoints) {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, fmt.Errorf("ledger: apply %s: %w", entry.Kind, err)
	}
	return out, nil
}
