package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"genengine/internal/domain"
	"genengine/internal/infra"
	"genengine/internal/sqlinline"
)

// AccountRepositoryPG implements domain.AccountRepository backed by PostgreSQL.
type AccountRepositoryPG struct {
	db infra.TxExecutor
}

var _ domain.AccountRepository = (*AccountRepositoryPG)(nil)

// NewAccountRepository creates a new AccountRepositoryPG.
func NewAccountRepository(db infra.TxExecutor) *AccountRepositoryPG {
	return &AccountRepositoryPG{db: db}
}

func (r *AccountRepositoryPG) EnsureAccount(ctx context.Context, id, email string, grant int64, entryID string, now time.Time) (*domain.Account, bool, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx, sqlinline.QEnsureAccount, id, email, grant, entryID, now))
	if err == nil {
		return acct, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}
	acct, err = r.GetAccount(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return acct, false, nil
}

func (r *AccountRepositoryPG) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, sqlinline.QSelectAccount, id))
}

func (r *AccountRepositoryPG) UpdateContact(ctx context.Context, id, locale, webhookURL string) error {
	return r.execOne(ctx, sqlinline.QUpdateAccountContact, id, locale, webhookURL)
}

func (r *AccountRepositoryPG) SetSubscription(ctx context.Context, id string, tier domain.Tier, expiry *time.Time, now time.Time) error {
	return r.execOne(ctx, sqlinline.QSetSubscription, id, string(tier), expiry, now)
}

func (r *AccountRepositoryPG) ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, sqlinline.QExpireSubscriptions, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *AccountRepositoryPG) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.Account, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListExpiringAccounts, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (r *AccountRepositoryPG) ClaimReminder(ctx context.Context, userID string, expiry time.Time, daysBefore int, now time.Time) (bool, error) {
	var id string
	err := r.db.QueryRow(ctx, sqlinline.QClaimReminder, userID, expiry, daysBefore, now).Scan(&id)
	if err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ApplyEntry moves the balance and appends the entry in a single statement
// guarded by points + amount >= 0.
func (r *AccountRepositoryPG) ApplyEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	var balance int64
	err := r.db.QueryRow(ctx, sqlinline.QApplyLedgerEntry,
		e.ID, e.UserID, e.Amount, string(e.Kind), e.Reason, e.JobRef, e.At,
	).Scan(&balance)
	if err != nil {
		if !infra.IsNoRows(err) {
			return domain.LedgerEntry{}, err
		}
		if _, err := r.GetAccount(ctx, e.UserID); err != nil {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, domain.ErrInsufficientPoints
	}
	e.BalanceAfter = balance
	return e, nil
}

// RefundJob flips the job's refunded flag, credits the owner and appends the
// refund entry in one statement.
func (r *AccountRepositoryPG) RefundJob(ctx context.Context, jobID, reason, entryID string, now time.Time) (domain.RefundResult, error) {
	var (
		owner   string
		balance int64
		amount  int64
	)
	err := r.db.QueryRow(ctx, sqlinline.QRefundJob, jobID, reason, entryID, now).Scan(&owner, &balance, &amount)
	if err != nil && !infra.IsNoRows(err) {
		if isInvalidText(err) {
			return domain.RefundResult{}, domain.ErrNotFound
		}
		return domain.RefundResult{}, err
	}
	job, jobErr := scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if jobErr != nil {
		return domain.RefundResult{}, jobErr
	}
	if err != nil {
		switch {
		case job.Refunded:
			return domain.RefundResult{Applied: false, Job: job}, nil
		case job.Status != domain.JobStatusCompleted && job.Status != domain.JobStatusFailed:
			return domain.RefundResult{}, fmt.Errorf("refund %s job %s: %w", job.Status, jobID, domain.ErrInvalidState)
		}
		return domain.RefundResult{}, fmt.Errorf("refund job %s: owner %s: %w", jobID, job.OwnerID, domain.ErrNotFound)
	}
	entry := domain.LedgerEntry{
		ID:           entryID,
		UserID:       owner,
		Kind:         domain.EntryRefund,
		Amount:       amount,
		BalanceAfter: balance,
		Reason:       reason,
		JobRef:       jobID,
		At:           now,
	}
	return domain.RefundResult{Applied: true, Entry: entry, Job: job}, nil
}

func (r *AccountRepositoryPG) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListLedgerEntries, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e    domain.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.BalanceAfter, &e.Reason, &e.JobRef, &e.At); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *AccountRepositoryPG) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acct domain.Account
		tier string
	)
	if err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.Locale,
		&acct.WebhookURL,
		&acct.Points,
		&tier,
		&acct.SubscriptionExpiry,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	acct.Tier = domain.Tier(tier)
	return &acct, nil
}
