package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"genengine/internal/domain"
	"genengine/internal/infra"
	"genengine/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db infra.TxExecutor
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.TxExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// CreateJobs inserts a batch in one transaction.
func (r *JobRepositoryPG) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	return r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		for _, job := range jobs {
			params, err := json.Marshal(job.Params)
			if err != nil {
				return fmt.Errorf("encode params: %w", err)
			}
			if _, err := tx.Exec(ctx, sqlinline.QInsertJob,
				job.ID,
				job.BatchID,
				job.OwnerID,
				job.Model,
				job.Prompt,
				job.DurationSeconds,
				params,
				job.PointsCost,
				string(job.Status),
				string(job.ModerationStatus),
				job.SlotHeld,
				job.CreatedAt,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("job %s: %w", job.ID, domain.ErrDuplicateOperation)
				}
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// GetJob fetches a job by its identifier.
func (r *JobRepositoryPG) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, id))
}

func (r *JobRepositoryPG) ListJobs(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	return r.list(ctx, sqlinline.QListJobs, f.OwnerID, string(f.Status), limit, f.Offset)
}

func (r *JobRepositoryPG) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, sqlinline.QCountJobsCreatedSince, ownerID, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *JobRepositoryPG) ApproveModeration(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QApproveModeration, id, now)
}

func (r *JobRepositoryPG) RejectModeration(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QRejectModeration, id, now, domain.ErrMsgModerationRejected)
}

func (r *JobRepositoryPG) StartProcessing(ctx context.Context, id string, now, deadline time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QStartProcessing, id, now, deadline)
}

func (r *JobRepositoryPG) Complete(ctx context.Context, id, resultURL string, now time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QCompleteJob, id, resultURL, now)
}

func (r *JobRepositoryPG) Fail(ctx context.Context, id, message string, now time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QFailJob, id, message, now)
}

func (r *JobRepositoryPG) Requeue(ctx context.Context, id string, p domain.RetryPolicy, now time.Time) (*domain.Job, error) {
	return r.transition(ctx, id, sqlinline.QRequeueJob, id, p.MaxRetries, now.Add(-p.Window), now.Add(-p.Cooldown), now)
}

func (r *JobRepositoryPG) Touch(ctx context.Context, id string, now time.Time) error {
	tag, err := r.db.Exec(ctx, sqlinline.QTouchPendingJob, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return err
		}
		return domain.ErrStaleTransition
	}
	return nil
}

func (r *JobRepositoryPG) DeleteJob(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QDeleteTerminalJob, id)
	if err != nil {
		if isInvalidText(err) {
			return domain.ErrNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	return nil
}

func (r *JobRepositoryPG) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return r.list(ctx, sqlinline.QListTimedOutJobs, now, limit)
}

func (r *JobRepositoryPG) ListRetryable(ctx context.Context, p domain.RetryPolicy, now time.Time, limit int) ([]*domain.Job, error) {
	return r.list(ctx, sqlinline.QListRetryableJobs, p.MaxRetries, now.Add(-p.Window), now.Add(-p.Cooldown), limit)
}

func (r *JobRepositoryPG) ListUnsettled(ctx context.Context, p domain.RetryPolicy, now time.Time, limit int) ([]*domain.Job, error) {
	return r.list(ctx, sqlinline.QListUnsettledJobs, p.MaxRetries, now.Add(-p.Window), limit)
}

func (r *JobRepositoryPG) ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]*domain.Job, error) {
	return r.list(ctx, sqlinline.QListStalePendingJobs, queuedBefore, limit)
}

func (r *JobRepositoryPG) SlotsHeld(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, sqlinline.QCountSlotsHeld)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	held := make(map[string]int)
	for rows.Next() {
		var owner string
		var n int
		if err := rows.Scan(&owner, &n); err != nil {
			return nil, err
		}
		held[owner] = n
	}
	return held, rows.Err()
}

func (r *JobRepositoryPG) Stats(ctx context.Context, since, until time.Time) (*domain.JobStats, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobStatsByStatus, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	st := &domain.JobStats{Since: since, Until: until, ByStatus: make(map[domain.JobStatus]int)}
	for rows.Next() {
		var (
			status          string
			count           int
			spent, refunded int64
		)
		if err := rows.Scan(&status, &count, &spent, &refunded); err != nil {
			return nil, err
		}
		st.ByStatus[domain.JobStatus(status)] = count
		st.SpentPoints += spent
		st.RefundedPoints += refunded
	}
	return st, rows.Err()
}

// transition runs a conditional update. When it matches nothing the current
// row is returned with ErrStaleTransition, or ErrNotFound if there is none.
func (r *JobRepositoryPG) transition(ctx context.Context, id, query string, args ...any) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	current, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, domain.ErrStaleTransition
}

func (r *JobRepositoryPG) list(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job              domain.Job
		status           string
		moderationStatus string
		params           []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.OwnerID,
		&job.Model,
		&job.Prompt,
		&job.DurationSeconds,
		&params,
		&job.PointsCost,
		&status,
		&moderationStatus,
		&job.RetryCount,
		&job.LastRetryAt,
		&job.SlotHeld,
		&job.ProcessingStartedAt,
		&job.ProcessingCompletedAt,
		&job.TimeoutDeadline,
		&job.Refunded,
		&job.RefundAmount,
		&job.RefundReason,
		&job.ResultURL,
		&job.ErrorMessage,
		&job.QueuedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) || isInvalidText(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.ModerationStatus = domain.ModerationStatus(moderationStatus)
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("decode params of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// isInvalidText reports a malformed uuid literal, which can never match a row.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
