// Package memstore is an in-process implementation of the job and account
// repositories. It backs development runs and engine tests; state is lost on
// restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"genengine/internal/domain"
)

// Store implements domain.JobRepository and domain.AccountRepository.
// Transitions take the store lock only for the compare-and-set itself.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	accounts map[string]*domain.Account
	entries  map[string][]domain.LedgerEntry
	reminded map[reminderKey]time.Time
}

type reminderKey struct {
	userID string
	expiry int64
	days   int
}

var (
	_ domain.JobRepository     = (*Store)(nil)
	_ domain.AccountRepository = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*domain.Job),
		accounts: make(map[string]*domain.Account),
		entries:  make(map[string][]domain.LedgerEntry),
		reminded: make(map[reminderKey]time.Time),
	}
}

// ---- jobs ----

// CreateJobs implements domain.JobRepository.
func (s *Store) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return fmt.Errorf("memstore: job %s: %w", j.ID, domain.ErrDuplicateOperation)
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

// GetJob implements domain.JobRepository.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

// ListJobs implements domain.JobRepository.
func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	out := s.collect(func(j *domain.Job) bool {
		return (f.OwnerID == "" || j.OwnerID == f.OwnerID) && (f.Status == "" || j.Status == f.Status)
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountCreatedSince implements domain.JobRepository.
func (s *Store) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return len(s.collect(func(j *domain.Job) bool {
		return j.OwnerID == ownerID && !j.CreatedAt.Before(since)
	})), nil
}

// ApproveModeration implements domain.JobRepository.
func (s *Store) ApproveModeration(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusPending || j.ModerationStatus == domain.ModerationRejected {
			return false
		}
		j.ModerationStatus = domain.ModerationApproved
		j.UpdatedAt = now
		return true
	})
}

// RejectModeration implements domain.JobRepository.
func (s *Store) RejectModeration(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusPending {
			return false
		}
		j.Status = domain.JobStatusFailed
		j.ModerationStatus = domain.ModerationRejected
		j.ErrorMessage = domain.ErrMsgModerationRejected
		j.ProcessingCompletedAt = &now
		j.SlotHeld = false
		j.UpdatedAt = now
		return true
	})
}

// StartProcessing implements domain.JobRepository.
func (s *Store) StartProcessing(ctx context.Context, id string, now, deadline time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusPending || j.ModerationStatus != domain.ModerationApproved {
			return false
		}
		j.Status = domain.JobStatusProcessing
		j.ProcessingStartedAt = &now
		j.TimeoutDeadline = &deadline
		j.UpdatedAt = now
		return true
	})
}

// Complete implements domain.JobRepository.
func (s *Store) Complete(ctx context.Context, id, resultURL string, now time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing {
			return false
		}
		j.Status = domain.JobStatusCompleted
		j.ResultURL = resultURL
		j.ProcessingCompletedAt = &now
		j.SlotHeld = false
		j.UpdatedAt = now
		return true
	})
}

// Fail implements domain.JobRepository.
func (s *Store) Fail(ctx context.Context, id, message string, now time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing {
			return false
		}
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = message
		j.ProcessingCompletedAt = &now
		j.SlotHeld = false
		j.UpdatedAt = now
		return true
	})
}

// Requeue implements domain.JobRepository.
func (s *Store) Requeue(ctx context.Context, id string, p domain.RetryPolicy, now time.Time) (*domain.Job, error) {
	return s.transition(id, func(j *domain.Job) bool {
		if !j.RetryEligible(p, now) {
			return false
		}
		j.Status = domain.JobStatusPending
		j.RetryCount++
		j.LastRetryAt = &now
		j.ProcessingStartedAt = nil
		j.ProcessingCompletedAt = nil
		j.TimeoutDeadline = nil
		j.ErrorMessage = ""
		j.SlotHeld = true
		j.QueuedAt = now
		j.UpdatedAt = now
		return true
	})
}

// Touch implements domain.JobRepository.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := s.transition(id, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusPending {
			return false
		}
		j.QueuedAt = now
		return true
	})
	return err
}

// DeleteJob implements domain.JobRepository.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobStatusCompleted && j.Status != domain.JobStatusFailed {
		return domain.ErrInvalidState
	}
	delete(s.jobs, id)
	return nil
}

// ListTimedOut implements domain.JobRepository.
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return s.oldestFirst(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusProcessing && j.TimeoutDeadline != nil && j.TimeoutDeadline.Before(now)
	}, limit), nil
}

// ListRetryable implements domain.JobRepository.
func (s *Store) ListRetryable(ctx context.Context, p domain.RetryPolicy, now time.Time, limit int) ([]*domain.Job, error) {
	return s.oldestFirst(func(j *domain.Job) bool { return j.RetryEligible(p, now) }, limit), nil
}

// ListUnsettled implements domain.JobRepository.
func (s *Store) ListUnsettled(ctx context.Context, p domain.RetryPolicy, now time.Time, limit int) ([]*domain.Job, error) {
	return s.oldestFirst(func(j *domain.Job) bool { return j.Unsettled(p, now) }, limit), nil
}

// ListStalePending implements domain.JobRepository.
func (s *Store) ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]*domain.Job, error) {
	return s.oldestFirst(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusPending && j.QueuedAt.Before(queuedBefore)
	}, limit), nil
}

// SlotsHeld implements domain.JobRepository.
func (s *Store) SlotsHeld(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held := make(map[string]int)
	for _, j := range s.jobs {
		if j.SlotHeld {
			held[j.OwnerID]++
		}
	}
	return held, nil
}

// Stats implements domain.JobRepository.
func (s *Store) Stats(ctx context.Context, since, until time.Time) (*domain.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &domain.JobStats{Since: since, Until: until, ByStatus: make(map[domain.JobStatus]int)}
	for _, j := range s.jobs {
		if j.CreatedAt.Before(since) || !j.CreatedAt.Before(until) {
			continue
		}
		st.ByStatus[j.Status]++
		st.SpentPoints += j.PointsCost
		if j.Refunded {
			st.RefundedPoints += j.RefundAmount
		}
	}
	return st, nil
}

func (s *Store) transition(id string, fn func(j *domain.Job) bool) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	working := j.Clone()
	if !fn(working) {
		return j.Clone(), domain.ErrStaleTransition
	}
	s.jobs[id] = working
	return working.Clone(), nil
}

func (s *Store) collect(match func(j *domain.Job) bool) []*domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

func (s *Store) oldestFirst(match func(j *domain.Job) bool, limit int) []*domain.Job {
	out := s.collect(match)
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---- accounts and ledger ----

// EnsureAccount implements domain.AccountRepository.
func (s *Store) EnsureAccount(ctx context.Context, id, email string, grant int64, entryID string, now time.Time) (*domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		c := *a
		return &c, false, nil
	}
	a := &domain.Account{
		ID:        id,
		Email:     email,
		Points:    grant,
		Tier:      domain.TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[id] = a
	if grant > 0 {
		s.entries[id] = append(s.entries[id], domain.LedgerEntry{
			ID: entryID, UserID: id, Kind: domain.EntryEarn, Amount: grant,
			BalanceAfter: grant, Reason: "signup_bonus", At: now,
		})
	}
	c := *a
	return &c, true, nil
}

// GetAccount implements domain.AccountRepository.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *a
	return &c, nil
}

// UpdateContact implements domain.AccountRepository.
func (s *Store) UpdateContact(ctx context.Context, id, locale, webhookURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Locale = locale
	a.WebhookURL = webhookURL
	return nil
}

// SetSubscription implements domain.AccountRepository.
func (s *Store) SetSubscription(ctx context.Context, id string, tier domain.Tier, expiry *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Tier = tier
	a.SubscriptionExpiry = expiry
	a.UpdatedAt = now
	return nil
}

// ExpireSubscriptions implements domain.AccountRepository.
func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.accounts {
		if a.Tier != domain.TierFree && (a.SubscriptionExpiry == nil || a.SubscriptionExpiry.Before(now)) {
			a.Tier = domain.TierFree
			a.SubscriptionExpiry = nil
			a.UpdatedAt = now
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListExpiringBetween implements domain.AccountRepository.
func (s *Store) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Account
	for _, a := range s.accounts {
		if a.Tier == domain.TierFree || a.SubscriptionExpiry == nil {
			continue
		}
		if !a.SubscriptionExpiry.Before(from) && a.SubscriptionExpiry.Before(to) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimReminder implements domain.AccountRepository.
func (s *Store) ClaimReminder(ctx context.Context, userID string, expiry time.Time, daysBefore int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reminderKey{userID: userID, expiry: expiry.UnixNano(), days: daysBefore}
	if _, ok := s.reminded[key]; ok {
		return false, nil
	}
	s.reminded[key] = now
	return true, nil
}

// ApplyEntry implements domain.AccountRepository.
func (s *Store) ApplyEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[e.UserID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if a.Points+e.Amount < 0 {
		return domain.LedgerEntry{}, domain.ErrInsufficientPoints
	}
	a.Points += e.Amount
	a.UpdatedAt = e.At
	e.BalanceAfter = a.Points
	s.entries[e.UserID] = append(s.entries[e.UserID], e)
	return e, nil
}

// RefundJob implements domain.AccountRepository.
func (s *Store) RefundJob(ctx context.Context, jobID, reason, entryID string, now time.Time) (domain.RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.RefundResult{}, domain.ErrNotFound
	}
	if j.Refunded {
		return domain.RefundResult{Applied: false, Job: j.Clone()}, nil
	}
	if j.Status != domain.JobStatusCompleted && j.Status != domain.JobStatusFailed {
		return domain.RefundResult{}, fmt.Errorf("memstore: refund %s job %s: %w", j.Status, jobID, domain.ErrInvalidState)
	}
	a, ok := s.accounts[j.OwnerID]
	if !ok {
		return domain.RefundResult{}, fmt.Errorf("memstore: owner %s of job %s: %w", j.OwnerID, jobID, domain.ErrNotFound)
	}
	j.Refunded = true
	j.RefundAmount = j.PointsCost
	j.RefundReason = reason
	j.UpdatedAt = now
	a.Points += j.PointsCost
	a.UpdatedAt = now
	e := domain.LedgerEntry{
		ID: entryID, UserID: a.ID, Kind: domain.EntryRefund, Amount: j.PointsCost,
		BalanceAfter: a.Points, Reason: reason, JobRef: jobID, At: now,
	}
	s.entries[a.ID] = append(s.entries[a.ID], e)
	return domain.RefundResult{Applied: true, Entry: e, Job: j.Clone()}, nil
}

// ListEntries implements domain.AccountRepository.
func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[userID]
	out := make([]domain.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
