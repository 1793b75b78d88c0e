package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ModerationStatus is the outcome of the content gate.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
)

// Lifecycle constants.
const (
	MaxRetries            = 3
	RetryCooldown         = 2 * time.Hour
	RetryWindow           = 24 * time.Hour
	MaxProcessingDuration = 30 * time.Minute
)

// Failure messages recorded on jobs by the engine itself.
const (
	ErrMsgTimeout            = "timeout"
	ErrMsgModerationRejected = "moderation_rejected"
)

// Refund reasons.
const (
	RefundRetriesExhausted = "retries_exhausted"
	RefundModeration       = "moderation_rejected"
	RefundTimeout          = "timeout"
	RefundAdminDelete      = "admin_delete"
	RefundRetryAbandoned   = "retry_window_elapsed"
)

// Job is one unit of generation work with its own cost and lifecycle.
type Job struct {
	ID                    string
	BatchID               string
	OwnerID               string
	Model                 string
	Prompt                string
	DurationSeconds       int
	Params                map[string]string
	PointsCost            int64
	Status                JobStatus
	ModerationStatus      ModerationStatus
	RetryCount            int
	LastRetryAt           *time.Time
	SlotHeld              bool
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	TimeoutDeadline       *time.Time
	Refunded              bool
	RefundAmount          int64
	RefundReason          string
	ResultURL             string
	ErrorMessage          string
	QueuedAt              time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RetryPolicy holds the knobs of the failed->pending transition.
type RetryPolicy struct {
	MaxRetries int
	Cooldown   time.Duration
	Window     time.Duration
}

// DefaultRetryPolicy returns the engine's standard retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: MaxRetries, Cooldown: RetryCooldown, Window: RetryWindow}
}

// Terminal reports whether the job is in an absorbing state. A failed job is
// terminal once it has been refunded or can never be retried: moderation
// rejections, timeouts and jobs with no retries left.
func (j *Job) Terminal(p RetryPolicy) bool {
	switch j.Status {
	case JobStatusCompleted:
		return true
	case JobStatusFailed:
		if j.Refunded || j.ModerationStatus == ModerationRejected || j.ErrorMessage == ErrMsgTimeout {
			return true
		}
		return j.RetryCount >= p.MaxRetries
	}
	return false
}

// RetryEligible reports whether a failed job may move back to pending at now.
func (j *Job) RetryEligible(p RetryPolicy, now time.Time) bool {
	if j.Status != JobStatusFailed || j.Terminal(p) {
		return false
	}
	if j.ProcessingCompletedAt != nil && j.ProcessingCompletedAt.Before(now.Add(-p.Window)) {
		return false
	}
	if j.LastRetryAt != nil && j.LastRetryAt.After(now.Add(-p.Cooldown)) {
		return false
	}
	return true
}

// Unsettled reports whether a failed job is owed its refund: it will never
// run again, either because it is terminal or because its retry window
// elapsed, and its cost has not been returned yet.
func (j *Job) Unsettled(p RetryPolicy, now time.Time) bool {
	if j.Status != JobStatusFailed || j.Refunded {
		return false
	}
	if j.Terminal(p) {
		return true
	}
	return j.ProcessingCompletedAt != nil && j.ProcessingCompletedAt.Before(now.Add(-p.Window))
}

// SettlementReason names the refund reason for an unsettled job.
func (j *Job) SettlementReason(p RetryPolicy) string {
	switch {
	case j.ModerationStatus == ModerationRejected:
		return RefundModeration
	case j.ErrorMessage == ErrMsgTimeout:
		return RefundTimeout
	case j.RetryCount >= p.MaxRetries:
		return RefundRetriesExhausted
	}
	return RefundRetryAbandoned
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// JobFilter narrows history listings.
type JobFilter struct {
	OwnerID string
	Status  JobStatus
	Limit   int
	Offset  int
}

// JobStats aggregates job outcomes for a period.
type JobStats struct {
	Since          time.Time
	Until          time.Time
	ByStatus       map[JobStatus]int
	RefundedPoints int64
	SpentPoints    int64
}
