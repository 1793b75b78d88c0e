package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrStaleTransition    = errors.New("stale transition")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrConsistency        = errors.New("consistency fault")
	ErrProviderFailure    = errors.New("provider failure")
	ErrDuplicateOperation = errors.New("duplicate operation")
)

// RejectionReason is a user-visible policy rejection code.
type RejectionReason string

const (
	ReasonInvalidRequest     RejectionReason = "invalid_request"
	ReasonModelNotAllowed    RejectionReason = "model_not_allowed"
	ReasonDurationExceeded   RejectionReason = "duration_exceeded"
	ReasonBatchExceeded      RejectionReason = "batch_exceeded"
	ReasonMonthlyCapExceeded RejectionReason = "monthly_cap_exceeded"
	ReasonInsufficientPoints RejectionReason = "insufficient_points"
	ReasonAccountRestricted  RejectionReason = "account_restricted"
	ReasonConcurrentLimit    RejectionReason = "concurrent_limit_exceeded"
	ReasonIntervalTooShort   RejectionReason = "interval_too_short"
	ReasonHourlyLimit        RejectionReason = "hourly_limit_exceeded"
	ReasonDailyLimit         RejectionReason = "daily_limit_exceeded"
)

// Throttled reports whether the reason is a rate or concurrency denial.
func (r RejectionReason) Throttled() bool {
	switch r {
	case ReasonConcurrentLimit, ReasonIntervalTooShort, ReasonHourlyLimit, ReasonDailyLimit:
		return true
	}
	return false
}

// RejectionError is a synchronous policy rejection. Nothing has been reserved
// or charged when it is returned.
type RejectionError struct {
	Reason     RejectionReason
	RetryAfter time.Duration
	Detail     string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
	}
	return "rejected: " + string(e.Reason)
}

// Reject builds a RejectionError.
func Reject(reason RejectionReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}

// AsRejection unwraps err into a RejectionError when possible.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
