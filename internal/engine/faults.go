package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// Fault kinds reported to operators.
const (
	FaultDebitAfterApproval = "debit_after_approval"
	FaultRestoreFailed      = "restore_failed"
	FaultReleaseFailed      = "release_failed"
	FaultSlotDrift          = "slot_drift"
)

// Fault is an internal consistency defect. It is never shown to users.
type Fault struct {
	Kind   string
	UserID string
	JobRef string
	Err    error
}

// FaultReporter delivers faults to an operator channel.
type FaultReporter interface {
	Report(ctx context.Context, f Fault)
}

// LogFaultReporter writes faults at error level on the operator logger.
type LogFaultReporter struct {
	logger zerolog.Logger
}

func NewLogFaultReporter(logger zerolog.Logger) *LogFaultReporter {
	return &LogFaultReporter{logger: logger.With().Str("component", "operator").Logger()}
}

func (r *LogFaultReporter) Report(_ context.Context, f Fault) {
	ev := r.logger.Error().Str("fault", f.Kind)
	if f.UserID != "" {
		ev = ev.Str("user_id", f.UserID)
	}
	if f.JobRef != "" {
		ev = ev.Str("job_ref", f.JobRef)
	}
	ev.Err(f.Err).Msg("consistency fault")
}
