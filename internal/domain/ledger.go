package domain

import "time"

// EntryKind classifies points ledger movements.
type EntryKind string

const (
	EntryEarn        EntryKind = "earn"
	EntrySpend       EntryKind = "spend"
	EntryRefund      EntryKind = "refund"
	EntryAdminAdjust EntryKind = "admin_adjust"
)

// LedgerEntry is one append-only record of a balance change.
type LedgerEntry struct {
	ID           string
	UserID       string
	Kind         EntryKind
	Amount       int64
	BalanceAfter int64
	Reason       string
	JobRef       string
	At           time.Time
}

// RefundResult describes the outcome of a refund attempt.
type RefundResult struct {
	Applied bool
	Entry   LedgerEntry
	Job     *Job
}
