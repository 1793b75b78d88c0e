package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genengine/internal/adapter/memstore"
	"genengine/internal/domain"
)

func newLedger(t *testing.T) (*Ledger, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return New(store, zerolog.Nop()), store
}

func TestOpenGrantsSignupPointsOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		acct, err := l.Open(ctx, "u1", "u1@example.com")
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if acct.Points != domain.SignupGrant {
			t.Fatalf("Points = %d, want %d", acct.Points, domain.SignupGrant)
		}
	}
	entries, err := l.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != domain.EntryEarn || entries[0].BalanceAfter != 30 {
		t.Fatalf("History() = %+v, want one earn entry", entries)
	}
}

func TestDebitRejectsOverdraft(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	if _, err := l.Open(ctx, "u1", ""); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	entry, err := l.Debit(ctx, "u1", 22, "job-1", "generation")
	if err != nil {
		t.Fatalf("Debit() error: %v", err)
	}
	if entry.BalanceAfter != 8 || entry.Amount != -22 {
		t.Fatalf("entry = %+v, want amount -22 balance 8", entry)
	}
	if _, err := l.Debit(ctx, "u1", 22, "job-2", "generation"); !errors.Is(err, domain.ErrInsufficientPoints) {
		t.Fatalf("Debit() error = %v, want ErrInsufficientPoints", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 8 {
		t.Fatalf("Balance() = %d, want 8", bal)
	}
}

func TestRefundIsIdempotentUnderRace(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	if _, err := l.Open(ctx, "u1", ""); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := l.Debit(ctx, "u1", 22, "job-1", "generation"); err != nil {
		t.Fatalf("Debit() error: %v", err)
	}
	now := time.Now()
	if err := store.CreateJobs(ctx, []*domain.Job{{
		ID: "job-1", OwnerID: "u1", PointsCost: 22, Status: domain.JobStatusFailed,
		RetryCount: domain.MaxRetries, CreatedAt: now, UpdatedAt: now,
	}}); err != nil {
		t.Fatalf("CreateJobs() error: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Refund(ctx, "job-1", domain.RefundRetriesExhausted)
			if err != nil {
				t.Errorf("Refund() error: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 30 {
		t.Fatalf("Balance() = %d, want 30", bal)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if !job.Refunded || job.RefundAmount != 22 || job.RefundReason != domain.RefundRetriesExhausted {
		t.Fatalf("job refund fields = %v/%d/%q", job.Refunded, job.RefundAmount, job.RefundReason)
	}
}

func TestConcurrentDebitsAndCreditsKeepBalance(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	if _, err := l.Open(ctx, "u1", ""); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", 970, "purchase"); err != nil {
		t.Fatalf("Credit() error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, "u1", 10, "job", "generation")
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Credit(ctx, "u1", 10, "purchase")
		}()
	}
	wg.Wait()
	if bal, _ := l.Balance(ctx, "u1"); bal != 1000 {
		t.Fatalf("Balance() = %d, want 1000", bal)
	}
}

func TestAdminAdjust(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	if _, err := l.Open(ctx, "u1", ""); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := l.AdminAdjust(ctx, "u1", -31, "chargeback"); !errors.Is(err, domain.ErrInsufficientPoints) {
		t.Fatalf("AdminAdjust(-31) error = %v, want ErrInsufficientPoints", err)
	}
	if _, err := l.AdminAdjust(ctx, "u1", 5, ""); err == nil {
		t.Fatalf("AdminAdjust() without reason expected error")
	}
	entry, err := l.AdminAdjust(ctx, "u1", -10, "chargeback")
	if err != nil {
		t.Fatalf("AdminAdjust() error: %v", err)
	}
	if entry.Kind != domain.EntryAdminAdjust || entry.BalanceAfter != 20 {
		t.Fatalf("entry = %+v", entry)
	}
	history, _ := l.History(ctx, "u1", 1)
	if len(history) != 1 || history[0].ID != entry.ID {
		t.Fatalf("History(1) = %+v, want newest adjustment", history)
	}
}
