package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genengine/internal/adapter/memstore"
	"genengine/internal/domain"
	"genengine/internal/governor"
	"genengine/internal/ledger"
	"genengine/internal/notify"
	"genengine/internal/providers/moderation"
	"genengine/internal/providers/video"
	"genengine/internal/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedFaults struct {
	mu     sync.Mutex
	faults []Fault
}

func (r *recordedFaults) Report(_ context.Context, f Fault) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()
}

func (r *recordedFaults) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.faults {
		out = append(out, f.Kind)
	}
	return out
}

type recordedNotifications struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	expiring  map[string]int
}

func (n *recordedNotifications) NotifyCompleted(_ context.Context, _ notify.Recipient, job *domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
	return nil
}

func (n *recordedNotifications) NotifyFailed(_ context.Context, _ notify.Recipient, job *domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	return nil
}

func (n *recordedNotifications) NotifySubscriptionExpiring(_ context.Context, to notify.Recipient, _ domain.Tier, _ time.Time, daysLeft int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.expiring == nil {
		n.expiring = make(map[string]int)
	}
	n.expiring[to.UserID] = daysLeft
	return nil
}

type fakeStorage struct {
	err error
}

func (s fakeStorage) Persist(_ context.Context, key, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.test/" + key, nil
}

type harness struct {
	engine   *Engine
	rec      *Reconciler
	store    *memstore.Store
	gov      *governor.Governor
	queue    *queue.Memory
	clock    *clock
	notes    *recordedNotifications
	faults   *recordedFaults
	genError func(video.GenerateRequest) error
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		queue:  queue.NewMemory(64),
		clock:  &clock{now: time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)},
		notes:  &recordedNotifications{},
		faults: &recordedFaults{},
	}
	logger := zerolog.Nop()
	h.gov = governor.New(governor.NewMemoryStore(), logger, governor.WithClock(h.clock.Now))

	deps := Deps{
		Jobs:     h.store,
		Accounts: h.store,
		Ledger:   ledger.New(h.store, logger, ledger.WithClock(h.clock.Now)),
		Governor: h.gov,
		Queue:    h.queue,
		Generator: video.NewSimulatedGenerator("https://provider.test", video.WithDelay(0),
			video.WithFailure(func(req video.GenerateRequest) error {
				if h.genError != nil {
					return h.genError(req)
				}
				return nil
			})),
		Moderation: moderation.NewKeywordChecker([]string{"forbidden"}),
		Storage:    fakeStorage{},
		Notifier:   h.notes,
		Faults:     h.faults,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	e, err := New(deps, DefaultConfig(), logger, WithClock(h.clock.Now))
	require.NoError(t, err)
	h.engine = e
	h.rec = e.NewReconciler()
	return h
}

func (h *harness) submit(t *testing.T, userID, prompt string) *Accepted {
	t.Helper()
	acc, err := h.engine.Submit(context.Background(), SubmitRequest{
		UserID: userID, Model: "wan-i2v", Prompt: prompt, DurationSeconds: 5,
	})
	require.NoError(t, err)
	return acc
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := h.engine.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) slots(t *testing.T, userID string) int {
	t.Helper()
	s, err := h.gov.State(context.Background(), userID)
	require.NoError(t, err)
	return s.ConcurrencyCurrent
}

func (h *harness) refundEntries(t *testing.T, userID string) int {
	t.Helper()
	entries, err := h.engine.ledger.History(context.Background(), userID, 100)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Kind == domain.EntryRefund {
			n++
		}
	}
	return n
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), zerolog.Nop())
	require.Error(t, err)
}

func TestFreeUserSecondSubmissionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	acc := h.submit(t, "u1", "a cat surfing")
	assert.Equal(t, int64(22), acc.PointsCharged)
	assert.Equal(t, int64(8), acc.Balance)
	require.Len(t, acc.JobIDs, 1)
	assert.Equal(t, 1, h.slots(t, "u1"))

	_, err := h.engine.Submit(ctx, SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "again", DurationSeconds: 5})
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	assert.Contains(t, []domain.RejectionReason{domain.ReasonInsufficientPoints, domain.ReasonConcurrentLimit}, rej.Reason)
	assert.Equal(t, int64(8), h.balance(t, "u1"))
	assert.Equal(t, 1, h.slots(t, "u1"))

	id, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, acc.JobIDs[0], id)
}

func TestSubmitRejectsBeforeReserving(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		want domain.RejectionReason
	}{
		{"empty prompt", SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: " ", DurationSeconds: 5}, domain.ReasonInvalidRequest},
		{"model", SubmitRequest{UserID: "u1", Model: "veo-3", Prompt: "x", DurationSeconds: 5}, domain.ReasonModelNotAllowed},
		{"duration", SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "x", DurationSeconds: 10}, domain.ReasonDurationExceeded},
		{"batch", SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "x", DurationSeconds: 5, BatchSize: 2}, domain.ReasonBatchExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, tc.req)
			rej, ok := domain.AsRejection(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tc.want, rej.Reason)
		})
	}
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, int64(domain.SignupGrant), h.balance(t, "u1"))
}

func TestRestrictedUserRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	until := h.clock.Now().Add(time.Hour)
	require.NoError(t, h.engine.SetRisk(ctx, "u1", domain.RiskRestricted, &until))

	_, err := h.engine.Submit(ctx, SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "x", DurationSeconds: 5})
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonAccountRestricted, rej.Reason)

	h.clock.Advance(2 * time.Hour)
	h.submit(t, "u1", "x")
}

func TestProcessCompletesJob(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, "u1", "a cat surfing")
	id := acc.JobIDs[0]

	require.NoError(t, h.engine.Process(context.Background(), id))
	h.engine.Wait()

	j := h.job(t, id)
	assert.Equal(t, domain.JobStatusCompleted, j.Status)
	assert.Equal(t, domain.ModerationApproved, j.ModerationStatus)
	assert.Equal(t, "https://cdn.test/videos/u1/"+id+".mp4", j.ResultURL)
	assert.False(t, j.SlotHeld)
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, int64(8), h.balance(t, "u1"))
	assert.Equal(t, []string{id}, h.notes.completed)

	// A duplicate delivery is ignored.
	require.NoError(t, h.engine.Process(context.Background(), id))
	assert.Equal(t, 0, h.slots(t, "u1"))
}

func TestModerationRejectionRefundsWithoutProcessing(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, "u1", "something forbidden")
	id := acc.JobIDs[0]

	require.NoError(t, h.engine.Process(context.Background(), id))
	h.engine.Wait()

	j := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Equal(t, domain.ModerationRejected, j.ModerationStatus)
	assert.Nil(t, j.ProcessingStartedAt)
	assert.True(t, j.Refunded)
	assert.Equal(t, domain.RefundModeration, j.RefundReason)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, 1, h.refundEntries(t, "u1"))
	assert.Equal(t, []string{id}, h.notes.failed)

	rep := h.rec.RunOnce(context.Background())
	assert.Zero(t, rep.Requeued)
	assert.Zero(t, rep.Settled)
	assert.Equal(t, 1, h.refundEntries(t, "u1"))
}

type failingChecker struct{}

func (failingChecker) Check(context.Context, string) (moderation.Verdict, error) {
	return moderation.Verdict{}, errors.New("moderation down")
}

func TestModerationOutageApproves(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Moderation = failingChecker{} })
	acc := h.submit(t, "u1", "something forbidden")

	require.NoError(t, h.engine.Process(context.Background(), acc.JobIDs[0]))
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, acc.JobIDs[0]).Status)
}

func TestTimeoutSweepRefundsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.submit(t, "u1", "a cat surfing")
	id := acc.JobIDs[0]

	now := h.clock.Now()
	_, err := h.store.ApproveModeration(ctx, id, now)
	require.NoError(t, err)
	_, err = h.store.StartProcessing(ctx, id, now, now.Add(domain.MaxProcessingDuration))
	require.NoError(t, err)

	h.clock.Advance(domain.MaxProcessingDuration + time.Minute)
	rep := h.rec.RunOnce(ctx)
	h.engine.Wait()
	assert.Equal(t, 1, rep.TimedOut)

	j := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Equal(t, domain.ErrMsgTimeout, j.ErrorMessage)
	assert.True(t, j.Refunded)
	assert.Equal(t, domain.RefundTimeout, j.RefundReason)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, []string{id}, h.notes.failed)

	h.clock.Advance(domain.RetryCooldown + time.Minute)
	rep = h.rec.RunOnce(ctx)
	h.engine.Wait()
	assert.Zero(t, rep.TimedOut)
	assert.Zero(t, rep.Requeued)
	assert.Zero(t, rep.Settled)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, 1, h.refundEntries(t, "u1"))
	assert.Len(t, h.notes.failed, 1)
}

func TestFailedJobIsRequeuedWithoutRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.genError = func(video.GenerateRequest) error { return errors.New("provider 502") }
	acc := h.submit(t, "u1", "a cat surfing")
	id := acc.JobIDs[0]
	_, _ = h.queue.Claim(ctx, time.Second)

	require.NoError(t, h.engine.Process(ctx, id))
	j := h.job(t, id)
	require.Equal(t, domain.JobStatusFailed, j.Status)
	assert.False(t, j.Refunded)
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, int64(8), h.balance(t, "u1"))

	h.clock.Advance(time.Minute)
	rep := h.rec.RunOnce(ctx)
	assert.Equal(t, 1, rep.Requeued)

	j = h.job(t, id)
	assert.Equal(t, domain.JobStatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.True(t, j.SlotHeld)
	assert.False(t, j.Refunded)
	assert.Equal(t, 1, h.slots(t, "u1"))
	assert.Equal(t, int64(8), h.balance(t, "u1"))

	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, claimed)

	// Inside the cool-down a second failure waits.
	require.NoError(t, h.engine.Process(ctx, id))
	h.clock.Advance(time.Hour)
	rep = h.rec.RunOnce(ctx)
	assert.Zero(t, rep.Requeued)
	assert.Equal(t, 1, h.job(t, id).RetryCount)
}

func TestExhaustedRetriesRefundOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.genError = func(video.GenerateRequest) error { return errors.New("provider 502") }
	acc := h.submit(t, "u1", "a cat surfing")
	id := acc.JobIDs[0]

	require.NoError(t, h.engine.Process(ctx, id))
	for attempt := 1; attempt <= domain.MaxRetries; attempt++ {
		h.clock.Advance(domain.RetryCooldown + time.Minute)
		rep := h.rec.RunOnce(ctx)
		require.Equal(t, 1, rep.Requeued, "attempt %d", attempt)
		require.NoError(t, h.engine.Process(ctx, id))
	}
	h.engine.Wait()

	j := h.job(t, id)
	assert.Equal(t, domain.MaxRetries, j.RetryCount)
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.True(t, j.Refunded)
	assert.Equal(t, domain.RefundRetriesExhausted, j.RefundReason)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, 0, h.slots(t, "u1"))

	h.clock.Advance(domain.RetryCooldown + time.Minute)
	rep := h.rec.RunOnce(ctx)
	assert.Zero(t, rep.Requeued)
	assert.Equal(t, domain.JobStatusFailed, h.job(t, id).Status)
	assert.Equal(t, 1, h.refundEntries(t, "u1"))
	assert.Len(t, h.notes.failed, 1)
}

func TestRetryWindowElapsedSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.genError = func(video.GenerateRequest) error { return errors.New("provider 502") }
	acc := h.submit(t, "u1", "a cat surfing")
	id := acc.JobIDs[0]
	require.NoError(t, h.engine.Process(ctx, id))

	h.clock.Advance(domain.RetryWindow + time.Hour)
	rep := h.rec.RunOnce(ctx)
	h.engine.Wait()
	assert.Zero(t, rep.Requeued)
	assert.Equal(t, 1, rep.Settled)

	j := h.job(t, id)
	assert.True(t, j.Refunded)
	assert.Equal(t, domain.RefundRetryAbandoned, j.RefundReason)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, []string{id}, h.notes.failed)
}

func TestCompletionLosesToTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Credit(ctx, "u1", 100, "purchase")
	require.NoError(t, err)
	expiry := h.clock.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, h.engine.SetTier(ctx, "u1", domain.TierPro, &expiry))

	first := h.submit(t, "u1", "first")
	h.clock.Advance(31 * time.Second)
	second := h.submit(t, "u1", "second")
	require.Equal(t, 2, h.slots(t, "u1"))

	slow := first.JobIDs[0]
	h.genError = func(req video.GenerateRequest) error {
		if req.JobID == slow {
			h.clock.Advance(domain.MaxProcessingDuration + time.Minute)
			h.rec.RunOnce(ctx)
		}
		return nil
	}
	require.NoError(t, h.engine.Process(ctx, slow))
	h.engine.Wait()

	j := h.job(t, slow)
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Equal(t, domain.ErrMsgTimeout, j.ErrorMessage)
	assert.Empty(t, j.ResultURL)
	assert.True(t, j.Refunded)
	assert.Empty(t, h.notes.completed)

	// The second job still holds its slot; the lost completion released nothing.
	assert.True(t, h.job(t, second.JobIDs[0]).SlotHeld)
	assert.Equal(t, 1, h.slots(t, "u1"))
	assert.Empty(t, h.faults.kinds())
}

type failingCreate struct {
	*memstore.Store
}

func (failingCreate) CreateJobs(context.Context, []*domain.Job) error {
	return errors.New("disk full")
}

func TestSubmitRestoresWhenInsertFails(t *testing.T) {
	h := newHarness(t)
	h.engine.jobs = failingCreate{h.store}

	_, err := h.engine.Submit(context.Background(), SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "x", DurationSeconds: 5})
	require.Error(t, err)
	_, isRejection := domain.AsRejection(err)
	assert.False(t, isRejection)
	assert.Equal(t, int64(30), h.balance(t, "u1"))
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Empty(t, h.faults.kinds())
}

type refusingDebits struct {
	*memstore.Store
}

func (r refusingDebits) ApplyEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.Kind == domain.EntrySpend {
		return domain.LedgerEntry{}, domain.ErrInsufficientPoints
	}
	return r.Store.ApplyEntry(ctx, e)
}

func TestDebitFailureAfterApprovalIsAFault(t *testing.T) {
	h := newHarness(t)
	h.engine.ledger = ledger.New(refusingDebits{h.store}, zerolog.Nop(), ledger.WithClock(h.clock.Now))

	_, err := h.engine.Submit(context.Background(), SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: "x", DurationSeconds: 5})
	require.ErrorIs(t, err, domain.ErrConsistency)
	assert.Equal(t, []string{FaultDebitAfterApproval}, h.faults.kinds())
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.Equal(t, int64(30), h.balance(t, "u1"))
}

func TestStalePendingIsRedispatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.submit(t, "u1", "x")
	_, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	rep := h.rec.RunOnce(ctx)
	assert.Equal(t, 1, rep.Redispatched)

	id, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, acc.JobIDs[0], id)

	rep = h.rec.RunOnce(ctx)
	assert.Zero(t, rep.Redispatched)
}

func TestSafetyValveResyncKeepsHeldSlots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, "u1", "x")
	require.NoError(t, h.gov.AcquireSlot(ctx, "u1", 5))
	require.NoError(t, h.gov.AcquireSlot(ctx, "ghost", 5))

	rep := h.rec.RunOnce(ctx)
	assert.Zero(t, rep.Resynced)
	assert.Equal(t, 2, h.slots(t, "u1"))

	h.clock.Advance(24*time.Hour + time.Minute)
	rep = h.rec.RunOnce(ctx)
	assert.Equal(t, 2, rep.Resynced)
	assert.Equal(t, 1, h.slots(t, "u1"))
	assert.Equal(t, 0, h.slots(t, "ghost"))
	assert.Contains(t, h.faults.kinds(), FaultSlotDrift)
}

// racingSlots runs after once, right after the held-slot count was taken.
type racingSlots struct {
	*memstore.Store
	once  sync.Once
	after func()
}

func (r *racingSlots) wrap(d *Deps) {
	r.Store = d.Jobs.(*memstore.Store)
	d.Jobs = r
}

func (r *racingSlots) SlotsHeld(ctx context.Context) (map[string]int, error) {
	held, err := r.Store.SlotsHeld(ctx)
	if r.after != nil {
		r.once.Do(r.after)
	}
	return held, err
}

func TestResyncIgnoresJobFinishingDuringCount(t *testing.T) {
	racing := &racingSlots{}
	h := newHarness(t, racing.wrap)
	ctx := context.Background()
	acc := h.submit(t, "u1", "a fox in snow")
	_, err := h.engine.Credit(ctx, "u1", 100, "purchase")
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)

	racing.after = func() {
		require.NoError(t, h.engine.Process(ctx, acc.JobIDs[0]))
	}
	n, err := h.rec.Resync(ctx)
	require.NoError(t, err)
	h.engine.Wait()

	assert.Zero(t, n)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, acc.JobIDs[0]).Status)
	assert.Equal(t, 0, h.slots(t, "u1"))
	assert.NotContains(t, h.faults.kinds(), FaultSlotDrift)

	h.submit(t, "u1", "another fox")
}

func TestResyncKeepsReservationMadeDuringCount(t *testing.T) {
	racing := &racingSlots{}
	h := newHarness(t, racing.wrap)
	ctx := context.Background()
	_, err := h.engine.Credit(ctx, "pro", 1000, "purchase")
	require.NoError(t, err)
	expiry := h.clock.Now().Add(30 * day)
	require.NoError(t, h.engine.SetTier(ctx, "pro", domain.TierPro, &expiry))
	h.submit(t, "pro", "first")
	h.clock.Advance(5 * time.Minute)

	racing.after = func() { h.submit(t, "pro", "second") }
	_, err = h.rec.Resync(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.engine.Submit(ctx, SubmitRequest{
			UserID: "pro", Model: "wan-i2v", Prompt: "more", DurationSeconds: 5,
		})
		if err != nil {
			rej, ok := domain.AsRejection(err)
			require.True(t, ok, "expected rejection, got %v", err)
			assert.Equal(t, domain.ReasonConcurrentLimit, rej.Reason)
			break
		}
	}

	held, err := h.store.SlotsHeld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, held["pro"])
	assert.Equal(t, 5, h.slots(t, "pro"))
	assert.NotContains(t, h.faults.kinds(), FaultSlotDrift)
}

func TestSubscriptionsExpireAndRemind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	soon := now.Add(6*24*time.Hour + time.Hour)
	lapsed := now.Add(-time.Hour)
	require.NoError(t, h.engine.SetTier(ctx, "soon", domain.TierPlus, &soon))
	require.NoError(t, h.engine.SetTier(ctx, "lapsed", domain.TierPro, &lapsed))

	rep := h.rec.RunOnce(ctx)
	h.engine.Wait()
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Reminded)
	assert.Equal(t, map[string]int{"soon": 7}, h.notes.expiring)

	acct, err := h.store.GetAccount(ctx, "lapsed")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, acct.Tier)

	// Reminders run once a day.
	h.clock.Advance(time.Hour)
	rep = h.rec.RunOnce(ctx)
	assert.Zero(t, rep.Reminded)
}

func TestRemindersSurviveRestartAndSecondReconciler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expiry := h.clock.Now().Add(6*day + time.Hour)
	require.NoError(t, h.engine.SetTier(ctx, "soon", domain.TierPlus, &expiry))

	first := h.engine.NewReconciler()
	second := h.engine.NewReconciler()
	assert.Equal(t, 1, first.RunOnce(ctx).Reminded)
	assert.Zero(t, second.RunOnce(ctx).Reminded)
	assert.Zero(t, h.engine.NewReconciler().RunOnce(ctx).Reminded, "a restarted reconciler must not remind again")
	h.engine.Wait()
	assert.Equal(t, map[string]int{"soon": 7}, h.notes.expiring)

	// Four days later the 3-day reminder goes out, once.
	h.clock.Advance(4 * day)
	assert.Equal(t, 1, second.RunOnce(ctx).Reminded)
	assert.Zero(t, first.RunOnce(ctx).Reminded)
	h.engine.Wait()
	assert.Equal(t, map[string]int{"soon": 3}, h.notes.expiring)
}

func TestDeleteJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.submit(t, "u1", "x")
	id := acc.JobIDs[0]

	_, err := h.engine.DeleteJob(ctx, id)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, h.engine.Process(ctx, id))
	res, err := h.engine.DeleteJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(30), h.balance(t, "u1"))

	_, err = h.store.GetJob(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetJobIsOwnerScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.submit(t, "u1", "x")

	_, err := h.engine.GetJob(ctx, "u2", acc.JobIDs[0])
	require.ErrorIs(t, err, domain.ErrNotFound)

	j, err := h.engine.GetJob(ctx, "u1", acc.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, acc.BatchID, j.BatchID)

	list, err := h.engine.ListJobs(ctx, "u1", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAdjustPointsAndWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.AdjustPoints(ctx, "nobody", 5, "bonus")
	require.ErrorIs(t, err, domain.ErrNotFound)

	w, err := h.engine.Wallet(ctx, "u1", "u1@example.com", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(30), w.Account.Points)
	assert.Equal(t, domain.TierFree, w.Tier)

	_, err = h.engine.AdjustPoints(ctx, "u1", -40, "chargeback")
	require.ErrorIs(t, err, domain.ErrInsufficientPoints)
	_, err = h.engine.AdjustPoints(ctx, "u1", 12, "goodwill")
	require.NoError(t, err)

	w, err = h.engine.Wallet(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(42), w.Account.Points)
	assert.Len(t, w.Entries, 2)
}

func TestConcurrentSubmissionsNeverOverAdmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Credit(ctx, "u1", 1000, "purchase")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Submit(ctx, SubmitRequest{UserID: "u1", Model: "wan-i2v", Prompt: fmt.Sprintf("clip %d", i), DurationSeconds: 5})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if _, ok := domain.AsRejection(err); !ok {
				t.Errorf("Submit() unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.slots(t, "u1"))
	assert.Equal(t, int64(1030-22), h.balance(t, "u1"))
}

func TestRunnerDrainsQueue(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, "u1", "x")

	ctx, cancel := context.WithCancel(context.Background())
	runner, err := h.engine.NewRunner()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), acc.JobIDs[0])
		return err == nil && j.Status == domain.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.slots(t, "u1"))
}

func TestPanicInProviderBecomesFailure(t *testing.T) {
	h := newHarness(t)
	h.genError = func(video.GenerateRequest) error { panic("nil pointer in provider") }
	acc := h.submit(t, "u1", "x")

	require.NoError(t, h.engine.Process(context.Background(), acc.JobIDs[0]))
	j := h.job(t, acc.JobIDs[0])
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "panic")
	assert.Equal(t, 0, h.slots(t, "u1"))
}
