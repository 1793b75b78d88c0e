package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genengine/internal/domain"
)

var freeLimits = Limits{MaxConcurrent: 1, MinInterval: 180 * time.Second, HourlyLimit: 5, DailyLimit: 20}

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

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

// eachStore runs fn against the in-memory and Redis backends.
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, NewRedisStore(client, WithKeyPrefix("test:"+t.Name()+":")))
	})
}

func reason(t *testing.T, err error) domain.RejectionReason {
	t.Helper()
	if err == nil {
		return ""
	}
	rej, ok := domain.AsRejection(err)
	if !ok {
		t.Fatalf("unexpected error: %v", err)
	}
	return rej.Reason
}

func TestTryReserveIntervalReportsRetryAfter(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		c := newClock()
		g := New(store, zerolog.Nop(), WithClock(c.Now))

		if _, err := g.TryReserve(ctx, "u1", freeLimits, 1); err != nil {
			t.Fatalf("first TryReserve() error: %v", err)
		}
		if err := g.Release(ctx, "u1", 1); err != nil {
			t.Fatalf("Release() error: %v", err)
		}
		c.Advance(60 * time.Second)
		_, err := g.TryReserve(ctx, "u1", freeLimits, 1)
		rej, ok := domain.AsRejection(err)
		if !ok || rej.Reason != domain.ReasonIntervalTooShort {
			t.Fatalf("TryReserve() error = %v, want interval rejection", err)
		}
		if rej.RetryAfter != 120*time.Second {
			t.Fatalf("RetryAfter = %s, want 2m0s", rej.RetryAfter)
		}
		c.Advance(120 * time.Second)
		if _, err := g.TryReserve(ctx, "u1", freeLimits, 1); err != nil {
			t.Fatalf("TryReserve() after interval error: %v", err)
		}
	})
}

func TestTryReserveCheckOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		c := newClock()
		g := New(store, zerolog.Nop(), WithClock(c.Now))

		if _, err := g.TryReserve(ctx, "u1", freeLimits, 1); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}
		// Slot held and interval not elapsed: concurrency wins.
		if got := reason(t, func() error { _, err := g.TryReserve(ctx, "u1", freeLimits, 1); return err }()); got != domain.ReasonConcurrentLimit {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonConcurrentLimit)
		}
		// Banned beats everything.
		if err := g.SetRisk(ctx, "u1", domain.RiskBanned, nil); err != nil {
			t.Fatalf("SetRisk() error: %v", err)
		}
		if got := reason(t, func() error { _, err := g.TryReserve(ctx, "u1", freeLimits, 1); return err }()); got != domain.ReasonAccountRestricted {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonAccountRestricted)
		}
	})
}

func TestTryReserveHourlyRollover(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		c := newClock()
		g := New(store, zerolog.Nop(), WithClock(c.Now))
		limits := Limits{MaxConcurrent: 10, HourlyLimit: 2, DailyLimit: 3}

		for i := 0; i < 2; i++ {
			if _, err := g.TryReserve(ctx, "u1", limits, 1); err != nil {
				t.Fatalf("TryReserve(%d) error: %v", i, err)
			}
		}
		_, err := g.TryReserve(ctx, "u1", limits, 1)
		if got := reason(t, err); got != domain.ReasonHourlyLimit {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonHourlyLimit)
		}
		c.Advance(time.Hour)
		if _, err := g.TryReserve(ctx, "u1", limits, 1); err != nil {
			t.Fatalf("TryReserve() after rollover error: %v", err)
		}
		c.Advance(time.Hour)
		_, err = g.TryReserve(ctx, "u1", limits, 1)
		if got := reason(t, err); got != domain.ReasonDailyLimit {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonDailyLimit)
		}
	})
}

func TestTryReserveClearsExpiredRestriction(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		c := newClock()
		g := New(store, zerolog.Nop(), WithClock(c.Now))

		expiry := c.Now().Add(time.Hour)
		if err := g.SetRisk(ctx, "u1", domain.RiskRestricted, &expiry); err != nil {
			t.Fatalf("SetRisk() error: %v", err)
		}
		_, err := g.TryReserve(ctx, "u1", freeLimits, 1)
		if got := reason(t, err); got != domain.ReasonAccountRestricted {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonAccountRestricted)
		}
		c.Advance(2 * time.Hour)
		if _, err := g.TryReserve(ctx, "u1", freeLimits, 1); err != nil {
			t.Fatalf("TryReserve() after expiry error: %v", err)
		}
		st, err := g.State(ctx, "u1")
		if err != nil {
			t.Fatalf("State() error: %v", err)
		}
		if st.Risk != domain.RiskNormal || st.RestrictionExpiry != nil {
			t.Fatalf("risk = %q expiry = %v, want cleared", st.Risk, st.RestrictionExpiry)
		}
	})
}

func TestTryReserveNeverOverAdmits(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		g := New(store, zerolog.Nop())
		limits := Limits{MaxConcurrent: 3, HourlyLimit: 1000, DailyLimit: 1000}

		var granted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 24; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := g.TryReserve(ctx, "u1", limits, 1); err == nil {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := granted.Load(); got != 3 {
			t.Fatalf("granted = %d, want 3", got)
		}
		st, _ := g.State(ctx, "u1")
		if st.ConcurrencyCurrent != 3 {
			t.Fatalf("ConcurrencyCurrent = %d, want 3", st.ConcurrencyCurrent)
		}
	})
}

func TestBatchReservationTakesSlots(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		g := New(store, zerolog.Nop())
		limits := Limits{MaxConcurrent: 5, HourlyLimit: 50, DailyLimit: 300}

		if _, err := g.TryReserve(ctx, "u1", limits, 4); err != nil {
			t.Fatalf("TryReserve(4) error: %v", err)
		}
		_, err := g.TryReserve(ctx, "u1", limits, 2)
		if got := reason(t, err); got != domain.ReasonConcurrentLimit {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonConcurrentLimit)
		}
		st, _ := g.State(ctx, "u1")
		if st.ConcurrencyCurrent != 4 || st.HourlyCount != 1 {
			t.Fatalf("state = %+v, want 4 slots and 1 request", st)
		}
	})
}

func TestReleaseClampsAtZero(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		g := New(store, zerolog.Nop())
		if err := g.Release(ctx, "u1", 1); err != nil {
			t.Fatalf("Release() error: %v", err)
		}
		st, _ := g.State(ctx, "u1")
		if st.ConcurrencyCurrent != 0 {
			t.Fatalf("ConcurrencyCurrent = %d, want 0", st.ConcurrencyCurrent)
		}
	})
}

func TestAcquireSlotSkipsRateChecks(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		g := New(store, zerolog.Nop())
		if _, err := g.TryReserve(ctx, "u1", freeLimits, 1); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}
		if err := g.Release(ctx, "u1", 1); err != nil {
			t.Fatalf("Release() error: %v", err)
		}
		// Interval has not elapsed, but retries only need a slot.
		if err := g.AcquireSlot(ctx, "u1", 1); err != nil {
			t.Fatalf("AcquireSlot() error: %v", err)
		}
		if got := reason(t, g.AcquireSlot(ctx, "u1", 1)); got != domain.ReasonConcurrentLimit {
			t.Fatalf("reason = %q, want %q", got, domain.ReasonConcurrentLimit)
		}
		st, _ := g.State(ctx, "u1")
		if st.HourlyCount != 1 {
			t.Fatalf("HourlyCount = %d, want 1", st.HourlyCount)
		}
	})
}

func TestResyncMatchesHeldSlots(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		g := New(store, zerolog.Nop(), WithClock(clk.Now))
		limits := Limits{MaxConcurrent: 5, HourlyLimit: 50, DailyLimit: 300}
		for _, u := range []string{"leaky", "busy"} {
			if _, err := g.TryReserve(ctx, u, limits, 3); err != nil {
				t.Fatalf("TryReserve(%s) error: %v", u, err)
			}
		}
		clk.Advance(2 * resyncSettle)

		observed, err := g.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error: %v", err)
		}
		changed, err := g.Resync(ctx, observed, map[string]int{"busy": 2})
		if err != nil {
			t.Fatalf("Resync() error: %v", err)
		}
		if changed != 2 {
			t.Fatalf("changed = %d, want 2", changed)
		}
		leaky, _ := g.State(ctx, "leaky")
		busy, _ := g.State(ctx, "busy")
		if leaky.ConcurrencyCurrent != 0 || busy.ConcurrencyCurrent != 2 {
			t.Fatalf("leaky = %d busy = %d, want 0 and 2", leaky.ConcurrencyCurrent, busy.ConcurrencyCurrent)
		}
		active, err := store.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive() error: %v", err)
		}
		if len(active) != 1 || active[0].UserID != "busy" {
			t.Fatalf("ListActive() = %+v, want only busy", active)
		}
	})
}

func TestResyncNeverRaisesCounter(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		g := New(store, zerolog.Nop(), WithClock(clk.Now))
		limits := Limits{MaxConcurrent: 5, HourlyLimit: 50, DailyLimit: 300}
		if _, err := g.TryReserve(ctx, "u1", limits, 1); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}
		clk.Advance(2 * resyncSettle)

		observed, err := g.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error: %v", err)
		}
		changed, err := g.Resync(ctx, observed, map[string]int{"u1": 3, "nobody": 2})
		if err != nil {
			t.Fatalf("Resync() error: %v", err)
		}
		st, _ := g.State(ctx, "u1")
		if changed != 0 || st.ConcurrencyCurrent != 1 {
			t.Fatalf("changed = %d counter = %d, want 0 and 1", changed, st.ConcurrencyCurrent)
		}
		other, _ := g.State(ctx, "nobody")
		if other.ConcurrencyCurrent != 0 {
			t.Fatalf("nobody counter = %d, want 0", other.ConcurrencyCurrent)
		}
	})
}

func TestResyncSkipsCountersThatMoved(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		g := New(store, zerolog.Nop(), WithClock(clk.Now))
		limits := Limits{MaxConcurrent: 5, HourlyLimit: 50, DailyLimit: 300}
		if _, err := g.TryReserve(ctx, "u1", limits, 2); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}
		clk.Advance(2 * resyncSettle)

		observed, err := g.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error: %v", err)
		}
		// A submission reserves after the snapshot; its jobs are not counted yet.
		if _, err := g.TryReserve(ctx, "u1", limits, 1); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}
		changed, err := g.Resync(ctx, observed, map[string]int{"u1": 0})
		if err != nil {
			t.Fatalf("Resync() error: %v", err)
		}
		st, _ := g.State(ctx, "u1")
		if changed != 0 || st.ConcurrencyCurrent != 3 {
			t.Fatalf("changed = %d counter = %d, want 0 and 3", changed, st.ConcurrencyCurrent)
		}
	})
}

func TestResyncWaitsForSettledCounter(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		clk := newClock()
		g := New(store, zerolog.Nop(), WithClock(clk.Now))
		limits := Limits{MaxConcurrent: 5, HourlyLimit: 50, DailyLimit: 300}
		if _, err := g.TryReserve(ctx, "u1", limits, 1); err != nil {
			t.Fatalf("TryReserve() error: %v", err)
		}

		// Reserved but its job rows are not written yet.
		observed, _ := g.Snapshot(ctx)
		changed, err := g.Resync(ctx, observed, map[string]int{})
		if err != nil {
			t.Fatalf("Resync() error: %v", err)
		}
		st, _ := g.State(ctx, "u1")
		if changed != 0 || st.ConcurrencyCurrent != 1 {
			t.Fatalf("changed = %d counter = %d, want 0 and 1", changed, st.ConcurrencyCurrent)
		}

		clk.Advance(2 * resyncSettle)
		observed, _ = g.Snapshot(ctx)
		if changed, _ = g.Resync(ctx, observed, map[string]int{}); changed != 1 {
			t.Fatalf("changed = %d after settling, want 1", changed)
		}
	})
}
