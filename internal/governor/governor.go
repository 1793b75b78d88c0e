// Package governor enforces per-user rate limits and concurrency slots.
//
// Quota state lives in a Store that offers one primitive: an atomic
// read-modify-write of a single user's state. All admission logic runs inside
// that primitive, so acquisition is a compare-and-increment regardless of the
// backend (in-process lock, Redis WATCH/MULTI, Postgres row lock).
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"genengine/internal/domain"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// Limits are the tier limits the governor enforces.
type Limits struct {
	MaxConcurrent int
	MinInterval   time.Duration
	HourlyLimit   int
	DailyLimit    int
}

// Reservation is a granted admission.
type Reservation struct {
	UserID string
	Slots  int
	At     time.Time
	State  domain.QuotaState
}

// UpdateFunc mutates state in place and reports whether it should be persisted.
type UpdateFunc func(state *domain.QuotaState) bool

// Store is the atomic quota-state backend.
type Store interface {
	// Update runs fn against the user's current state under exclusive access
	// and persists the result when fn returns true. Missing users start from
	// a zero state with normal risk.
	Update(ctx context.Context, userID string, fn UpdateFunc) (domain.QuotaState, error)
	Get(ctx context.Context, userID string) (domain.QuotaState, error)
	// ListActive returns every user whose concurrency counter is non-zero.
	ListActive(ctx context.Context) ([]domain.QuotaState, error)
}

// Governor admits submissions and tracks concurrency slots.
type Governor struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a Governor over store.
func New(store Store, logger zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		store:  store,
		logger: logger.With().Str("component", "governor").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryReserve checks, in order: risk status, concurrency, interval, hourly and
// daily limits. The first failing check is returned as *domain.RejectionError
// and nothing is reserved. On success slots concurrency units are taken and
// the request counts once against the rate counters.
func (g *Governor) TryReserve(ctx context.Context, userID string, limits Limits, slots int) (Reservation, error) {
	if slots <= 0 {
		slots = 1
	}
	now := g.now()
	var denial *domain.RejectionError
	state, err := g.store.Update(ctx, userID, func(s *domain.QuotaState) bool {
		cleared := clearExpiredRestriction(s, now)
		denial = evaluate(s, limits, slots, now)
		if denial != nil {
			return cleared
		}
		apply(s, limits, slots, now)
		return true
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("governor: reserve: %w", err)
	}
	if denial != nil {
		g.logger.Debug().Str("user_id", userID).Str("reason", string(denial.Reason)).Msg("reservation denied")
		return Reservation{}, denial
	}
	return Reservation{UserID: userID, Slots: slots, At: now, State: state}, nil
}

// AcquireSlot takes one concurrency unit without touching the rate counters.
// It is used for system-initiated retries.
func (g *Governor) AcquireSlot(ctx context.Context, userID string, maxConcurrent int) error {
	var denied bool
	_, err := g.store.Update(ctx, userID, func(s *domain.QuotaState) bool {
		s.ConcurrencyMax = maxConcurrent
		if s.ConcurrencyCurrent+1 > maxConcurrent {
			denied = true
			return true
		}
		s.ConcurrencyCurrent++
		s.UpdatedAt = g.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("governor: acquire slot: %w", err)
	}
	if denied {
		return &domain.RejectionError{Reason: domain.ReasonConcurrentLimit}
	}
	return nil
}

// Release returns slots concurrency units. The counter never drops below
// zero; callers are responsible for releasing each job at most once.
func (g *Governor) Release(ctx context.Context, userID string, slots int) error {
	if slots <= 0 {
		return nil
	}
	var underflow bool
	_, err := g.store.Update(ctx, userID, func(s *domain.QuotaState) bool {
		if s.ConcurrencyCurrent < slots {
			underflow = true
			s.ConcurrencyCurrent = 0
		} else {
			s.ConcurrencyCurrent -= slots
		}
		s.UpdatedAt = g.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("governor: release: %w", err)
	}
	if underflow {
		g.logger.Warn().Str("user_id", userID).Int("slots", slots).Msg("release below zero clamped")
	}
	return nil
}

// SetRisk updates a user's risk status. expiry only applies to restricted.
func (g *Governor) SetRisk(ctx context.Context, userID string, risk domain.RiskStatus, expiry *time.Time) error {
	switch risk {
	case domain.RiskNormal, domain.RiskWarning, domain.RiskRestricted, domain.RiskBanned:
	default:
		return fmt.Errorf("governor: unknown risk status %q", risk)
	}
	_, err := g.store.Update(ctx, userID, func(s *domain.QuotaState) bool {
		s.Risk = risk
		s.RestrictionExpiry = nil
		if risk == domain.RiskRestricted {
			s.RestrictionExpiry = expiry
		}
		s.UpdatedAt = g.now()
		return true
	})
	return err
}

// State returns the stored state for userID.
func (g *Governor) State(ctx context.Context, userID string) (domain.QuotaState, error) {
	return g.store.Get(ctx, userID)
}

// resyncSettle is how long a user's quota state must have been left alone
// before Resync may lower its counter. A submission reserves its slot before
// its jobs are written, so a recently touched counter can be ahead of the
// held count without having leaked.
const resyncSettle = time.Minute

// Snapshot returns the quota state of every user holding at least one slot.
// Take it before counting held slots and pass it to Resync.
func (g *Governor) Snapshot(ctx context.Context) (map[string]domain.QuotaState, error) {
	active, err := g.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("governor: list active: %w", err)
	}
	out := make(map[string]domain.QuotaState, len(active))
	for _, s := range active {
		out[s.UserID] = s
	}
	return out, nil
}

// Resync lowers leaked concurrency counters to the number of slots the
// user's jobs hold. observed must be read before held was counted. A
// counter is only changed when it still matches its observed state and has
// been settled for a while, and it is never raised: any reservation or
// release since the snapshot leaves the counter to the normal release path.
// It returns the number of counters that were lowered.
func (g *Governor) Resync(ctx context.Context, observed map[string]domain.QuotaState, held map[string]int) (int, error) {
	changed := 0
	for userID, seen := range observed {
		want := held[userID]
		if seen.ConcurrencyCurrent <= want {
			continue
		}
		var before int
		applied := false
		_, err := g.store.Update(ctx, userID, func(s *domain.QuotaState) bool {
			before = s.ConcurrencyCurrent
			if s.ConcurrencyCurrent != seen.ConcurrencyCurrent || !s.UpdatedAt.Equal(seen.UpdatedAt) {
				return false
			}
			if g.now().Sub(s.UpdatedAt) < resyncSettle {
				return false
			}
			s.ConcurrencyCurrent = want
			s.UpdatedAt = g.now()
			applied = true
			return true
		})
		if err != nil {
			g.logger.Error().Err(err).Str("user_id", userID).Msg("resync failed")
			continue
		}
		if !applied {
			g.logger.Debug().Str("user_id", userID).Msg("resync skipped, counter moved since snapshot")
			continue
		}
		changed++
		g.logger.Warn().Str("user_id", userID).Int("counter", before).Int("held", want).Msg("concurrency counter resynced")
	}
	return changed, nil
}

func clearExpiredRestriction(s *domain.QuotaState, now time.Time) bool {
	if s.Risk != domain.RiskRestricted || s.RestrictionExpiry == nil || s.RestrictionExpiry.After(now) {
		return false
	}
	s.Risk = domain.RiskNormal
	s.RestrictionExpiry = nil
	s.UpdatedAt = now
	return true
}

func evaluate(s *domain.QuotaState, limits Limits, slots int, now time.Time) *domain.RejectionError {
	if s.Blocked(now) {
		return &domain.RejectionError{Reason: domain.ReasonAccountRestricted, Detail: string(s.Risk)}
	}
	if s.ConcurrencyCurrent+slots > limits.MaxConcurrent {
		return &domain.RejectionError{Reason: domain.ReasonConcurrentLimit}
	}
	if s.LastJobAt != nil && limits.MinInterval > 0 {
		if elapsed := now.Sub(*s.LastJobAt); elapsed < limits.MinInterval {
			wait := limits.MinInterval - elapsed
			return &domain.RejectionError{Reason: domain.ReasonIntervalTooShort, RetryAfter: wait.Round(time.Second)}
		}
	}
	rollover(s, now)
	if s.HourlyCount >= limits.HourlyLimit {
		return &domain.RejectionError{Reason: domain.ReasonHourlyLimit, RetryAfter: until(s.HourlyResetAt, now)}
	}
	if s.DailyCount >= limits.DailyLimit {
		return &domain.RejectionError{Reason: domain.ReasonDailyLimit, RetryAfter: until(s.DailyResetAt, now)}
	}
	return nil
}

func rollover(s *domain.QuotaState, now time.Time) {
	if s.HourlyResetAt != nil && !now.Before(*s.HourlyResetAt) {
		s.HourlyCount = 0
		s.HourlyResetAt = ptr(now.Add(hourlyWindow))
	}
	if s.DailyResetAt != nil && !now.Before(*s.DailyResetAt) {
		s.DailyCount = 0
		s.DailyResetAt = ptr(now.Add(dailyWindow))
	}
}

func apply(s *domain.QuotaState, limits Limits, slots int, now time.Time) {
	s.ConcurrencyMax = limits.MaxConcurrent
	s.ConcurrencyCurrent += slots
	s.HourlyCount++
	s.DailyCount++
	s.LastJobAt = ptr(now)
	if s.HourlyResetAt == nil {
		s.HourlyResetAt = ptr(now.Add(hourlyWindow))
	}
	if s.DailyResetAt == nil {
		s.DailyResetAt = ptr(now.Add(dailyWindow))
	}
	s.UpdatedAt = now
}

func until(t *time.Time, now time.Time) time.Duration {
	if t == nil || !t.After(now) {
		return 0
	}
	return t.Sub(now).Round(time.Second)
}

func ptr[T any](v T) *T { return &v }
