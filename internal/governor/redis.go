package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"genengine/internal/domain"
)

const redisMaxAttempts = 16

// RedisStore keeps quota state in one Redis hash per user. Updates use
// optimistic WATCH/MULTI transactions and retry on conflict.
type RedisStore struct {
	client    *goredis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "genengine:quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *goredis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "genengine:quota:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) userKey(userID string) string { return s.keyPrefix + "user:" + userID }
func (s *RedisStore) activeKey() string            { return s.keyPrefix + "active" }

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, userID string, fn UpdateFunc) (domain.QuotaState, error) {
	key := s.userKey(userID)
	var result domain.QuotaState

	txf := func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		state, err := decodeState(userID, fields)
		if err != nil {
			return err
		}
		if !fn(&state) {
			result = state
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeState(state))
			if state.ConcurrencyCurrent > 0 {
				pipe.SAdd(ctx, s.activeKey(), userID)
			} else {
				pipe.SRem(ctx, s.activeKey(), userID)
			}
			return nil
		})
		if err == nil {
			result = state
		}
		return err
	}

	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return domain.QuotaState{}, fmt.Errorf("governor/redis: update %s: %w", userID, err)
	}
	return domain.QuotaState{}, fmt.Errorf("governor/redis: update %s: too much contention", userID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (domain.QuotaState, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return domain.QuotaState{}, fmt.Errorf("governor/redis: get %s: %w", userID, err)
	}
	return decodeState(userID, fields)
}

// ListActive implements Store.
func (s *RedisStore) ListActive(ctx context.Context) ([]domain.QuotaState, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("governor/redis: list active: %w", err)
	}
	out := make([]domain.QuotaState, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.ConcurrencyCurrent != 0 {
			out = append(out, st)
		}
	}
	return out, nil
}

func encodeState(s domain.QuotaState) map[string]any {
	return map[string]any{
		"concurrency_current": s.ConcurrencyCurrent,
		"concurrency_max":     s.ConcurrencyMax,
		"last_job_at":         formatTime(s.LastJobAt),
		"hourly_count":        s.HourlyCount,
		"hourly_reset_at":     formatTime(s.HourlyResetAt),
		"daily_count":         s.DailyCount,
		"daily_reset_at":      formatTime(s.DailyResetAt),
		"risk":                string(s.Risk),
		"restriction_expiry":  formatTime(s.RestrictionExpiry),
		"updated_at":          s.UpdatedAt.UnixMilli(),
	}
}

func decodeState(userID string, f map[string]string) (domain.QuotaState, error) {
	s := domain.QuotaState{UserID: userID, Risk: domain.RiskNormal}
	if len(f) == 0 {
		return s, nil
	}
	var err error
	if s.ConcurrencyCurrent, err = atoi(f["concurrency_current"]); err != nil {
		return s, err
	}
	if s.ConcurrencyMax, err = atoi(f["concurrency_max"]); err != nil {
		return s, err
	}
	if s.HourlyCount, err = atoi(f["hourly_count"]); err != nil {
		return s, err
	}
	if s.DailyCount, err = atoi(f["daily_count"]); err != nil {
		return s, err
	}
	if s.LastJobAt, err = parseTime(f["last_job_at"]); err != nil {
		return s, err
	}
	if s.HourlyResetAt, err = parseTime(f["hourly_reset_at"]); err != nil {
		return s, err
	}
	if s.DailyResetAt, err = parseTime(f["daily_reset_at"]); err != nil {
		return s, err
	}
	if s.RestrictionExpiry, err = parseTime(f["restriction_expiry"]); err != nil {
		return s, err
	}
	if r := f["risk"]; r != "" {
		s.Risk = domain.RiskStatus(r)
	}
	if ms, err := strconv.ParseInt(f["updated_at"], 10, 64); err == nil && ms > 0 {
		s.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return s, nil
}

func atoi(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("governor/redis: decode %q: %w", v, err)
	}
	return n, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("governor/redis: decode time %q: %w", v, err)
	}
	return &t, nil
}
