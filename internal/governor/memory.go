package governor

import (
	"context"
	"sync"

	"genengine/internal/domain"
)

// MemoryStore keeps quota state in process with one lock per user.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memoryEntry
}

type memoryEntry struct {
	mu    sync.Mutex
	state domain.QuotaState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(userID string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		e = &memoryEntry{state: domain.QuotaState{UserID: userID, Risk: domain.RiskNormal}}
		s.users[userID] = e
	}
	return e
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, userID string, fn UpdateFunc) (domain.QuotaState, error) {
	if err := ctx.Err(); err != nil {
		return domain.QuotaState{}, err
	}
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	working := copyState(e.state)
	if fn(&working) {
		e.state = working
	}
	return copyState(e.state), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, userID string) (domain.QuotaState, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyState(e.state), nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]domain.QuotaState, error) {
	s.mu.Lock()
	entries := make([]*memoryEntry, 0, len(s.users))
	for _, e := range s.users {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var out []domain.QuotaState
	for _, e := range entries {
		e.mu.Lock()
		if e.state.ConcurrencyCurrent != 0 {
			out = append(out, copyState(e.state))
		}
		e.mu.Unlock()
	}
	return out, nil
}

func copyState(s domain.QuotaState) domain.QuotaState {
	c := s
	c.LastJobAt = clone(s.LastJobAt)
	c.HourlyResetAt = clone(s.HourlyResetAt)
	c.DailyResetAt = clone(s.DailyResetAt)
	c.RestrictionExpiry = clone(s.RestrictionExpiry)
	return c
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
