package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"genengine/internal/domain"
	"genengine/internal/governor"
	"genengine/internal/infra"
	"genengine/internal/sqlinline"
)

// QuotaStateRepositoryPG is a governor.Store that serializes updates with a
// row lock held for the length of one transaction.
type QuotaStateRepositoryPG struct {
	db infra.TxExecutor
}

var _ governor.Store = (*QuotaStateRepositoryPG)(nil)

func NewQuotaStateRepository(db infra.TxExecutor) *QuotaStateRepositoryPG {
	return &QuotaStateRepositoryPG{db: db}
}

// Update implements governor.Store.
func (r *QuotaStateRepositoryPG) Update(ctx context.Context, userID string, fn governor.UpdateFunc) (domain.QuotaState, error) {
	var out domain.QuotaState
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if _, err := tx.Exec(ctx, sqlinline.QEnsureQuotaState, userID); err != nil {
			return fmt.Errorf("ensure quota state: %w", err)
		}
		state, err := scanQuotaState(tx.QueryRow(ctx, sqlinline.QLockQuotaState, userID))
		if err != nil {
			return fmt.Errorf("lock quota state: %w", err)
		}
		if !fn(&state) {
			out = state
			return nil
		}
		if _, err := tx.Exec(ctx, sqlinline.QUpdateQuotaState,
			userID,
			state.ConcurrencyCurrent,
			state.ConcurrencyMax,
			state.LastJobAt,
			state.HourlyCount,
			state.HourlyResetAt,
			state.DailyCount,
			state.DailyResetAt,
			string(state.Risk),
			state.RestrictionExpiry,
			state.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update quota state: %w", err)
		}
		out = state
		return nil
	})
	if err != nil {
		return domain.QuotaState{}, err
	}
	return out, nil
}

// Get implements governor.Store.
func (r *QuotaStateRepositoryPG) Get(ctx context.Context, userID string) (domain.QuotaState, error) {
	state, err := scanQuotaState(r.db.QueryRow(ctx, sqlinline.QSelectQuotaState, userID))
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.QuotaState{UserID: userID, Risk: domain.RiskNormal}, nil
		}
		return domain.QuotaState{}, err
	}
	return state, nil
}

// ListActive implements governor.Store.
func (r *QuotaStateRepositoryPG) ListActive(ctx context.Context) ([]domain.QuotaState, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListActiveQuotaUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QuotaState
	for rows.Next() {
		state, err := scanQuotaState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func scanQuotaState(row pgx.Row) (domain.QuotaState, error) {
	var (
		s    domain.QuotaState
		risk string
	)
	err := row.Scan(
		&s.UserID,
		&s.ConcurrencyCurrent,
		&s.ConcurrencyMax,
		&s.LastJobAt,
		&s.HourlyCount,
		&s.HourlyResetAt,
		&s.DailyCount,
		&s.DailyResetAt,
		&risk,
		&s.RestrictionExpiry,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.QuotaState{}, err
	}
	s.Risk = domain.RiskStatus(risk)
	if s.Risk == "" {
		s.Risk = domain.RiskNormal
	}
	return s, nil
}
