package repo

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"genengine/internal/domain"
	"genengine/internal/infra"
)

// fakeDB scripts results per query constant. Each QueryRow call pops the next
// scripted row; a missing or nil row scans as pgx.ErrNoRows.
type fakeDB struct {
	rows     map[string][][]any
	lists    map[string][][]any
	affected map[string]int64
	execs    []execCall
	txs      int
}

type execCall struct {
	query string
	args  []any
}

var _ infra.TxExecutor = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows:     make(map[string][][]any),
		lists:    make(map[string][][]any),
		affected: make(map[string]int64),
	}
}

func (f *fakeDB) onRow(query string, vals ...any) { f.rows[query] = append(f.rows[query], vals) }

func (f *fakeDB) onNoRow(query string) { f.rows[query] = append(f.rows[query], nil) }

func (f *fakeDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	n, ok := f.affected[query]
	if !ok {
		n = 1
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	queue := f.rows[query]
	if len(queue) == 0 {
		return fakeRow{}
	}
	f.rows[query] = queue[1:]
	return fakeRow{vals: queue[0]}
}

func (f *fakeDB) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	return &fakeRows{data: f.lists[query], idx: -1}, nil
}

func (f *fakeDB) InTx(_ context.Context, fn func(tx infra.SQLExecutor) error) error {
	f.txs++
	return fn(f)
}

func (f *fakeDB) execCount(query string) int {
	n := 0
	for _, e := range f.execs {
		if e.query == query {
			n++
		}
	}
	return n
}

type fakeRow struct {
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.vals == nil {
		return pgx.ErrNoRows
	}
	return assign(dest, r.vals)
}

type rowsBase struct{}

func (rowsBase) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (rowsBase) Conn() *pgx.Conn { return nil }

func (rowsBase) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (rowsBase) Values() ([]any, error) {
	return nil, fmt.Errorf("values not supported in test rows")
}

func (rowsBase) RawValues() [][]byte { return nil }

type fakeRows struct {
	rowsBase
	data [][]any
	idx  int
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.data[r.idx]) }

func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		v := reflect.ValueOf(vals[i])
		switch {
		case v.Type().AssignableTo(dv.Type()):
			dv.Set(v)
		case v.Type().ConvertibleTo(dv.Type()):
			dv.Set(v.Convert(dv.Type()))
		default:
			return fmt.Errorf("scan: column %d: cannot assign %s to %s", i, v.Type(), dv.Type())
		}
	}
	return nil
}

// jobValues lays a job out in column order.
func jobValues(j *domain.Job) []any {
	params := []byte("{}")
	if len(j.Params) > 0 {
		var parts []string
		for k, v := range j.Params {
			parts = append(parts, fmt.Sprintf("%q:%q", k, v))
		}
		params = []byte("{" + strings.Join(parts, ",") + "}")
	}
	return []any{
		j.ID, j.BatchID, j.OwnerID, j.Model, j.Prompt, j.DurationSeconds, params,
		j.PointsCost, string(j.Status), string(j.ModerationStatus), j.RetryCount, j.LastRetryAt, j.SlotHeld,
		j.ProcessingStartedAt, j.ProcessingCompletedAt, j.TimeoutDeadline,
		j.Refunded, j.RefundAmount, j.RefundReason, j.ResultURL, j.ErrorMessage,
		j.QueuedAt, j.CreatedAt, j.UpdatedAt,
	}
}
