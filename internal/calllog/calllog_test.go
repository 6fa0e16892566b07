package calllog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxrelay/internal/relay"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func summary(id string, ended time.Time) relay.Summary {
	return relay.Summary{
		Info: relay.Info{
			ID:             id,
			StreamSID:      "MZ" + id,
			CallSID:        "CA" + id,
			State:          relay.StateClosed,
			StartedAt:      ended.Add(-time.Minute),
			InboundChunks:  50,
			OutboundFrames: 40,
			BargeIns:       1,
		},
		EndedAt: ended,
		Reason:  "caller_stop",
	}
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(0)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.RecordCall(ctx, summary(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("Recent(2) = %v, want [c b]", ids(got))
	}

	all, _ := s.Recent(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d calls, want 3", len(all))
	}
}

func TestMemStore_EvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(2)
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = s.RecordCall(ctx, summary(id, now))
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	got, _ := s.Recent(ctx, 10)
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Errorf("Recent = %v, want [d c]", ids(got))
	}
}

func ids(sums []relay.Summary) []string {
	out := make([]string, len(sums))
	for i, s := range sums {
		out[i] = s.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if executed != Schema {
		t.Error("Migrate should execute Schema")
	}
}

func TestPostgresStore_MigrateError(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	err := NewPostgresStore(db).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "calllog: migrate") {
		t.Fatalf("Migrate error = %v", err)
	}
}

func TestPostgresStore_RecordCall(t *testing.T) {
	t.Parallel()
	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.CommandTag{}, nil
	}}
	ended := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := NewPostgresStore(db).RecordCall(context.Background(), summary("x", ended)); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO call_log") || !strings.Contains(gotSQL, "ON CONFLICT") {
		t.Errorf("unexpected SQL: %s", gotSQL)
	}
	if len(gotArgs) != 11 {
		t.Fatalf("got %d args, want 11", len(gotArgs))
	}
	if gotArgs[0] != "x" || gotArgs[2] != "CAx" || gotArgs[5] != "caller_stop" {
		t.Errorf("args = %v", gotArgs)
	}
	if gotArgs[4] != ended {
		t.Errorf("ended_at arg = %v, want %v", gotArgs[4], ended)
	}
}

func TestPostgresStore_RecordCallRequiresID(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		t.Error("Exec must not run for an empty id")
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).RecordCall(context.Background(), relay.Summary{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestPostgresStore_Recent(t *testing.T) {
	t.Parallel()
	ended := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := &mockRows{data: [][]any{
		{"b", "MZb", "CAb", ended.Add(-time.Minute), ended, "backend_closed", int64(10), int64(20), int64(0), int64(1), int64(0)},
		{"a", "MZa", "CAa", ended.Add(-2 * time.Minute), ended.Add(-time.Second), "caller_stop", int64(5), int64(6), int64(2), int64(0), int64(3)},
	}}
	var gotArgs []any
	var gotSQL string
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}}

	got, err := NewPostgresStore(db).Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if !strings.Contains(gotSQL, "LIMIT $1") || len(gotArgs) != 1 || gotArgs[0] != 5 {
		t.Errorf("query = %q args = %v", gotSQL, gotArgs)
	}
	if !rows.closed {
		t.Error("rows should be closed")
	}
	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	if got[0].ID != "b" || got[0].Reason != "backend_closed" || got[0].Malformed != 1 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].PendingDropped != 2 || got[1].BargeIns != 3 {
		t.Errorf("second = %+v", got[1])
	}
	if got[0].State != relay.StateClosed || got[0].Duration() != time.Minute {
		t.Errorf("state/duration = %s/%s", got[0].State, got[0].Duration())
	}
}

func TestPostgresStore_RecentNoLimit(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "LIMIT") || len(args) != 0 {
			t.Errorf("unexpected limit: %q %v", sql, args)
		}
		return &mockRows{}, nil
	}}
	got, err := NewPostgresStore(db).Recent(context.Background(), 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("Recent = %v, %v", got, err)
	}
}

func TestPostgresStore_RecentErrors(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return nil, errors.New("conn reset")
	}}
	if _, err := NewPostgresStore(db).Recent(context.Background(), 1); err == nil {
		t.Error("expected query error")
	}

	db = &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken stream")}, nil
	}}
	if _, err := NewPostgresStore(db).Recent(context.Background(), 1); err == nil {
		t.Error("expected rows error")
	}
}

func TestOpen_Integration(t *testing.T) {
	dsn := testDSN()
	if dsn == "" {
		t.Skip("VOXRELAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	ended := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.RecordCall(ctx, summary(id, ended)); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	t.Cleanup(func() { _, _ = s.db.Exec(ctx, `DELETE FROM call_log WHERE call_id = $1`, id) })

	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for _, c := range got {
		if c.ID == id {
			if !c.EndedAt.Equal(ended) || c.InboundChunks != 50 {
				t.Errorf("round trip = %+v", c)
			}
			return
		}
	}
	t.Errorf("call %q not found", id)
}

func testDSN() string { return os.Getenv("VOXRELAY_TEST_POSTGRES_DSN") }
