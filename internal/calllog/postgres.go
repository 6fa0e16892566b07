package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxrelay/internal/relay"
)

// Schema is the SQL DDL for the call_log table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_log (
    call_id          TEXT PRIMARY KEY,
    stream_sid       TEXT NOT NULL DEFAULT '',
    call_sid         TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    inbound_chunks   BIGINT NOT NULL DEFAULT 0,
    outbound_frames  BIGINT NOT NULL DEFAULT 0,
    pending_dropped  BIGINT NOT NULL DEFAULT 0,
    malformed        BIGINT NOT NULL DEFAULT 0,
    barge_ins        BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_log_ended_at ON call_log(ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_log_call_sid ON call_log(call_sid);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	close func()
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, verifies the connection and migrates the
// schema. Close the store to release the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}

	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL, creating the call_log table and
// indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

// RecordCall implements [relay.Recorder]. Recording the same call twice
// keeps the later summary.
func (s *PostgresStore) RecordCall(ctx context.Context, sum relay.Summary) error {
	if sum.ID == "" {
		return errors.New("calllog: call id must not be empty")
	}

	const query = `
		INSERT INTO call_log (
			call_id, stream_sid, call_sid, started_at, ended_at, reason,
			inbound_chunks, outbound_frames, pending_dropped, malformed, barge_ins
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_id) DO UPDATE SET
			stream_sid = EXCLUDED.stream_sid,
			call_sid = EXCLUDED.call_sid,
			ended_at = EXCLUDED.ended_at,
			reason = EXCLUDED.reason,
			inbound_chunks = EXCLUDED.inbound_chunks,
			outbound_frames = EXCLUDED.outbound_frames,
			pending_dropped = EXCLUDED.pending_dropped,
			malformed = EXCLUDED.malformed,
			barge_ins = EXCLUDED.barge_ins`

	_, err := s.db.Exec(ctx, query,
		sum.ID, sum.StreamSID, sum.CallSID, sum.StartedAt, sum.EndedAt, sum.Reason,
		sum.InboundChunks, sum.OutboundFrames, sum.PendingDropped, sum.Malformed, sum.BargeIns,
	)
	if err != nil {
		return fmt.Errorf("calllog: record %q: %w", sum.ID, err)
	}
	return nil
}

// Recent implements [Store.Recent].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]relay.Summary, error) {
	var (
		rows pgx.Rows
		err  error
	)
	const columns = `
		SELECT call_id, stream_sid, call_sid, started_at, ended_at, reason,
		       inbound_chunks, outbound_frames, pending_dropped, malformed, barge_ins
		FROM call_log
		ORDER BY ended_at DESC`
	if limit > 0 {
		rows, err = s.db.Query(ctx, columns+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, columns)
	}
	if err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	defer rows.Close()

	var out []relay.Summary
	for rows.Next() {
		var sum relay.Summary
		var started, ended time.Time
		if err := rows.Scan(
			&sum.ID, &sum.StreamSID, &sum.CallSID, &started, &ended, &sum.Reason,
			&sum.InboundChunks, &sum.OutboundFrames, &sum.PendingDropped, &sum.Malformed, &sum.BargeIns,
		); err != nil {
			return nil, fmt.Errorf("calllog: recent scan: %w", err)
		}
		sum.StartedAt, sum.EndedAt = started, ended
		sum.LastActivity = ended
		sum.State = relay.StateClosed
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	return out, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}
