// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Turns are appended to a single turns table indexed by (session_id,
// timestamp). [Migrate] is idempotent and runs on every start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sightline-voice/sightline/internal/transcript"
)

var _ transcript.Store = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_timestamp
    ON turns (session_id, timestamp);
`

// Store is a PostgreSQL-backed transcript store sharing one [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the turns table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the turns table and its index if they do not exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("transcript migrate: %w", err)
	}
	return nil
}

// Append implements [transcript.Store].
func (s *Store) Append(ctx context.Context, turn transcript.Turn) error {
	const q = `
		INSERT INTO turns (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, turn.SessionID, turn.Role, turn.Text, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Recent implements [transcript.Store]. It returns up to limit most recent
// turns for sessionID, ordered chronologically (oldest first).
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Turn, error) {
	const q = `
		SELECT session_id, role, text, timestamp
		FROM   (
		    SELECT session_id, role, text, timestamp
		    FROM   turns
		    WHERE  session_id = $1
		    ORDER  BY timestamp DESC
		    LIMIT  $2
		) recent
		ORDER BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Turn, error) {
		var t transcript.Turn
		err := row.Scan(&t.SessionID, &t.Role, &t.Text, &t.Timestamp)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	return turns, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
