package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	file_name TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	combined_hash TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	chunks INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_state ON upload_sessions(state, updated_at);
`

const sessionColumns = "file_name, state, combined_hash, size, chunks, last_error, created_at, updated_at"

// OpenSessionDB opens the sqlite database and creates the schema
func OpenSessionDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return db, nil
}

// SessionRepositoryImpl keeps upload sessions in sqlite
type SessionRepositoryImpl struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRepository wraps an open database
func NewSessionRepository(db *sql.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db, now: time.Now}
}

// WithClock replaces the time source, for tests
func (r *SessionRepositoryImpl) WithClock(now func() time.Time) *SessionRepositoryImpl {
	r.now = now
	return r
}

var _ repository.SessionRepository = (*SessionRepositoryImpl)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*entities.Session, error) {
	var (
		s                entities.Session
		state            string
		created, updated int64
	)
	if err := row.Scan(&s.FileName, &state, &s.CombinedHash, &s.Size, &s.Chunks, &s.LastError, &created, &updated); err != nil {
		return nil, err
	}
	s.State = entities.SessionState(state)
	s.CreatedAt = time.UnixMilli(created)
	s.UpdatedAt = time.UnixMilli(updated)
	return &s, nil
}

// Get returns the session or ErrSessionNotFound
func (r *SessionRepositoryImpl) Get(ctx context.Context, fileName string) (*entities.Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM upload_sessions WHERE file_name = ?", fileName)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrSessionNotFound
	}
	return s, err
}

// Touch upserts the session as in progress and refreshes updated_at
func (r *SessionRepositoryImpl) Touch(ctx context.Context, fileName string) error {
	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (file_name, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_name) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		fileName, string(entities.SessionStateInProgress), now, now,
	)
	return err
}

// Transition moves the session to next inside a transaction. Moving to
// empty deletes the row.
func (r *SessionRepositoryImpl) Transition(ctx context.Context, fileName string, next entities.SessionState, update repository.SessionUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current := entities.SessionStateEmpty
	var state string
	err = tx.QueryRowContext(ctx, "SELECT state FROM upload_sessions WHERE file_name = ?", fileName).Scan(&state)
	switch {
	case err == nil:
		current = entities.SessionState(state)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", entities.ErrInvalidTransition, current, next)
	}

	now := r.now().UnixMilli()
	if next == entities.SessionStateEmpty {
		_, err = tx.ExecContext(ctx, "DELETE FROM upload_sessions WHERE file_name = ?", fileName)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO upload_sessions (file_name, state, combined_hash, size, chunks, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_name) DO UPDATE SET
				state = excluded.state,
				combined_hash = CASE WHEN excluded.combined_hash = '' THEN upload_sessions.combined_hash ELSE excluded.combined_hash END,
				size = excluded.size,
				chunks = excluded.chunks,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`,
			fileName, string(next), update.CombinedHash, update.Size, update.Chunks, update.LastError, now, now,
		)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListStale returns sessions in states last updated before the cutoff
func (r *SessionRepositoryImpl) ListStale(ctx context.Context, states []entities.SessionState, before time.Time) ([]*entities.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(states)+1)
	for _, s := range states {
		args = append(args, string(s))
	}
	args = append(args, before.UnixMilli())

	query := "SELECT " + sessionColumns + " FROM upload_sessions WHERE state IN (?" +
		strings.Repeat(", ?", len(states)-1) + ") AND updated_at < ? ORDER BY updated_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*entities.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ResetMerging returns sessions left in merging by a crash to in progress
func (r *SessionRepositoryImpl) ResetMerging(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE upload_sessions SET state = ?, last_error = ?, updated_at = ? WHERE state = ?",
		string(entities.SessionStateInProgress), "merge interrupted", r.now().UnixMilli(), string(entities.SessionStateMerging),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountOpen counts sessions that have not completed
func (r *SessionRepositoryImpl) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM upload_sessions WHERE state != ?",
		string(entities.SessionStateDone),
	).Scan(&n)
	return n, err
}
