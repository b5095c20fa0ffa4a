// Package history keeps an audit trail of lock sessions in SQLite: one row
// per session with its device, timing, end reason and error.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultKeep is how many rows are retained when no limit is configured.
const DefaultKeep = 1000

// Record is one finished lock session.
type Record struct {
	ID        int64     `json:"id"`
	SessionID uint64    `json:"session_id"`
	Device    string    `json:"device"`
	Unlock    string    `json:"unlock,omitempty"`
	Grabbed   bool      `json:"grabbed"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

// Duration is how long the session lasted.
func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store is the session history database.
type Store struct {
	db   *sql.DB
	keep int
}

// Open opens or creates the database at path. keep bounds the number of
// rows retained; values below one mean DefaultKeep.
func Open(path string, keep int) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	if keep < 1 {
		keep = DefaultKeep
	}
	return &Store{db: db, keep: keep}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Add inserts r, trims the table to the retention limit and returns the
// new row id.
func (s *Store) Add(ctx context.Context, r Record) (int64, error) {
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, device, started_ns, ended_ns, reason, error, unlock, grabbed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.SessionID), r.Device, r.StartedAt.UnixNano(), r.EndedAt.UnixNano(),
		r.Reason, errText, r.Unlock, r.Grabbed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY id DESC LIMIT ?
		)`, s.keep); err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Recent returns up to n records, newest first. n below one returns all
// retained rows.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n < 1 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, device, started_ns, ended_ns, reason, error, unlock, grabbed
		FROM sessions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			sessionID      int64
			started, ended int64
			errText        sql.NullString
		)
		if err := rows.Scan(&r.ID, &sessionID, &r.Device, &started, &ended,
			&r.Reason, &errText, &r.Unlock, &r.Grabbed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.SessionID = uint64(sessionID)
		r.StartedAt = time.Unix(0, started)
		r.EndedAt = time.Unix(0, ended)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of retained rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
