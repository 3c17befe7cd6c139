// Package sqlite implements the coordination ports on a SQLite file shared by
// every process on one host.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS members (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pid INTEGER NOT NULL,
	joined_at TEXT NOT NULL
)`}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create coordination directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open coordination db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize coordination schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CompareAndSet swaps a counter in a single statement. A missing counter
// reads as 0, so only expected == 0 may create the row.
func (s *Store) CompareAndSet(ctx context.Context, name string, expected, next int64) (bool, error) {
	var res sql.Result
	var err error
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO counters (name, value) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value
			 WHERE counters.value = 0`,
			name, next)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE counters SET value = ? WHERE name = ? AND value = ?`,
			next, name, expected)
	}
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s: %w", name, err)
	}
	return n == 1, nil
}

// Join records this process as a member. The autoincrement id is the number
// of processes that joined so far, this one included.
func (s *Store) Join(ctx context.Context) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO members (pid, joined_at) VALUES (?, ?) RETURNING id`,
		os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("join: %w", err)
	}
	return id, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cluster size: %w", err)
	}
	return n, nil
}

// openDB opens a SQLite database with WAL and a busy timeout so that
// processes sharing the file wait on each other's locks.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}
