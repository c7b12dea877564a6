package integrity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const baselineSchema = `
CREATE TABLE IF NOT EXISTS file_hashes (
	path          TEXT PRIMARY KEY,
	hash          TEXT NOT NULL,
	first_seen_ms INTEGER NOT NULL
);
`

// Store persists the known-good hash baseline for watched paths.
type Store struct {
	sqlDB *sql.DB
}

// OpenStore opens (creating if needed) the baseline database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("integrity db path is required")
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open integrity db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping integrity db: %w", err)
	}
	if _, err := sqlDB.Exec(baselineSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create integrity schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Baseline returns the stored hash for path, with ok=false when none exists.
func (s *Store) Baseline(path string) (string, bool, error) {
	var hash string
	err := s.sqlDB.QueryRow("SELECT hash FROM file_hashes WHERE path = ?", path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query baseline for %s: %w", path, err)
	}
	return hash, true, nil
}

// SetBaseline records the known-good hash for path.
func (s *Store) SetBaseline(path, hash string, seen time.Time) error {
	_, err := s.sqlDB.Exec(
		"INSERT INTO file_hashes (path, hash, first_seen_ms) VALUES (?, ?, ?) ON CONFLICT(path) DO UPDATE SET hash = excluded.hash",
		path, hash, seen.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set baseline for %s: %w", path, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
