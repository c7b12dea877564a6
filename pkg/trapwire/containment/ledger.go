// Package containment translates verdicts into idempotent remediation actions
// and records every action durably in the append-only containment ledger.
package containment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS containment_ledger (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ms INTEGER NOT NULL,
	verdict TEXT    NOT NULL,
	outcome TEXT    NOT NULL,
	detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_containment_ledger_time ON containment_ledger (time_ms);
`

// Ledger is the durable, append-only audit trail of containment actions.
// Entries are committed before Append returns; they are never updated or
// deleted.
type Ledger struct {
	sqlDB *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	// synchronous=FULL so an append survives a crash immediately after return.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	if _, err := sqlDB.Exec(ledgerSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{sqlDB: sqlDB}, nil
}

// Append writes one entry and fills in its assigned ID. The write is flushed
// to storage before Append returns.
func (l *Ledger) Append(entry *event.LedgerEntry) error {
	verdictJSON, err := json.Marshal(entry.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}

	res, err := l.sqlDB.Exec(
		"INSERT INTO containment_ledger (time_ms, verdict, outcome, detail) VALUES (?, ?, ?, ?)",
		entry.Timestamp.UTC().UnixMilli(),
		string(verdictJSON),
		entry.Outcome.String(),
		entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledger entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// Entries reads entries in append order, optionally bounded by [since, until).
// Zero time bounds are open; limit <= 0 means no limit.
func (l *Ledger) Entries(ctx context.Context, since, until time.Time, limit int) ([]event.LedgerEntry, error) {
	query := "SELECT id, time_ms, verdict, outcome, detail FROM containment_ledger WHERE 1=1"
	args := []any{}
	if !since.IsZero() {
		query += " AND time_ms >= ?"
		args = append(args, since.UTC().UnixMilli())
	}
	if !until.IsZero() {
		query += " AND time_ms < ?"
		args = append(args, until.UTC().UnixMilli())
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []event.LedgerEntry
	for rows.Next() {
		var (
			entry       event.LedgerEntry
			timeMillis  int64
			verdictJSON string
			outcome     string
		)
		if err := rows.Scan(&entry.ID, &timeMillis, &verdictJSON, &outcome, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Timestamp = time.UnixMilli(timeMillis).UTC()
		if err := json.Unmarshal([]byte(verdictJSON), &entry.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
		entry.Outcome = parseOutcome(outcome)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the total number of ledger entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM containment_ledger").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	if l == nil || l.sqlDB == nil {
		return nil
	}
	return l.sqlDB.Close()
}

func parseOutcome(s string) event.ActionOutcome {
	switch s {
	case event.OutcomeSucceeded.String():
		return event.OutcomeSucceeded
	case event.OutcomeFailedNoBackup.String():
		return event.OutcomeFailedNoBackup
	default:
		return event.OutcomeFailedSystemError
	}
}
