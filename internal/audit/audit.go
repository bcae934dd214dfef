// Package audit persists an append-only log of admin mutations and
// credential outcome reports to a local SQLite database, so a pool's
// history survives process restarts even though the pool's live state
// itself does not (the config file only persists heartbeat settings).
//
// This uses modernc.org/sqlite (a pure-Go SQLite driver with no cgo
// dependency) rather than the reference module's pgx/pgxpool stack: this
// package's job is a small local event log alongside the pool process, not
// a networked multi-tenant store, and nothing in this module needs a
// PgBouncer-fronted connection pool for it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	credential_fingerprint TEXT NOT NULL,
	detail TEXT NOT NULL
);
`

// Log is an append-only sink for pool events.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one event. fingerprint should be the credential's
// fingerprint.Fingerprinter output, never its raw secret material.
func (l *Log) Record(ctx context.Context, kind, fingerprint, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (occurred_at, kind, credential_fingerprint, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), kind, fingerprint, detail,
	)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// Event is one row read back from the log.
type Event struct {
	ID                   int64
	OccurredAt           string
	Kind                 string
	CredentialFingerprint string
	Detail               string
}

// Recent returns the most recent limit events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, occurred_at, kind, credential_fingerprint, detail FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Kind, &e.CredentialFingerprint, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
