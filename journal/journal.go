// Package journal persists a crash-safe record of every capture hand-off to
// a local SQLite database: one row per dispatched capture, one row per batch
// of late-arriving attachments. The desktop application reads it back after
// a restart to reconcile what was already delivered.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/saisie/dbopen"

	_ "modernc.org/sqlite"
)

// Schema for the journal tables. Applied by Open.
const Schema = `
CREATE TABLE IF NOT EXISTS captures (
	session_id   TEXT PRIMARY KEY,
	source_uri   TEXT NOT NULL DEFAULT '',
	item_json    TEXT NOT NULL,
	paths_json   TEXT NOT NULL,
	dispatched_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS late_attachments (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	item_id     TEXT NOT NULL DEFAULT '',
	paths_json  TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_ts ON captures(dispatched_at);
CREATE INDEX IF NOT EXISTS idx_late_session ON late_attachments(session_id);
`

// Capture is one journalled hand-off.
type Capture struct {
	SessionID    string         `json:"session_id"`
	SourceURI    string         `json:"source_uri"`
	Item         map[string]any `json:"item"`
	Paths        []string       `json:"paths"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// Journal writes and reads the capture log.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// NewWithDB wraps an existing database; the schema must already be applied.
func NewWithDB(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }

// RecordDispatch journals a completed capture. Re-recording the same session
// id overwrites the row, which keeps retried dispatch writes idempotent.
func (j *Journal) RecordDispatch(ctx context.Context, sessionID, sourceURI string, item map[string]any, paths []string) error {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("journal: marshal item: %w", err)
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("journal: marshal paths: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO captures (session_id, source_uri, item_json, paths_json, dispatched_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, sourceURI, string(itemJSON), string(pathsJSON), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record dispatch: %w", err)
	}
	return nil
}

// RecordLate journals a batch of attachments that resolved after dispatch.
func (j *Journal) RecordLate(ctx context.Context, sessionID, itemID string, paths []string) error {
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("journal: marshal paths: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO late_attachments (session_id, item_id, paths_json, recorded_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, itemID, string(pathsJSON), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record late: %w", err)
	}
	return nil
}

// Recent returns the most recently dispatched captures, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Capture, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, source_uri, item_json, paths_json, dispatched_at
		FROM captures ORDER BY dispatched_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []*Capture
	for rows.Next() {
		var c Capture
		var itemJSON, pathsJSON string
		var ts int64
		if err := rows.Scan(&c.SessionID, &c.SourceURI, &itemJSON, &pathsJSON, &ts); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(itemJSON), &c.Item); err != nil {
			return nil, fmt.Errorf("journal: item json: %w", err)
		}
		if err := json.Unmarshal([]byte(pathsJSON), &c.Paths); err != nil {
			return nil, fmt.Errorf("journal: paths json: %w", err)
		}
		c.DispatchedAt = time.UnixMilli(ts)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// LatePaths returns every late-attachment path recorded for a session.
func (j *Journal) LatePaths(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT paths_json FROM late_attachments WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: late paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		var batch []string
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("journal: paths json: %w", err)
		}
		out = append(out, batch...)
	}
	return out, rows.Err()
}
