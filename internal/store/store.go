// Package store persists engine state, statistics and process snapshots
// in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ppiankov/procwatch/internal/model"
)

// DefaultKeep is how many statistics rows and snapshots are retained.
const DefaultKeep = 96

const schema = `
CREATE TABLE IF NOT EXISTS state (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TEXT NOT NULL,
	data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS statistics (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at TEXT NOT NULL,
	data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at TEXT NOT NULL,
	count    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_processes (
	snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	pid         INTEGER NOT NULL,
	name        TEXT NOT NULL,
	state       TEXT NOT NULL,
	tool_type   TEXT NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, pid)
);
`

// Snapshot is one persisted set of process records.
type Snapshot struct {
	ID      int64                 `json:"id"`
	TakenAt time.Time             `json:"taken_at"`
	Records []model.ProcessRecord `json:"records"`
}

// Store is a SQLite-backed engine persistence hook.
type Store struct {
	db   *sql.DB
	path string
	keep int
	now  func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return &Store{db: db, path: path, keep: DefaultKeep, now: time.Now}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveState replaces the persisted monitoring state.
func (s *Store) SaveState(ctx context.Context, st model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state (id, saved_at, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at, data = excluded.data`,
		formatTime(st.SavedAt), string(data))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns the persisted state, or an error wrapping
// model.ErrNotFound when none was saved.
func (s *Store) LoadState(ctx context.Context) (model.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.State{}, fmt.Errorf("load state: %w", model.ErrNotFound)
	}
	if err != nil {
		return model.State{}, fmt.Errorf("load state: %w", err)
	}
	var st model.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return model.State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// SaveStatistics appends a statistics row and trims old ones.
func (s *Store) SaveStatistics(ctx context.Context, st model.Statistics) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	takenAt := st.TakenAt
	if takenAt.IsZero() {
		takenAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO statistics (taken_at, data) VALUES (?, ?)`,
		formatTime(takenAt), string(data)); err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM statistics WHERE id NOT IN (SELECT id FROM statistics ORDER BY id DESC LIMIT ?)`,
		s.keep); err != nil {
		return fmt.Errorf("trim statistics: %w", err)
	}
	return nil
}

// LatestStatistics returns the most recent statistics row.
func (s *Store) LatestStatistics(ctx context.Context) (model.Statistics, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM statistics ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Statistics{}, fmt.Errorf("latest statistics: %w", model.ErrNotFound)
	}
	if err != nil {
		return model.Statistics{}, fmt.Errorf("latest statistics: %w", err)
	}
	var st model.Statistics
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return model.Statistics{}, fmt.Errorf("decode statistics: %w", err)
	}
	return st, nil
}

// SaveProcessSnapshot stores recs as one snapshot in a single transaction.
func (s *Store) SaveProcessSnapshot(ctx context.Context, recs []model.ProcessRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots (taken_at, count) VALUES (?, ?)`,
		formatTime(s.now()), len(recs))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("snapshot id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_processes (snapshot_id, pid, name, state, tool_type, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot rows: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal pid %d: %w", r.PID, err)
		}
		if _, err := stmt.ExecContext(ctx, id, r.PID, r.Name, string(r.State), string(r.ToolType), string(data)); err != nil {
			return fmt.Errorf("insert pid %d: %w", r.PID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)`,
		s.keep); err != nil {
		return fmt.Errorf("trim snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent process snapshot, records ordered
// by PID.
func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap    Snapshot
		takenAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, taken_at FROM snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.ID, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", model.ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM snapshot_processes WHERE snapshot_id = ? ORDER BY pid`, snap.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot row: %w", err)
		}
		var r model.ProcessRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return Snapshot{}, fmt.Errorf("decode snapshot row: %w", err)
		}
		snap.Records = append(snap.Records, r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot rows: %w", err)
	}
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
