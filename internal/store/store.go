// Package store persists server-wide settings and an audit table of
// session events across restarts; the server itself records only "leave"
// events there. Nothing on
// the live data path depends on it: C1-C5 keep their state in memory and
// only publish here for operators who want a durable record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSettingNotFound is returned when no value exists for a settings key.
var ErrSettingNotFound = errors.New("setting not found")

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_unix_ms INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	username TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SetSetting upserts a single key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// GetSetting returns the stored value for key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// GetAllSettings returns every key/value pair, for the CLI's settings list.
func (s *Store) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Backup copies the database to destPath via SQLite's VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

// AuditEvent is one persisted session event.
type AuditEvent struct {
	ID       int64
	Time     time.Time
	UID      uint32
	Username string
	Event    string
	Detail   string
}

// RecordEvent appends one audit entry. The server calls it from the
// registry's leave listener in main.go with event "leave"; never on a hot
// per-message path.
func (s *Store) RecordEvent(ctx context.Context, uid uint32, username, event, detail string) error {
	const q = `INSERT INTO audit_events (ts_unix_ms, uid, username, event, detail) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, time.Now().UnixMilli(), uid, username, event, detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	slog.Debug("audit event recorded", "uid", uid, "event", event)
	return nil
}

// RecentEvents returns the most recent audit entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, ts_unix_ms, uid, username, event, detail FROM audit_events ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var tsMs int64
		if err := rows.Scan(&e.ID, &tsMs, &e.UID, &e.Username, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Time = time.UnixMilli(tsMs).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
