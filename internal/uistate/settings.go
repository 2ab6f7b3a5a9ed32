package uistate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Settings persists the user's watch preferences (target and toggle) in
// SQLite so a restarted service resumes where the UI left off. No event
// data is stored.
type Settings struct {
	db *sql.DB
}

const settingsDDL = `
CREATE TABLE IF NOT EXISTS ui_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

const (
	keyMonitoredDir  = "monitored_dir"
	keyMonitoringNow = "monitoring_now"
)

// OpenSettings opens (or creates) the settings database at path. ":memory:"
// gives a throwaway database for tests.
func OpenSettings(path string) (*Settings, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settings: open %q: %w", path, err)
	}

	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("settings: set WAL mode: %w", err)
	}
	if _, err := db.Exec(settingsDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("settings: apply schema: %w", err)
	}

	return &Settings{db: db}, nil
}

// Load returns the persisted preferences applied over DefaultState.
func (s *Settings) Load(ctx context.Context) (State, error) {
	st := DefaultState()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM ui_settings`)
	if err != nil {
		return st, fmt.Errorf("settings: load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return st, fmt.Errorf("settings: scan: %w", err)
		}
		switch key {
		case keyMonitoredDir:
			if value != "" {
				st.MonitoredDir = value
			}
		case keyMonitoringNow:
			// A malformed flag reads as false rather than failing startup.
			st.MonitoringNow, _ = strconv.ParseBool(value)
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("settings: rows: %w", err)
	}
	return st, nil
}

// Save writes the persisted fields of st in one transaction.
func (s *Settings) Save(ctx context.Context, st State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const upsert = `
INSERT INTO ui_settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET
    value      = excluded.value,
    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

	for key, value := range map[string]string{
		keyMonitoredDir:  st.MonitoredDir,
		keyMonitoringNow: strconv.FormatBool(st.MonitoringNow),
	} {
		if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
			return fmt.Errorf("settings: save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settings: commit: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Settings) Close() error {
	return s.db.Close()
}

// Persist saves the store's preferences whenever they change, until ctx is
// done. Save errors are logged; the UI keeps working without persistence.
func Persist(ctx context.Context, store *Store, s *Settings, logger *slog.Logger) {
	var last State
	first := true

	for st := range store.Subscribe(ctx) {
		if !first && st.MonitoredDir == last.MonitoredDir && st.MonitoringNow == last.MonitoringNow {
			continue
		}
		first = false
		last = st

		if err := s.Save(ctx, st); err != nil {
			logger.Warn("uistate: failed to persist settings", slog.Any("error", err))
		}
	}
}
