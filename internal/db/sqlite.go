// Package db is the durable event store: one SQLite file holding an
// append-only events table and a metadata table.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    change_group_id TEXT NOT NULL,
    control_name    TEXT NOT NULL,
    component_name  TEXT NOT NULL DEFAULT '',
    value_kind      TEXT NOT NULL,
    value           TEXT NOT NULL,
    string_value    TEXT,
    timestamp       INTEGER NOT NULL,
    sequence        INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, sequence);
CREATE INDEX IF NOT EXISTS idx_events_group ON events(change_group_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_control ON events(control_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_component ON events(component_name, timestamp);

CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('event_count', '0');

CREATE TRIGGER IF NOT EXISTS trg_events_count_insert AFTER INSERT ON events
BEGIN
    UPDATE metadata SET value = CAST(value AS INTEGER) + 1 WHERE key = 'event_count';
END;

CREATE TRIGGER IF NOT EXISTS trg_events_count_delete AFTER DELETE ON events
BEGIN
    UPDATE metadata SET value = CAST(value AS INTEGER) - 1 WHERE key = 'event_count';
END;
`

// Metadata keys.
const (
	MetaSchemaVersion = "schema_version"
	MetaRetentionDays = "retention_days"
	MetaEventCount    = "event_count"
)

// ErrClosed is returned by operations on a closed store.
const ErrClosed = errors.ConstError("event store is closed")

// DB wraps the SQLite connection pool. Regular operations share the pool;
// Replace and Close take it exclusively.
type DB struct {
	mu   sync.RWMutex
	sql  *sql.DB
	path string

	// remove deletes the WAL sidecars during Replace.
	remove func(string) error
}

// Open opens or creates the store at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Annotatef(err, "create database directory %s", dir)
		}
	}
	sqlDB, err := openSQL(path)
	if err != nil {
		return nil, err
	}
	return newDB(sqlDB, path), nil
}

func openSQL(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "open database %s", path)
	}
	sqlDB.SetMaxOpenConns(4)
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotate(err, "apply schema")
	}
	return sqlDB, nil
}

// newDB wraps an already open pool; the schema is assumed to exist.
func newDB(sqlDB *sql.DB, path string) *DB {
	return &DB{sql: sqlDB, path: path, remove: os.Remove}
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the pool. Closing twice is harmless.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

// acquire returns the pool under the shared lock; callers must call the
// returned release func.
func (d *DB) acquire() (*sql.DB, func(), error) {
	d.mu.RLock()
	if d.sql == nil {
		d.mu.RUnlock()
		return nil, func() {}, ErrClosed
	}
	return d.sql, d.mu.RUnlock, nil
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetMeta returns a metadata value.
func (d *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return "", false, err
	}
	var v string
	err = sqlDB.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Annotatef(err, "read metadata %q", key)
	}
	return v, true, nil
}

// SetMeta stores a metadata value.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Annotatef(err, "write metadata %q", key)
}

// SetRetentionDays records the configured retention period.
func (d *DB) SetRetentionDays(ctx context.Context, days int) error {
	return d.SetMeta(ctx, MetaRetentionDays, strconv.Itoa(days))
}
