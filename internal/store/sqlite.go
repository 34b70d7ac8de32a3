package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sidekick/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names registered by the two SQLite bindings.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

const schemaKV = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteArea is an Area persisted in its own SQLite file.
type SQLiteArea struct {
	name   string
	driver string
	path   string
	db     *sql.DB
	obs    observers

	// snapshot mirrors what this process last saw on disk so Refresh only
	// reports writes made by other processes.
	mu       sync.Mutex
	snapshot map[string]string
}

// OpenSQLiteArea opens (creating if needed) the area file at path.
func OpenSQLiteArea(name, driver, path string) (*SQLiteArea, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s area directory: %w", name, err)
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s area: %w", name, err)
	}
	if _, err := db.Exec(schemaKV); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init %s area schema: %w", name, err)
	}

	a := &SQLiteArea{name: name, driver: driver, path: path, db: db}
	snap, err := a.readAll(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	a.snapshot = snap
	logging.Store("opened %s area at %s (driver=%s, keys=%d)", name, path, driver, len(snap))
	return a, nil
}

func dsn(driver, path string) string {
	if driver == DriverPureGo {
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (a *SQLiteArea) Name() string { return a.name }

// Path returns the database file path.
func (a *SQLiteArea) Path() string { return a.path }

// Close closes the database connection.
func (a *SQLiteArea) Close() error {
	return a.db.Close()
}

func (a *SQLiteArea) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s/%s: %w", a.name, key, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", a.name, key, err)
	}
	return true, nil
}

func (a *SQLiteArea) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", a.name, key, err)
	}

	a.mu.Lock()
	old, had := a.snapshot[key]
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	if err == nil {
		a.snapshot[key] = string(raw)
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", a.name, key, err)
	}

	c := Change{Area: a.name, Key: key, NewValue: raw}
	if had {
		c.OldValue = json.RawMessage(old)
	}
	a.obs.notify(c)
	return nil
}

func (a *SQLiteArea) Remove(ctx context.Context, key string) error {
	a.mu.Lock()
	old, had := a.snapshot[key]
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err == nil {
		delete(a.snapshot, key)
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", a.name, key, err)
	}
	if had {
		a.obs.notify(Change{Area: a.name, Key: key, OldValue: json.RawMessage(old)})
	}
	return nil
}

func (a *SQLiteArea) OnChanged(fn func(Change)) func() {
	return a.obs.add(fn)
}

// Refresh re-reads the whole area and notifies observers about every key
// that differs from the last snapshot. It picks up writes from other processes.
func (a *SQLiteArea) Refresh(ctx context.Context) (int, error) {
	current, err := a.readAll(ctx)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	var changes []Change
	for k, v := range current {
		if old, ok := a.snapshot[k]; !ok || old != v {
			c := Change{Area: a.name, Key: k, NewValue: json.RawMessage(v)}
			if ok {
				c.OldValue = json.RawMessage(old)
			}
			changes = append(changes, c)
		}
	}
	for k, old := range a.snapshot {
		if _, ok := current[k]; !ok {
			changes = append(changes, Change{Area: a.name, Key: k, OldValue: json.RawMessage(old)})
		}
	}
	a.snapshot = current
	a.mu.Unlock()

	for _, c := range changes {
		a.obs.notify(c)
	}
	return len(changes), nil
}

func (a *SQLiteArea) readAll(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("scan %s area: %w", a.name, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s area: %w", a.name, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
