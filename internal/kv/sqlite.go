package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by a single SQLite table.
// WAL mode is enabled for concurrent reads.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultDBPath returns the path to the maestro database under the XDG data
// directory.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "maestro", "maestro.db")
}

// OpenSQLite opens (creating if needed) an SQLite store at the given path.
// Parent directories are created as required.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies all pending schema migrations.
func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Entries},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Entries = `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get returns the entry for key, or ErrNotFound.
func (s *SQLiteStore) Get(key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Entry
	row := s.conn.QueryRow("SELECT value, version FROM entries WHERE key = ?", key)
	if err := row.Scan(&e.Value, &e.Version); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

// Set writes value unconditionally and returns the new version.
func (s *SQLiteStore) Set(key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO entries (key, value, version) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = entries.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", key, err)
	}

	var version int64
	row := s.conn.QueryRow("SELECT version FROM entries WHERE key = ?", key)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read back version for %s: %w", key, err)
	}
	return version, nil
}

// CompareAndSet writes value only if the stored version matches.
func (s *SQLiteStore) CompareAndSet(key string, value []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion == 0 {
		_, err := s.conn.Exec("INSERT INTO entries (key, value, version) VALUES (?, ?, 1)", key, value)
		if err != nil {
			// Unique constraint violation means the key already exists.
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	res, err := s.conn.Exec(`
		UPDATE entries SET value = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE key = ? AND version = ?
	`, value, key, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("cas %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cas %s: %w", key, err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *SQLiteStore) List(prefix string) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		"SELECT key, value, version FROM entries WHERE key >= ? AND key < ?",
		prefix, prefix+"\xff",
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var key string
		var e Entry
		if err := rows.Scan(&key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out[key] = e
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

var _ Store = (*SQLiteStore)(nil)
