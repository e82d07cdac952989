// Package db opens the SQLite files that hold the local run state.
package db

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftbackup/internal/utils"
)

// Memory is the path of a private in-memory database
const Memory = ":memory:"

// The state files are rewritten wholesale inside one transaction, so the rollback journal
// is enough and no -wal/-shm files are left next to them.
const defaultPragmas = `
PRAGMA journal_mode=DELETE;
PRAGMA synchronous=FULL;
PRAGMA temp_store=MEMORY;
`

const busyTimeoutMs = 5000

// Open connects to the SQLite file at path, creating it and its parent directory if needed.
// A single connection serializes every statement on the handle.
func Open(path string) (*sqlx.DB, error) {
	dsn := Memory
	if path != Memory {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		dsn = fileDSN(path, busyTimeoutMs)
	}

	slog.Debug("open sqlite", "driver", driverID, "path", path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(defaultPragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return conn, nil
}

// fileURI builds a SQLite URI filename. The path is percent-escaped so that '?', '#' and
// '%' in a directory name are not taken as URI syntax.
func fileURI(path, query string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path), RawQuery: query}
	return u.String()
}

// UserVersion returns the format version stamped into the database file.
// A freshly created database reports 0.
func UserVersion(conn *sqlx.DB) (int, error) {
	var v int
	if err := conn.Get(&v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// SetUserVersion stamps the format version into the database file.
func SetUserVersion(conn sqlx.Execer, v int) error {
	// PRAGMA does not accept bound parameters
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("write user_version: %w", err)
	}
	return nil
}
