// Package cache holds the two persisted caches of a run: the fingerprint cache
// ((path, mtime) -> content hash) and the presence cache (hash -> confirmed on the remote).
//
// Both are pure optimizations over re-derivable data. They are loaded wholesale at start
// and rewritten wholesale in a single transaction; a missing, unreadable or outdated file is
// moved aside and the cache starts empty.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftbackup/internal/db"
)

// snapshot is one versioned SQLite file holding a single cache table
type snapshot struct {
	path    string
	table   string
	schema  string
	version int
}

var errVersionMismatch = errors.New("cache format version mismatch")

// open returns a handle on a usable snapshot file, discarding it if it cannot be used.
func (s *snapshot) open() (*sqlx.DB, error) {
	conn, err := s.tryOpen()
	if err == nil {
		return conn, nil
	}

	slog.Warn("cache unusable, starting empty", "path", s.path, "error", err)
	if err := s.moveAside(); err != nil {
		return nil, err
	}
	return s.tryOpen()
}

func (s *snapshot) tryOpen() (*sqlx.DB, error) {
	conn, err := db.Open(s.path)
	if err != nil {
		return nil, err
	}

	v, err := db.UserVersion(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch v {
	case 0:
		// new file
		if _, err := conn.Exec(s.schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("initialize %s schema: %w", s.table, err)
		}
		if err := db.SetUserVersion(conn, s.version); err != nil {
			conn.Close()
			return nil, err
		}
	case s.version:
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: file has %d, want %d", errVersionMismatch, v, s.version)
	}

	return conn, nil
}

// moveAside renames the snapshot (and any journal) to a timestamped backup
func (s *snapshot) moveAside() error {
	timestamp := time.Now().Format("20060102150405")
	for _, suffix := range []string{"", "-journal"} {
		src := s.path + suffix
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(src, fmt.Sprintf("%s.%s.bak", src, timestamp)); err != nil {
			return fmt.Errorf("failed to move aside cache file %s: %w", src, err)
		}
	}
	return nil
}

// rewrite replaces the whole table in one transaction
func (s *snapshot) rewrite(insert string, rows []any) error {
	conn, err := s.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer conn.Close()

	tx, err := conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin %s rewrite: %w", s.table, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM " + s.table); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}

	stmt, err := tx.PrepareNamed(insert)
	if err != nil {
		return fmt.Errorf("prepare %s insert: %w", s.table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("insert into %s: %w", s.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s rewrite: %w", s.table, err)
	}
	return nil
}
