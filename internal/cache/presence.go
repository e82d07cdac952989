package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/syftbackup/internal/utils"
)

const (
	presenceVersion = 1
	presenceSchema  = `
CREATE TABLE IF NOT EXISTS presence (
    hash TEXT PRIMARY KEY,
    confirmed_at TEXT NOT NULL -- RFC3339
);
`
)

type presenceRow struct {
	Hash        string `db:"hash"`
	ConfirmedAt string `db:"confirmed_at"`
}

// PresenceCache records the hashes confirmed to exist in the remote archive.
// Only confirmed facts are stored: a hash is marked after a successful existence check or
// a successful publish, never in anticipation of one.
type PresenceCache struct {
	snap    snapshot
	present map[string]time.Time
}

// LoadPresenceCache reads the whole cache from path. It never fails: an unusable file
// yields an empty cache.
func LoadPresenceCache(path string) *PresenceCache {
	c := &PresenceCache{
		snap: snapshot{
			path:    path,
			table:   "presence",
			schema:  presenceSchema,
			version: presenceVersion,
		},
		present: make(map[string]time.Time),
	}

	conn, err := c.snap.open()
	if err != nil {
		slog.Error("presence cache unavailable", "path", path, "error", err)
		return c
	}
	defer conn.Close()

	var rows []presenceRow
	if err := conn.Select(&rows, "SELECT hash, confirmed_at FROM presence"); err != nil {
		slog.Warn("presence cache unreadable, starting empty", "path", path, "error", err)
		return c
	}
	var dropped int
	for _, r := range rows {
		if !utils.IsHash(r.Hash) {
			dropped++
			continue
		}
		t, err := time.Parse(time.RFC3339, r.ConfirmedAt)
		if err != nil {
			// the hash was confirmed, only the bookkeeping is off
			t = time.Time{}
		}
		c.present[r.Hash] = t
	}
	if dropped > 0 {
		slog.Warn("presence cache has malformed hashes, they will be checked again", "path", path, "dropped", dropped)
	}

	slog.Debug("presence cache loaded", "path", path, "entries", len(c.present))
	return c
}

// IsPresent reports whether hash is known to be in the remote archive
func (c *PresenceCache) IsPresent(hash string) bool {
	_, ok := c.present[hash]
	return ok
}

// MarkPresent records a confirmed remote copy of hash
func (c *PresenceCache) MarkPresent(hash string) {
	if _, ok := c.present[hash]; ok {
		return
	}
	c.present[hash] = time.Now().UTC()
}

func (c *PresenceCache) Len() int {
	return len(c.present)
}

// Save rewrites the whole snapshot
func (c *PresenceCache) Save() error {
	rows := make([]any, 0, len(c.present))
	for h, t := range c.present {
		rows = append(rows, presenceRow{Hash: h, ConfirmedAt: t.Format(time.RFC3339)})
	}

	if err := c.snap.rewrite("INSERT INTO presence (hash, confirmed_at) VALUES (:hash, :confirmed_at)", rows); err != nil {
		return fmt.Errorf("save presence cache: %w", err)
	}
	slog.Debug("presence cache saved", "path", c.snap.path, "entries", len(rows))
	return nil
}
