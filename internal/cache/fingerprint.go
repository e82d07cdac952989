package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftbackup/internal/scan"
	"github.com/openmined/syftbackup/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	fingerprintVersion = 1
	fingerprintSchema  = `
CREATE TABLE IF NOT EXISTS fingerprints (
    path TEXT NOT NULL,
    mtime INTEGER NOT NULL, -- unix nanoseconds
    hash TEXT NOT NULL,
    PRIMARY KEY (path, mtime)
);
`
)

// FingerprintKey is the cache key. Content is deliberately not part of it: a file rewritten
// without a modification time change keeps its old hash.
type FingerprintKey struct {
	Path  string `db:"path"`
	MTime int64  `db:"mtime"`
}

type fingerprintRow struct {
	FingerprintKey
	Hash string `db:"hash"`
}

// Fingerprinted is a source file together with its content hash
type Fingerprinted struct {
	scan.SourceFile
	Hash string
}

// FingerprintStats counts what one Resolve call did
type FingerprintStats struct {
	Hits      int
	Misses    int
	Vanished  int
	BytesRead int64
}

type FingerprintCache struct {
	snap    snapshot
	entries map[FingerprintKey]string
}

// LoadFingerprintCache reads the whole cache from path. It never fails: an unusable file
// yields an empty cache.
func LoadFingerprintCache(path string) *FingerprintCache {
	c := &FingerprintCache{
		snap: snapshot{
			path:    path,
			table:   "fingerprints",
			schema:  fingerprintSchema,
			version: fingerprintVersion,
		},
		entries: make(map[FingerprintKey]string),
	}

	conn, err := c.snap.open()
	if err != nil {
		slog.Error("fingerprint cache unavailable", "path", path, "error", err)
		return c
	}
	defer conn.Close()

	var rows []fingerprintRow
	if err := conn.Select(&rows, "SELECT path, mtime, hash FROM fingerprints"); err != nil {
		slog.Warn("fingerprint cache unreadable, starting empty", "path", path, "error", err)
		return c
	}
	var dropped int
	for _, r := range rows {
		if !utils.IsHash(r.Hash) {
			dropped++
			continue
		}
		c.entries[r.FingerprintKey] = r.Hash
	}
	if dropped > 0 {
		slog.Warn("fingerprint cache has malformed hashes, they will be recomputed", "path", path, "dropped", dropped)
	}

	slog.Debug("fingerprint cache loaded", "path", path, "entries", len(c.entries))
	return c
}

func keyOf(f scan.SourceFile) FingerprintKey {
	return FingerprintKey{Path: f.Path, MTime: f.ModTime.UnixNano()}
}

// Lookup returns the cached hash for the file's (path, mtime)
func (c *FingerprintCache) Lookup(f scan.SourceFile) (string, bool) {
	h, ok := c.entries[keyOf(f)]
	return h, ok
}

func (c *FingerprintCache) Put(f scan.SourceFile, hash string) {
	c.entries[keyOf(f)] = hash
}

func (c *FingerprintCache) Len() int {
	return len(c.entries)
}

// Resolve returns the hash of every file, hashing cache misses with up to jobs workers.
// Files that disappear before they can be hashed are left out. The order of files is kept.
// The in-memory cache is updated; call Save to persist it.
func (c *FingerprintCache) Resolve(ctx context.Context, files []scan.SourceFile, jobs int) ([]Fingerprinted, FingerprintStats, error) {
	var stats FingerprintStats

	results := make([]Fingerprinted, len(files))
	var misses []int
	for i, f := range files {
		results[i].SourceFile = f
		if h, ok := c.Lookup(f); ok {
			results[i].Hash = h
			stats.Hits++
			continue
		}
		misses = append(misses, i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(jobs, 1))
	for _, i := range misses {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			f := files[i]
			hash, err := utils.FileHash(f.Path)
			if errors.Is(err, os.ErrNotExist) {
				slog.Warn("file vanished before hashing", "path", f.Path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", f.Path, err)
			}
			slog.Debug("hashed", "path", f.RelPath, "hash", hash, "size", humanize.IBytes(uint64(f.Size)))
			results[i].Hash = hash
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, stats, err
	}

	for _, i := range misses {
		if results[i].Hash == "" {
			stats.Vanished++
			continue
		}
		c.Put(files[i], results[i].Hash)
		stats.Misses++
		stats.BytesRead += files[i].Size
	}

	results = slices.DeleteFunc(results, func(r Fingerprinted) bool { return r.Hash == "" })
	c.retain(results)
	return results, stats, nil
}

// retain drops entries for paths that were not part of this run, and older mtimes of paths that were
func (c *FingerprintCache) retain(current []Fingerprinted) {
	keep := make(map[FingerprintKey]string, len(current))
	for _, f := range current {
		k := keyOf(f.SourceFile)
		keep[k] = c.entries[k]
	}
	c.entries = keep
}

// Save rewrites the whole snapshot
func (c *FingerprintCache) Save() error {
	rows := make([]any, 0, len(c.entries))
	for k, h := range c.entries {
		rows = append(rows, fingerprintRow{FingerprintKey: k, Hash: h})
	}

	err := c.snap.rewrite("INSERT INTO fingerprints (path, mtime, hash) VALUES (:path, :mtime, :hash)", rows)
	if err != nil {
		return fmt.Errorf("save fingerprint cache: %w", err)
	}
	slog.Debug("fingerprint cache saved", "path", c.snap.path, "entries", len(rows))
	return nil
}
