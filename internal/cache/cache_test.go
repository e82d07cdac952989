package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/syftbackup/internal/db"
	"github.com/openmined/syftbackup/internal/scan"
	"github.com/openmined/syftbackup/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceFile(t *testing.T, path string) scan.SourceFile {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return scan.SourceFile{Path: path, RelPath: filepath.Base(path), ModTime: info.ModTime(), Size: info.Size()}
}

func TestFingerprintCache_ResolveHashesMissesOnly(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("beta"), 0o644))

	cachePath := filepath.Join(dir, "state", "fingerprints.db")
	c := LoadFingerprintCache(cachePath)
	assert.Equal(t, 0, c.Len())

	files := []scan.SourceFile{sourceFile(t, a), sourceFile(t, b)}
	got, stats, err := c.Resolve(context.Background(), files, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, stats.Misses)
	assert.Equal(t, 0, stats.Hits)
	assert.EqualValues(t, 9, stats.BytesRead)

	wantA, _ := utils.FileHash(a)
	assert.Equal(t, wantA, got[0].Hash)
	assert.Equal(t, a, got[0].Path)
	require.NoError(t, c.Save())

	// a fresh load serves both from disk
	c2 := LoadFingerprintCache(cachePath)
	assert.Equal(t, 2, c2.Len())
	got2, stats2, err := c2.Resolve(context.Background(), files, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats2.Hits)
	assert.Equal(t, 0, stats2.Misses)
	assert.Equal(t, got, got2)
}

func TestFingerprintCache_StaleHashWhenMTimePreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("version one"), 0o644))
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	c := LoadFingerprintCache(filepath.Join(dir, "fp.db"))
	first, _, err := c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, path)}, 1)
	require.NoError(t, err)

	// rewrite the content but put the old mtime back: the cache cannot see the change
	require.NoError(t, os.WriteFile(path, []byte("version two"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	second, stats, err := c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, path)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, first[0].Hash, second[0].Hash)

	actual, err := utils.FileHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, actual, second[0].Hash, "known limitation: content change with preserved mtime is not detected")

	// touching the mtime makes it visible
	later := mtime.Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	third, _, err := c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, path)}, 1)
	require.NoError(t, err)
	assert.Equal(t, actual, third[0].Hash)
}

func TestFingerprintCache_VanishedFileIsDropped(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep")
	gone := filepath.Join(dir, "gone")
	require.NoError(t, os.WriteFile(keep, []byte("k"), 0o644))
	require.NoError(t, os.WriteFile(gone, []byte("g"), 0o644))
	files := []scan.SourceFile{sourceFile(t, gone), sourceFile(t, keep)}
	require.NoError(t, os.Remove(gone))

	c := LoadFingerprintCache(filepath.Join(dir, "fp.db"))
	got, stats, err := c.Resolve(context.Background(), files, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep, got[0].Path)
	assert.Equal(t, 1, stats.Vanished)
}

func TestFingerprintCache_RetainsOnlyCurrentFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	c := LoadFingerprintCache(filepath.Join(dir, "fp.db"))
	_, _, err := c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, a), sourceFile(t, b)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, _, err = c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, a)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestFingerprintCache_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "fp.db")
	require.NoError(t, os.WriteFile(cachePath, []byte("this is definitely not sqlite, just noise padded out to look like a header......................................"), 0o644))

	c := LoadFingerprintCache(cachePath)
	assert.Equal(t, 0, c.Len())

	// and it is writable again afterwards
	f := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	_, _, err := c.Resolve(context.Background(), []scan.SourceFile{sourceFile(t, f)}, 1)
	require.NoError(t, err)
	require.NoError(t, c.Save())
	assert.Equal(t, 1, LoadFingerprintCache(cachePath).Len())

	backups, _ := filepath.Glob(cachePath + ".*.bak")
	assert.NotEmpty(t, backups)
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestPresenceCache_PersistsConfirmedHashes(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "presence.db")
	abc, def := hashOf("abc"), hashOf("def")

	c := LoadPresenceCache(cachePath)
	assert.False(t, c.IsPresent(abc))

	c.MarkPresent(abc)
	c.MarkPresent(def)
	c.MarkPresent(abc)
	assert.Equal(t, 2, c.Len())
	require.NoError(t, c.Save())

	c2 := LoadPresenceCache(cachePath)
	assert.True(t, c2.IsPresent(abc))
	assert.True(t, c2.IsPresent(def))
	assert.False(t, c2.IsPresent(hashOf("ghi")))
}

func TestPresenceCache_DropsMalformedHashes(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "presence.db")
	good := hashOf("good")

	c := LoadPresenceCache(cachePath)
	c.MarkPresent(good)
	require.NoError(t, c.Save())

	conn, err := db.Open(cachePath)
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO presence (hash, confirmed_at) VALUES (?, ?), (?, ?)",
		"not-a-hash", time.Now().UTC().Format(time.RFC3339),
		good[:10], time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	loaded := LoadPresenceCache(cachePath)
	assert.Equal(t, 1, loaded.Len())
	assert.True(t, loaded.IsPresent(good))
	assert.False(t, loaded.IsPresent("not-a-hash"))
}

func TestFingerprintCache_DropsMalformedHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha"), 0o644))
	f := sourceFile(t, path)

	cachePath := filepath.Join(dir, "fp.db")
	c := LoadFingerprintCache(cachePath)
	require.NoError(t, c.Save())

	// a damaged row for the current (path, mtime) must not be trusted
	conn, err := db.Open(cachePath)
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO fingerprints (path, mtime, hash) VALUES (?, ?, ?)", f.Path, f.ModTime.UnixNano(), "garbage")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	c = LoadFingerprintCache(cachePath)
	assert.Equal(t, 0, c.Len())

	got, stats, err := c.Resolve(context.Background(), []scan.SourceFile{f}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, hashOf("alpha"), got[0].Hash)
}

func TestPresenceCache_MissingFileIsEmpty(t *testing.T) {
	c := LoadPresenceCache(filepath.Join(t.TempDir(), "nested", "presence.db"))
	assert.Equal(t, 0, c.Len())
}

func TestPresenceCache_VersionMismatchStartsEmpty(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "presence.db")
	c := LoadPresenceCache(cachePath)
	c.MarkPresent(hashOf("abc"))
	require.NoError(t, c.Save())

	// pretend a future release rewrote the file in a newer format
	conn, err := db.Open(cachePath)
	require.NoError(t, err)
	require.NoError(t, db.SetUserVersion(conn, presenceVersion+1))
	require.NoError(t, conn.Close())

	_, err = (&snapshot{path: cachePath, table: "presence", schema: presenceSchema, version: presenceVersion}).tryOpen()
	require.ErrorIs(t, err, errVersionMismatch)

	assert.Equal(t, 0, LoadPresenceCache(cachePath).Len())
}
