package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/syftbackup/internal/cache"
	"github.com/openmined/syftbackup/internal/remote"
	"github.com/openmined/syftbackup/internal/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func files() []cache.Fingerprinted {
	return []cache.Fingerprinted{
		{SourceFile: scan.SourceFile{Path: "/src/a.txt", RelPath: "a.txt"}, Hash: "h1"},
		{SourceFile: scan.SourceFile{Path: "/src/dir/b.txt", RelPath: "dir/b.txt"}, Hash: "h2"},
		{SourceFile: scan.SourceFile{Path: "/src/dir/copy.txt", RelPath: "dir/copy.txt"}, Hash: "h1"},
	}
}

func TestName(t *testing.T) {
	start := time.Date(2025, 3, 4, 5, 6, 7, 890, time.FixedZone("CET", 3600))
	assert.Equal(t, "20250304T040607.000000890Z", Name(start))
}

func TestNew_KeepsOrderAndDuplicates(t *testing.T) {
	start := time.Now()
	m := New(start, "/src", files())

	assert.Equal(t, FormatVersion, m.Version)
	assert.Equal(t, "/src", m.Source)
	assert.Equal(t, 3, m.Count)
	assert.Equal(t, []Entry{{"a.txt", "h1"}, {"dir/b.txt", "h2"}, {"dir/copy.txt", "h1"}}, m.Entries)
	assert.Equal(t, map[string]string{"a.txt": "h1", "dir/b.txt": "h2", "dir/copy.txt": "h1"}, m.Map())
	assert.NotEmpty(t, m.Machine)
}

func TestDecode_RejectsOtherVersions(t *testing.T) {
	_, err := Decode([]byte(`{"version": 99, "entries": []}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestWriter_PublishIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := remote.NewFSStore(root)
	require.NoError(t, err)
	_, err = store.Bootstrap(ctx)
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(start, "/src", files())

	w := NewWriter(store)
	name, err := w.Publish(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Name(start), name)

	data, err := os.ReadFile(filepath.Join(root, "manifests", name))
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.Entries, decoded.Entries)
	assert.True(t, start.Equal(decoded.CreatedAt))

	// same start time, second publish refused
	_, err = w.Publish(ctx, New(start, "/src", nil))
	assert.ErrorIs(t, err, remote.ErrManifestExists)

	// a later run gets its own object
	_, err = w.Publish(ctx, New(start.Add(time.Second), "/src", nil))
	require.NoError(t, err)
	names, _ := filepath.Glob(filepath.Join(root, "manifests", "2025*"))
	assert.Len(t, names, 2)
}
