package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestFSStore_BootstrapCreatesLayoutOnce(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	s, err := NewFSStore(root)
	require.NoError(t, err)

	id, err := s.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.DirExists(t, filepath.Join(root, "files"))
	assert.DirExists(t, filepath.Join(root, "manifests"))
	data, err := os.ReadFile(filepath.Join(root, "id"))
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(data))

	// second contact returns the same identity
	s2, err := NewFSStore(root)
	require.NoError(t, err)
	id2, err := s2.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	leftovers, _ := filepath.Glob(filepath.Join(root, ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFSStore_ConcurrentBootstrapAgrees(t *testing.T) {
	root := t.TempDir()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := NewFSStore(root)
			if !assert.NoError(t, err) {
				return
			}
			ids[i], err = s.Bootstrap(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestFSStore_BootstrapRejectsGarbageID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "id"), []byte("\n"), 0o644))

	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestFSStore_PublishBlobAndExists(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	p, err := s.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, Absent, p)
	assert.False(t, p.Confirmed())

	require.NoError(t, s.PublishBlob(ctx, testHash, strings.NewReader("hello world"), 11))

	p, err = s.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, p.Confirmed())

	final := filepath.Join(root, "files", testHash)
	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm(), "published blobs are sealed")

	// publishing the same content again is harmless
	require.NoError(t, s.PublishBlob(ctx, testHash, strings.NewReader("hello world"), 11))

	leftovers, _ := filepath.Glob(filepath.Join(root, "files", ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFSStore_PublishBlobShortContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	err = s.PublishBlob(ctx, testHash, strings.NewReader("hello"), 11)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(root, "files", testHash))
}

func TestFSStore_PublishBlobRejectsContentChangedUnderneath(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	// hashed as "alpha", rewritten at the same size before the upload read it
	alpha := "8ed3f6ad685b959ead7022518e1af76cd816f8e8ec7ccdda1ed4018e8f2223f8"
	err = s.PublishBlob(ctx, alpha, strings.NewReader("omega"), 5)
	require.ErrorIs(t, err, utils.ErrHashMismatch)

	assert.NoFileExists(t, filepath.Join(root, "files", alpha))
	leftovers, _ := filepath.Glob(filepath.Join(root, "files", ".tmp-*"))
	assert.Empty(t, leftovers)

	p, err := s.Exists(ctx, alpha)
	require.NoError(t, err)
	assert.False(t, p.Confirmed())
}

func TestFSStore_InterruptedPublishLeavesNoFinalObject(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	crash := errors.New("power cut")
	s.beforeRename = func(tmp, final string) error { return crash }

	err = s.PublishBlob(ctx, testHash, strings.NewReader("hello world"), 11)
	require.ErrorIs(t, err, crash)

	final := filepath.Join(root, "files", testHash)
	assert.NoFileExists(t, final)
	p, err := s.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, p.Confirmed())

	// the orphaned temporary object stays behind for out-of-band cleanup
	orphans, _ := filepath.Glob(filepath.Join(root, "files", ".tmp-"+testHash+"-*"))
	assert.Len(t, orphans, 1)

	// a later attempt publishes normally
	s.beforeRename = nil
	require.NoError(t, s.PublishBlob(ctx, testHash, strings.NewReader("hello world"), 11))
	assert.FileExists(t, final)
}

func TestFSStore_PublishManifestNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	name := "20250101T000000.000000000Z"
	require.NoError(t, s.PublishManifest(ctx, name, []byte("first")))

	err = s.PublishManifest(ctx, name, []byte("second"))
	require.ErrorIs(t, err, ErrManifestExists)

	data, err := os.ReadFile(filepath.Join(root, "manifests", name))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	leftovers, _ := filepath.Glob(filepath.Join(root, "manifests", ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFSStore_ExistsUnknownIsNotConfirmed(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	_, err = s.Bootstrap(ctx)
	require.NoError(t, err)

	// a directory squatting on the blob name is not a blob
	require.NoError(t, os.Mkdir(filepath.Join(root, "files", testHash), 0o755))
	p, err := s.Exists(ctx, testHash)
	assert.Error(t, err)
	assert.Equal(t, Unknown, p)
	assert.False(t, p.Confirmed())
}

func TestOpen_LocalDestination(t *testing.T) {
	root := t.TempDir()
	store, err := Open(context.Background(), config.Options{Dest: config.Destination{Kind: config.DestLocal, Path: root}})
	require.NoError(t, err)
	defer store.Close()

	assert.IsType(t, &FSStore{}, store)
	assert.Equal(t, root, store.Describe())
}
