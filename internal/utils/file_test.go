package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	hash, err := FileHash(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
	assert.True(t, IsHash(hash))

	_, err = FileHash(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIsHash(t *testing.T) {
	assert.False(t, IsHash(""))
	assert.False(t, IsHash("abc"))
	assert.False(t, IsHash("zz4d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"))
}

func TestCopyFileSync(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	n, hash, err := CopyFileSync(src, dst, 0o600)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.Equal(t, "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5", hash)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// refuses to clobber an existing destination
	_, _, err = CopyFileSync(src, dst, 0o600)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestHashReaderVerify(t *testing.T) {
	const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	hr := NewHashReader(strings.NewReader("hello world"))
	data, err := io.ReadAll(hr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.EqualValues(t, 11, hr.Count())
	assert.Equal(t, helloWorld, hr.Sum())
	assert.NoError(t, hr.Verify(helloWorld, 11))

	// same size, different bytes
	hr = NewHashReader(strings.NewReader("HELLO WORLD"))
	_, err = io.ReadAll(hr)
	require.NoError(t, err)
	assert.ErrorIs(t, hr.Verify(helloWorld, 11), ErrHashMismatch)

	hr = NewHashReader(strings.NewReader("hello"))
	_, err = io.ReadAll(hr)
	require.NoError(t, err)
	err = hr.Verify(helloWorld, 11)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}
