package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// HashLength is the length of a hex encoded content hash
const HashLength = sha256.Size * 2

// ErrHashMismatch is returned when content does not hash to the name it is stored under
var ErrHashMismatch = errors.New("content hash mismatch")

// FileHash streams the file through SHA-256 and returns the lowercase hex digest
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hr := NewHashReader(file)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return "", fmt.Errorf("hash %s: %w", filePath, err)
	}

	return hr.Sum(), nil
}

// IsHash reports whether s looks like a hex content hash produced by FileHash
func IsHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// HashReader hashes everything read through it
type HashReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewHashReader(r io.Reader) *HashReader {
	h := sha256.New()
	return &HashReader{r: io.TeeReader(r, h), h: h}
}

func (r *HashReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

// Count returns the number of bytes read so far
func (r *HashReader) Count() int64 {
	return r.n
}

// Sum returns the hex digest of the bytes read so far
func (r *HashReader) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// Verify checks the bytes read so far against an expected hash and size
func (r *HashReader) Verify(want string, size int64) error {
	if r.n != size {
		return fmt.Errorf("size mismatch: read %d bytes, expected %d", r.n, size)
	}
	if got := r.Sum(); got != want {
		return fmt.Errorf("%w: expected %s, read %s", ErrHashMismatch, want, got)
	}
	return nil
}

// CopyFileSync copies src into a newly created dst and flushes it to stable storage.
// dst must not exist. Returns the number of bytes copied and their hash.
func CopyFileSync(src, dst string, perm os.FileMode) (int64, string, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return 0, "", err
	}

	hr := NewHashReader(srcFile)
	n, err := io.Copy(dstFile, hr)
	if err != nil {
		dstFile.Close()
		return n, "", err
	}

	if err := dstFile.Sync(); err != nil {
		dstFile.Close()
		return n, "", err
	}

	return n, hr.Sum(), dstFile.Close()
}
