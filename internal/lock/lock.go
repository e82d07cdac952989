// Package lock provides the exclusive, non-blocking advisory locks that guard a run's local
// working directory and a sneakernet device's mount point.
package lock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/openmined/syftbackup/internal/utils"
)

var (
	ErrLocked = errors.New("locked by another process")
)

// FileLock is an advisory lock held on a single lock file.
// It never blocks: Acquire either takes the lock or fails with ErrLocked.
type FileLock struct {
	flock *flock.Flock
}

func New(path string) *FileLock {
	return &FileLock{flock: flock.New(path)}
}

// Path returns the lock file path
func (l *FileLock) Path() string {
	return l.flock.Path()
}

// Acquire takes the lock, creating the lock file and its parent directory if needed.
func (l *FileLock) Acquire() error {
	if err := utils.EnsureParent(l.flock.Path()); err != nil {
		return fmt.Errorf("failed to create lock directory for %s: %w", l.flock.Path(), err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", l.flock.Path(), ErrLocked)
	}

	return nil
}

// Release unlocks. The lock file stays in place: unlinking it would let a waiter that
// already opened the old inode lock a file nobody else can see any more.
// It is a no-op if this process does not hold the lock.
func (l *FileLock) Release() error {
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.flock.Path(), err)
	}
	return nil
}

// Locked reports whether this process currently holds the lock
func (l *FileLock) Locked() bool {
	return l.flock.Locked()
}
