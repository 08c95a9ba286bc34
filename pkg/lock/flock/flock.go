package flock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/terabiome/qlaunch/pkg/lock"
)

const retryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock provides cross-process mutual exclusion using flock(2) via gofrs/flock.
// Lock files are long-lived and never deleted after use.
type Lock struct {
	fl *flock.Flock
}

// New creates a new Lock for the given path.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// ForKey returns a Lock whose file under dir is derived from key, so that
// arbitrary strings such as "host:/var/lib/disk.qcow2" map to a flat file name.
func ForKey(dir, key string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	sum := sha256.Sum256([]byte(key))
	return New(filepath.Join(dir, hex.EncodeToString(sum[:16])+".lock")), nil
}

// Lock acquires an exclusive flock. Blocks until the lock is available
// or the context is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire flock %s: context done", l.fl.Path())
	}
	return nil
}

// TryLock attempts the flock once.
func (l *Lock) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("try flock %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

// Unlock releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}
