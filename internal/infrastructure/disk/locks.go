package disk

import (
	"fmt"

	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/pkg/lock"
	"github.com/terabiome/qlaunch/pkg/lock/flock"
)

// Locks hands out local advisory locks on remote disk images. They only
// exclude launches started from this machine; the process table probe covers
// the rest.
type Locks struct {
	dir string
}

func NewLocks(dir string) *Locks {
	return &Locks{dir: dir}
}

// Acquire takes the lock of remotePath on host without waiting. A lock held
// by another launch is an ExclusivityConflict.
func (l *Locks) Acquire(host, remotePath string) (lock.Locker, error) {
	fl, err := flock.ForKey(l.dir, host+":"+remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare disk lock: %w", err)
	}

	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, &failure.ExclusivityConflict{Host: host, Path: remotePath}
	}
	return fl, nil
}
