package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	// TryLock acquires the lock without waiting and reports whether it did.
	TryLock() (bool, error)
	Unlock(ctx context.Context) error
}
