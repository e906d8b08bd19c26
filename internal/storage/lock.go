package storage

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RootLock is an exclusive advisory lock on one asset root
type RootLock struct {
	lock *flock.Flock
}

// LockRoot takes the exclusive lock for the store's root without waiting.
// It fails with ErrLocked when another process already holds it.
func (s *Store) LockRoot() (*RootLock, error) {
	path := s.root.Path(LockName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &RootLock{lock: lock}, nil
}

// Unlock releases the lock
func (l *RootLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
