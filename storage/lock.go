package storage

import (
	"fmt"

	"github.com/gofrs/flock"
)

// WriterLock is an advisory file lock that keeps a second process from
// writing to the same index.
type WriterLock struct {
	fl *flock.Flock
}

// AcquireLock takes the writer lock next to dbPath without blocking.
// It returns ErrLocked when another process holds it.
func AcquireLock(dbPath string) (*WriterLock, error) {
	fl := flock.New(dbPath + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, fl.Path())
	}
	return &WriterLock{fl: fl}, nil
}

// Release drops the lock. It is safe to call on a nil lock.
func (l *WriterLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
