package fs

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned when another process holds the advisory lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an advisory, process-level exclusive lock backed by a
// lock file next to the store. At most one writer process may hold it;
// reader processes do not take it at all.
type FileLock struct {
	path string
	f    *os.File
}

// AcquireLock takes the advisory lock at path without blocking.
// Returns ErrLocked if another process already holds it.
func AcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Release drops the lock. Safe to call once; the lock file itself is
// left in place so concurrent acquirers never race on unlink.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := unlockExclusive(l.f)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }
