package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("fsutil: file is locked by another process")

// Lock is an exclusive advisory lock held on a lock file.
type Lock struct {
	path string
	f    *os.File
}

// TryLock acquires an exclusive lock on path without blocking, creating
// the file when needed. It fails with ErrLocked when the lock is held
// elsewhere.
func TryLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Unlock releases the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	os.Remove(l.path)
	err = errors.Join(err, l.f.Close())
	l.f = nil
	return err
}
