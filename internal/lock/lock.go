// Package lock guards a state directory against a second daemon.
package lock

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the lock
var ErrAlreadyRunning = errors.New("another autosyncd instance is using this state directory")

// Lock is an exclusive, process-wide lock on a state directory
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock file at path without blocking
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring state lock")
	}
	if !locked {
		return nil, errors.Wrapf(ErrAlreadyRunning, "lock %s", fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The lock file is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
