package runregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file inside the state directory.
const LockFileName = "ipsbatch.lock"

// ErrLocked is returned when another process holds the output directory.
var ErrLocked = errors.New("output directory is in use by another ipsbatch run")

// Lock is an exclusive advisory lock on an output directory.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock for outputDir without blocking.
func Acquire(outputDir string) (*Lock, error) {
	dir := StateDir(outputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
	}
	return &Lock{path: path, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The lock file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
