// Package filelock provides the exclusive advisory lock that guards a
// workspace directory against concurrent orchestrators.
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

const lockFileMode = 0o600

// Lock holds an exclusive flock on a file for the lifetime of the
// process that acquired it. The kernel releases the lock automatically
// when the file descriptor closes, including on abnormal exit.
type Lock struct {
	f *os.File
}

// Acquire takes the lock non-blocking, creating the file if needed.
// Returns domain.ErrWorkspaceLocked if another process holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, domain.ErrWorkspaceLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the file.
func (l *Lock) Release() error {
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
