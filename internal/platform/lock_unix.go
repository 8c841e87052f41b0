//go:build unix

package platform

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive file lock. Call [Lock.Close] to release it.
//
// flock locks an inode, not a pathname: the lock file must not be
// unlinked or replaced while locks may be held on it.
type Lock struct {
	mu   sync.Mutex
	fd   int
	path string
}

// TryLockFile acquires an exclusive, non-blocking flock on path,
// creating the file if needed. Returns [ErrWouldBlock] when another
// process holds the lock. The lock file persists after release.
func TryLockFile(path string) (*Lock, error) {
	fd, err := retryEINTR(func() (int, error) {
		return unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	})
	if err != nil {
		return nil, fmt.Errorf("open lock %q: %w", path, err)
	}

	err = flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = unix.Close(fd)

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %q: %w", path, err)
	}

	return &Lock{fd: fd, path: path}, nil
}

// Close releases the lock and closes the descriptor. Idempotent.
//
// On Unix, closing the descriptor releases the flock even if the
// explicit unlock fails, so errors here are cleanup diagnostics rather
// than "lock still held".
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd < 0 {
		return nil
	}

	fd := l.fd
	l.fd = -1

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := unix.Close(fd)

	if unlockErr != nil {
		return fmt.Errorf("unlock %q: %w", l.path, unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close lock %q: %w", l.path, closeErr)
	}

	return nil
}

// flockRetryEINTR re-issues flock when interrupted by a signal.
func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}
