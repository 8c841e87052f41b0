//go:build windows

package platform

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// Lock is a held exclusive file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu     sync.Mutex
	handle windows.Handle
	path   string
}

// TryLockFile acquires an exclusive, non-blocking LockFileEx lock on
// path, creating the file if needed. Returns [ErrWouldBlock] when
// another process holds the lock. The lock file persists after release.
func TryLockFile(path string) (*Lock, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("open lock %q: %w", path, err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("open lock %q: %w", path, err)
	}

	overlapped := &windows.Overlapped{}

	err = windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, overlapped)
	if err != nil {
		_ = windows.CloseHandle(handle)

		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("lock %q: %w", path, err)
	}

	return &Lock{handle: handle, path: path}, nil
}

// Close releases the lock and closes the handle. Idempotent.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == 0 || l.handle == windows.InvalidHandle {
		return nil
	}

	handle := l.handle
	l.handle = windows.InvalidHandle

	overlapped := &windows.Overlapped{}

	unlockErr := windows.UnlockFileEx(handle, 0, 1, 0, overlapped)
	closeErr := windows.CloseHandle(handle)

	if unlockErr != nil {
		return fmt.Errorf("unlock %q: %w", l.path, unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close lock %q: %w", l.path, closeErr)
	}

	return nil
}
