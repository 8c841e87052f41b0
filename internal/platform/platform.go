// Package platform abstracts the file, mapping, and locking primitives
// where POSIX and Windows semantics diverge.
//
// The engine above this package never touches syscalls directly. The
// contract is deliberately narrow:
//
//   - [Open] / [File.Close] / [File.Size] / [File.Preallocate]
//   - [File.Pread] / [File.Pwrite]: offset-based I/O, no shared file pointer
//   - [Map] / [Mapping.Unmap] / [Mapping.Sync] / [Mapping.SyncRange]
//   - [TryLockFile]: non-blocking exclusive advisory lock
//   - [MonotonicNS], [PageSize], [AllocationGranularity]
//
// Durability note: on Windows a flush of the mapped view does not flush
// the file handle, so [SyncBoth] performs view-then-file. Resizing a
// mapped file is forbidden on both platforms; callers unmap first.
package platform

import "errors"

// SyncMode selects what a mapping flush covers.
type SyncMode int

const (
	// SyncView flushes dirty pages of the mapping to the OS
	// (msync(MS_SYNC) / FlushViewOfFile).
	SyncView SyncMode = iota

	// SyncFile flushes the underlying file handle
	// (fsync / FlushFileBuffers).
	SyncFile

	// SyncBoth performs view-then-file. Required for durability on
	// Windows; equivalent to SyncFile on POSIX after SyncView.
	SyncBoth
)

var (
	// ErrWouldBlock is returned by TryLockFile when another process
	// holds the lock.
	ErrWouldBlock = errors.New("platform: lock would block")

	// ErrMapped is returned by operations that are illegal while a
	// mapping is outstanding (resize of a mapped file).
	ErrMapped = errors.New("platform: file is mapped")
)

// Bytes returns the mapped byte slice. The slice is valid until Unmap.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the length of the mapped region.
func (m *Mapping) Len() int {
	return len(m.data)
}
