//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// File is an open file descriptor with offset-based I/O.
type File struct {
	fd     int
	path   string
	mapped bool
}

// Open opens path for read/write. With create true the file is created
// (mode 0600) if it does not exist.
func Open(path string, create bool) (*File, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT
	}

	fd, err := retryEINTR(func() (int, error) {
		return unix.Open(path, flags, 0o600)
	})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	return &File{fd: fd, path: path}, nil
}

// Close closes the descriptor. Idempotent.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}

	fd := f.fd
	f.fd = -1

	err := unix.Close(fd)
	if err != nil {
		return fmt.Errorf("close %q: %w", f.path, err)
	}

	return nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	var stat unix.Stat_t

	err := unix.Fstat(f.fd, &stat)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", f.path, err)
	}

	return stat.Size, nil
}

// Preallocate grows the file to size bytes with backing blocks
// physically allocated (no sparse holes). Shrinking is not supported.
// Fails while a mapping is outstanding.
func (f *File) Preallocate(size int64) error {
	if f.mapped {
		return ErrMapped
	}

	cur, err := f.Size()
	if err != nil {
		return err
	}

	if cur >= size {
		return nil
	}

	err = preallocate(f.fd, size)
	if err != nil {
		return fmt.Errorf("preallocate %q to %d: %w", f.path, size, err)
	}

	return nil
}

// Pread reads len(buf) bytes at off. Short reads at EOF return the
// count read with no error, matching pread(2).
func (f *File) Pread(buf []byte, off int64) (int, error) {
	n, err := retryEINTR(func() (int, error) {
		return unix.Pread(f.fd, buf, off)
	})
	if err != nil {
		return n, fmt.Errorf("pread %q at %d: %w", f.path, off, err)
	}

	return n, nil
}

// Pwrite writes buf at off, retrying partial writes until complete.
func (f *File) Pwrite(buf []byte, off int64) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := retryEINTR(func() (int, error) {
			return unix.Pwrite(f.fd, buf[total:], off+int64(total))
		})
		if err != nil {
			return total, fmt.Errorf("pwrite %q at %d: %w", f.path, off, err)
		}

		if n == 0 {
			return total, fmt.Errorf("pwrite %q at %d: zero-length write", f.path, off)
		}

		total += n
	}

	return total, nil
}

// Sync flushes the file handle (fsync).
func (f *File) Sync() error {
	err := unix.Fsync(f.fd)
	if err != nil {
		return fmt.Errorf("fsync %q: %w", f.path, err)
	}

	return nil
}

// Truncate sets the file size. Fails while a mapping is outstanding.
func (f *File) Truncate(size int64) error {
	if f.mapped {
		return ErrMapped
	}

	err := unix.Ftruncate(f.fd, size)
	if err != nil {
		return fmt.Errorf("truncate %q to %d: %w", f.path, size, err)
	}

	return nil
}

// Mapping is a live memory mapping of a file region.
type Mapping struct {
	data []byte
	file *File
}

// Map maps length bytes of f starting at offset. offset must be a
// multiple of [AllocationGranularity].
func Map(f *File, offset int64, length int, writable bool) (*Mapping, error) {
	if offset%int64(AllocationGranularity()) != 0 {
		return nil, fmt.Errorf("map %q: offset %d not aligned to allocation granularity %d", f.path, offset, AllocationGranularity())
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(f.fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", f.path, err)
	}

	f.mapped = true

	return &Mapping{data: data, file: f}, nil
}

// Unmap releases the mapping. Idempotent.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	m.file.mapped = false

	err := unix.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap %q: %w", m.file.path, err)
	}

	return nil
}

// Sync flushes the mapping per mode.
func (m *Mapping) Sync(mode SyncMode) error {
	return m.SyncRange(0, len(m.data), mode)
}

// SyncRange flushes [off, off+length) of the mapping per mode. The
// range is widened to page boundaries as msync requires.
func (m *Mapping) SyncRange(off, length int, mode SyncMode) error {
	if m.data == nil {
		return errors.New("platform: sync of unmapped region")
	}

	if mode == SyncView || mode == SyncBoth {
		page := PageSize()
		start := (off / page) * page
		end := off + length

		if end > len(m.data) {
			end = len(m.data)
		}

		if end > start {
			err := unix.Msync(m.data[start:end], unix.MS_SYNC)
			if err != nil {
				return fmt.Errorf("msync %q: %w", m.file.path, err)
			}
		}
	}

	if mode == SyncFile || mode == SyncBoth {
		err := m.file.Sync()
		if err != nil {
			return err
		}
	}

	return nil
}

// PageSize returns the VM page size.
func PageSize() int {
	return os.Getpagesize()
}

// AllocationGranularity returns the required mmap offset alignment.
// On POSIX this is the page size.
func AllocationGranularity() int {
	return os.Getpagesize()
}

// processEpoch anchors MonotonicNS. time.Since reads the monotonic
// clock, so wall-clock adjustments never move the result backwards.
var processEpoch = time.Now()

// MonotonicNS returns nanoseconds since an arbitrary per-process epoch.
func MonotonicNS() uint64 {
	return uint64(time.Since(processEpoch).Nanoseconds())
}

// retryEINTR re-issues a syscall interrupted before any progress.
func retryEINTR[T any](call func() (T, error)) (T, error) {
	for {
		v, err := call()
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return v, err
	}
}
