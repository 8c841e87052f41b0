//go:build windows

package platform

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// File is an open file handle with offset-based I/O.
type File struct {
	handle windows.Handle
	path   string
	mapped bool
}

// Open opens path for read/write. With create true the file is created
// if it does not exist.
func Open(path string, create bool) (*File, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	disposition := uint32(windows.OPEN_EXISTING)
	if create {
		disposition = windows.OPEN_ALWAYS
	}

	// FILE_SHARE_READ only: concurrent writers on one lattice are
	// forbidden, readers outside this process get best-effort access.
	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ,
		nil,
		disposition,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	return &File{handle: handle, path: path}, nil
}

// Close closes the handle. Idempotent.
func (f *File) Close() error {
	if f.handle == windows.InvalidHandle || f.handle == 0 {
		return nil
	}

	handle := f.handle
	f.handle = windows.InvalidHandle

	err := windows.CloseHandle(handle)
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
	var info windows.ByHandleFileInformation

	err := windows.GetFileInformationByHandle(f.handle, &info)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", f.path, err)
	}

	return int64(info.FileSizeHigh)<<32 | int64(info.FileSizeLow), nil
}

// Preallocate grows the file to size bytes. SetEndOfFile allocates
// real (non-sparse) clusters for normal files on NTFS. Fails while a
// mapping is outstanding.
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

	return f.setSize(size)
}

// Truncate sets the file size. Fails while a mapping is outstanding.
func (f *File) Truncate(size int64) error {
	if f.mapped {
		return ErrMapped
	}

	return f.setSize(size)
}

func (f *File) setSize(size int64) error {
	_, err := windows.SetFilePointer(f.handle, int32(size&0xFFFFFFFF), ptrHigh(size), windows.FILE_BEGIN)
	if err != nil {
		return fmt.Errorf("seek %q to %d: %w", f.path, size, err)
	}

	err = windows.SetEndOfFile(f.handle)
	if err != nil {
		return fmt.Errorf("set end of file %q at %d: %w", f.path, size, err)
	}

	return nil
}

func ptrHigh(size int64) *int32 {
	high := int32(size >> 32)

	return &high
}

// Pread reads len(buf) bytes at off via an OVERLAPPED offset, leaving
// the shared file pointer untouched.
func (f *File) Pread(buf []byte, off int64) (int, error) {
	var done uint32

	overlapped := overlappedAt(off)

	err := windows.ReadFile(f.handle, buf, &done, overlapped)
	if err != nil {
		if errors.Is(err, windows.ERROR_HANDLE_EOF) {
			return int(done), nil
		}

		return int(done), fmt.Errorf("read %q at %d: %w", f.path, off, err)
	}

	return int(done), nil
}

// Pwrite writes buf at off, retrying partial writes until complete.
func (f *File) Pwrite(buf []byte, off int64) (int, error) {
	total := 0

	for total < len(buf) {
		var done uint32

		overlapped := overlappedAt(off + int64(total))

		err := windows.WriteFile(f.handle, buf[total:], &done, overlapped)
		if err != nil {
			return total, fmt.Errorf("write %q at %d: %w", f.path, off, err)
		}

		if done == 0 {
			return total, fmt.Errorf("write %q at %d: zero-length write", f.path, off)
		}

		total += int(done)
	}

	return total, nil
}

func overlappedAt(off int64) *windows.Overlapped {
	return &windows.Overlapped{
		Offset:     uint32(off & 0xFFFFFFFF),
		OffsetHigh: uint32(off >> 32),
	}
}

// Sync flushes the file handle (FlushFileBuffers).
func (f *File) Sync() error {
	err := windows.FlushFileBuffers(f.handle)
	if err != nil {
		return fmt.Errorf("flush file buffers %q: %w", f.path, err)
	}

	return nil
}

// Mapping is a live memory mapping of a file region.
type Mapping struct {
	data       []byte
	file       *File
	mapHandle  windows.Handle
	viewAddr   uintptr
	viewLength int
}

// Map maps length bytes of f starting at offset. offset must be a
// multiple of [AllocationGranularity] (64 KiB).
func Map(f *File, offset int64, length int, writable bool) (*Mapping, error) {
	if offset%int64(AllocationGranularity()) != 0 {
		return nil, fmt.Errorf("map %q: offset %d not aligned to allocation granularity %d", f.path, offset, AllocationGranularity())
	}

	protect := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)

	if writable {
		protect = windows.PAGE_READWRITE
		access = windows.FILE_MAP_READ | windows.FILE_MAP_WRITE
	}

	maxSize := offset + int64(length)

	mapHandle, err := windows.CreateFileMapping(f.handle, nil, protect, uint32(maxSize>>32), uint32(maxSize&0xFFFFFFFF), nil)
	if err != nil {
		return nil, fmt.Errorf("create file mapping %q: %w", f.path, err)
	}

	addr, err := windows.MapViewOfFile(mapHandle, access, uint32(offset>>32), uint32(offset&0xFFFFFFFF), uintptr(length))
	if err != nil {
		_ = windows.CloseHandle(mapHandle)

		return nil, fmt.Errorf("map view of file %q: %w", f.path, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)

	f.mapped = true

	return &Mapping{
		data:       data,
		file:       f,
		mapHandle:  mapHandle,
		viewAddr:   addr,
		viewLength: length,
	}, nil
}

// Unmap releases the view and the mapping object. Idempotent.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}

	m.data = nil
	m.file.mapped = false

	unmapErr := windows.UnmapViewOfFile(m.viewAddr)
	closeErr := windows.CloseHandle(m.mapHandle)

	m.viewAddr = 0
	m.mapHandle = 0

	if unmapErr != nil {
		return fmt.Errorf("unmap view %q: %w", m.file.path, unmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close mapping %q: %w", m.file.path, closeErr)
	}

	return nil
}

// Sync flushes the mapping per mode.
func (m *Mapping) Sync(mode SyncMode) error {
	return m.SyncRange(0, m.viewLength, mode)
}

// SyncRange flushes [off, off+length) per mode. FlushViewOfFile alone
// does not guarantee durability on Windows; SyncBoth chases it with
// FlushFileBuffers.
func (m *Mapping) SyncRange(off, length int, mode SyncMode) error {
	if m.data == nil {
		return errors.New("platform: sync of unmapped region")
	}

	if mode == SyncView || mode == SyncBoth {
		if off+length > m.viewLength {
			length = m.viewLength - off
		}

		err := windows.FlushViewOfFile(m.viewAddr+uintptr(off), uintptr(length))
		if err != nil {
			return fmt.Errorf("flush view %q: %w", m.file.path, err)
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

// systemInfo mirrors the Win32 SYSTEM_INFO layout.
type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var (
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo = kernel32.NewProc("GetSystemInfo")
)

func getSystemInfo() systemInfo {
	var info systemInfo

	_, _, _ = procGetSystemInfo.Call(uintptr(unsafe.Pointer(&info)))

	return info
}

// PageSize returns the VM page size.
func PageSize() int {
	return int(getSystemInfo().PageSize)
}

// AllocationGranularity returns the required mapping offset alignment
// (64 KiB on all known Windows versions).
func AllocationGranularity() int {
	return int(getSystemInfo().AllocationGranularity)
}

// processEpoch anchors MonotonicNS. time.Since reads the monotonic
// clock, so wall-clock adjustments never move the result backwards.
var processEpoch = time.Now()

// MonotonicNS returns nanoseconds since an arbitrary per-process epoch.
func MonotonicNS() uint64 {
	return uint64(time.Since(processEpoch).Nanoseconds())
}
