package platform_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ryjox/synrix/internal/platform"
)

func Test_Preallocate_Grows_The_File_Without_Holes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prealloc.dat")

	f, err := platform.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	defer func() { _ = f.Close() }()

	const size = 1 << 20

	err = f.Preallocate(size)
	if err != nil {
		t.Fatalf("preallocate: %v", err)
	}

	got, err := f.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	if got != size {
		t.Fatalf("size = %d, want %d", got, size)
	}

	// Shrinking is a no-op.
	err = f.Preallocate(size / 2)
	if err != nil {
		t.Fatalf("second preallocate: %v", err)
	}

	got, _ = f.Size()
	if got != size {
		t.Fatalf("size after no-op preallocate = %d, want %d", got, size)
	}
}

func Test_Pread_Pwrite_Round_Trip_At_Offsets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prw.dat")

	f, err := platform.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	defer func() { _ = f.Close() }()

	err = f.Preallocate(8192)
	if err != nil {
		t.Fatalf("preallocate: %v", err)
	}

	payload := []byte("offset write")

	_, err = f.Pwrite(payload, 4000)
	if err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, len(payload))

	n, err := f.Pread(buf, 4000)
	if err != nil || n != len(payload) {
		t.Fatalf("pread: n=%d err=%v", n, err)
	}

	if !bytes.Equal(buf, payload) {
		t.Fatalf("read back %q, want %q", buf, payload)
	}
}

func Test_Mapping_Writes_Reach_The_File_After_Sync(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.dat")

	f, err := platform.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	size := 2 * platform.AllocationGranularity()

	err = f.Preallocate(int64(size))
	if err != nil {
		t.Fatalf("preallocate: %v", err)
	}

	m, err := platform.Map(f, 0, size, true)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	copy(m.Bytes()[100:], "through the mapping")

	err = m.Sync(platform.SyncBoth)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	err = m.SyncRange(0, 4096, platform.SyncView)
	if err != nil {
		t.Fatalf("sync range: %v", err)
	}

	err = m.Unmap()
	if err != nil {
		t.Fatalf("unmap: %v", err)
	}

	// Idempotent.
	err = m.Unmap()
	if err != nil {
		t.Fatalf("second unmap: %v", err)
	}

	buf := make([]byte, len("through the mapping"))

	_, err = f.Pread(buf, 100)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}

	if string(buf) != "through the mapping" {
		t.Fatalf("file contents %q", buf)
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
}

func Test_Resize_Is_Refused_While_Mapped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "resize.dat")

	f, err := platform.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	defer func() { _ = f.Close() }()

	err = f.Preallocate(int64(platform.AllocationGranularity()))
	if err != nil {
		t.Fatalf("preallocate: %v", err)
	}

	m, err := platform.Map(f, 0, platform.AllocationGranularity(), true)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	err = f.Preallocate(int64(2 * platform.AllocationGranularity()))
	if !errors.Is(err, platform.ErrMapped) {
		t.Fatalf("preallocate while mapped = %v, want ErrMapped", err)
	}

	err = f.Truncate(0)
	if !errors.Is(err, platform.ErrMapped) {
		t.Fatalf("truncate while mapped = %v, want ErrMapped", err)
	}

	err = m.Unmap()
	if err != nil {
		t.Fatalf("unmap: %v", err)
	}

	err = f.Preallocate(int64(2 * platform.AllocationGranularity()))
	if err != nil {
		t.Fatalf("preallocate after unmap: %v", err)
	}
}

func Test_TryLockFile_Conflicts_Until_Released(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.lock")

	lock, err := platform.TryLockFile(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	_, err = platform.TryLockFile(path)
	if !errors.Is(err, platform.ErrWouldBlock) {
		t.Fatalf("second lock = %v, want ErrWouldBlock", err)
	}

	err = lock.Close()
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	// Idempotent.
	err = lock.Close()
	if err != nil {
		t.Fatalf("second close: %v", err)
	}

	again, err := platform.TryLockFile(path)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}

	_ = again.Close()
}

func Test_MonotonicNS_Never_Goes_Backwards(t *testing.T) {
	t.Parallel()

	prev := platform.MonotonicNS()

	for range 1000 {
		now := platform.MonotonicNS()
		if now < prev {
			t.Fatalf("clock went backwards: %d -> %d", prev, now)
		}

		prev = now
	}
}

func Test_Granularity_And_PageSize_Are_Sane(t *testing.T) {
	t.Parallel()

	page := platform.PageSize()
	if page < 4096 || page&(page-1) != 0 {
		t.Fatalf("page size %d", page)
	}

	gran := platform.AllocationGranularity()
	if gran%page != 0 {
		t.Fatalf("allocation granularity %d not a multiple of page size %d", gran, page)
	}
}
