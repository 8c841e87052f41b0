package lattice

import (
	"sync/atomic"
	"time"
)

// Per-cell seqlock. Versions live in a parallel in-memory array rather
// than inside the mapped cell: the on-disk layout stays exactly the
// wire format and no atomic ever touches unaligned mapped memory. The
// array is rebuilt (all even/zero) on every open.
//
// Writer protocol: bump to odd, mutate the cell in place, bump to even
// with release semantics. Reader protocol: load version, bail on odd,
// copy the cell, re-load, retry on mismatch.

// Retry configuration for read operations under seqlock contention.
const (
	// readMaxRetries is the attempt bound before a read reports the
	// writer as stuck via ErrBusy.
	readMaxRetries = 10

	// readInitialBackoff is the first non-zero sleep between attempts.
	readInitialBackoff = 50 * time.Microsecond

	// readMaxBackoff caps the exponential backoff growth.
	readMaxBackoff = 1 * time.Millisecond
)

// readBackoff sleeps for an exponentially increasing duration based on
// the 0-indexed attempt number. The first attempt is immediate.
func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}

	backoff := min(readInitialBackoff<<(attempt-1), readMaxBackoff)

	time.Sleep(backoff)
}

// beginCellWrite publishes an odd version for slot before mutation.
func beginCellWrite(versions []atomic.Uint32, slot uint64) {
	versions[slot].Add(1)
}

// endCellWrite publishes the even version after mutation.
func endCellWrite(versions []atomic.Uint32, slot uint64) {
	versions[slot].Add(1)
}

// readCellSnapshot copies the cell at slot into dst under the seqlock.
// Returns false when the copy overlapped a concurrent write and should
// be retried.
func readCellSnapshot(versions []atomic.Uint32, slot uint64, src, dst []byte) bool {
	v1 := versions[slot].Load()
	if v1&1 == 1 {
		return false
	}

	copy(dst, src)

	v2 := versions[slot].Load()

	return v1 == v2
}
