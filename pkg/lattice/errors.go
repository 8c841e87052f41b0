package lattice

import (
	"errors"
	"fmt"
)

// Error classification codes.
//
// The engine wraps these sentinels with context; callers classify with
// errors.Is. The set is closed: every failure the public API can return
// maps to exactly one of them.
var (
	// ErrNotFound reports a get/update/delete of an unknown node id.
	ErrNotFound = errors.New("lattice: not found")

	// ErrArgumentOutOfRange reports a name/data length or node type
	// outside the configured limits.
	ErrArgumentOutOfRange = errors.New("lattice: argument out of range")

	// ErrCapacityFull reports that no free cell remains in the
	// preallocated file.
	ErrCapacityFull = errors.New("lattice: capacity full")

	// ErrLimitExceeded reports that the admission cap for the current
	// license tier was hit. Wrapped by [LimitError] which carries the
	// current and maximum counts.
	ErrLimitExceeded = errors.New("lattice: node limit exceeded")

	// ErrIO reports a failed platform call (read, write, sync,
	// replace). Retriable at the caller's discretion.
	ErrIO = errors.New("lattice: io")

	// ErrCorrupt reports bad magic/version/checksum at open, or an
	// internal invariant violation. Fatal; the caller must
	// reinitialize the file.
	ErrCorrupt = errors.New("lattice: corrupt file")

	// ErrMalformedWALEntry reports a CRC or length failure mid-replay.
	// Non-fatal; recovery stops at that offset.
	ErrMalformedWALEntry = errors.New("lattice: malformed wal entry")

	// ErrInvalidLicense reports a failed signature/expiry/version
	// check. Non-fatal; the engine falls back to tier 0.
	ErrInvalidLicense = errors.New("lattice: invalid license")

	// ErrClosed reports use of an engine after Close.
	ErrClosed = errors.New("lattice: closed")

	// ErrBusy reports that another process holds the writer lock for
	// the lattice file, or that a read lost the per-cell seqlock race
	// readMaxRetries times in a row.
	ErrBusy = errors.New("lattice: busy")
)

// LimitError carries the structured counts behind [ErrLimitExceeded]
// so callers can present an actionable message.
type LimitError struct {
	Live  uint64
	Limit uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("lattice: node limit exceeded (%d of %d); upgrade the license tier or delete nodes", e.Live, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}
