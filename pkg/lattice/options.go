package lattice

import "log/slog"

// Default configuration values.
const (
	// DefaultCellSize is the on-disk stride per node. 1024 keeps the
	// default name/data caps within the stride with headroom.
	DefaultCellSize = 1024

	// DefaultNameMax caps node name length in bytes.
	DefaultNameMax = 64

	// DefaultDataMax caps node payload length in bytes. Larger values
	// are handled by the caller through chunking.
	DefaultDataMax = 510

	// DefaultWALFlushIntervalMS bounds how stale a buffered WAL entry
	// may get before the next append forces a flush.
	DefaultWALFlushIntervalMS = 10

	// DefaultWALFlushBatch is the buffered entry count that triggers a
	// flush.
	DefaultWALFlushBatch = 256
)

// Options configure Open. The zero value selects defaults with the WAL
// enabled. Geometry fields (CellSize, NameMax, DataMax) are immutable
// after first create: zero adopts the file header on reopen, and a
// non-zero value that contradicts the header fails with ErrCorrupt.
type Options struct {
	// CellSize is the fixed on-disk stride per node in bytes. Must be
	// a power of two in [1024, 4096]. 0 selects DefaultCellSize.
	CellSize uint32

	// NameMax caps node name length. 0 selects DefaultNameMax.
	NameMax uint32

	// DataMax caps node payload length. 0 selects DefaultDataMax.
	DataMax uint32

	// DisableWAL turns the write-ahead log off. Mutations are then
	// only durable after Save or Checkpoint.
	DisableWAL bool

	// WALFlushIntervalMS is the time-based flush trigger in
	// milliseconds. 0 selects DefaultWALFlushIntervalMS.
	WALFlushIntervalMS uint32

	// WALFlushBatch is the count-based flush trigger. 0 selects
	// DefaultWALFlushBatch.
	WALFlushBatch int

	// AutoSaveIntervalMS saves when this many milliseconds elapsed
	// since the last save, checked at write entry points. 0 disables.
	AutoSaveIntervalMS uint32

	// AutoSaveIntervalNodes saves after this many mutations since the
	// last save, checked at write entry points. 0 disables.
	AutoSaveIntervalNodes uint64

	// LicenseKey is the explicit license key, taking priority over the
	// LICENSE_KEY environment variable and key files.
	LicenseKey string

	// SkipPreallocate turns off physical allocation of the full cell
	// region at create time; the file is then only extended (sparse
	// where the filesystem allows it). Preallocation is on by default.
	SkipPreallocate bool

	// Env overrides the process environment for LICENSE_KEY lookup.
	// Nil reads the real environment.
	Env map[string]string

	// Logger receives diagnostics (recovery summaries, license
	// downgrades, auto-save activity). Nil selects a quiet logger.
	Logger *slog.Logger

	// Clock overrides the monotonic nanosecond clock. Nil selects the
	// platform clock. Test seam.
	Clock func() uint64
}

// withRuntimeDefaults resolves zero values for the knobs that apply to
// every open. Geometry fields stay zero here; they default only when a
// file is created and otherwise come from the header.
func (o Options) withRuntimeDefaults() Options {
	if o.WALFlushIntervalMS == 0 {
		o.WALFlushIntervalMS = DefaultWALFlushIntervalMS
	}

	if o.WALFlushBatch == 0 {
		o.WALFlushBatch = DefaultWALFlushBatch
	}

	return o
}

// withGeometryDefaults resolves zero geometry values for file
// creation.
func (o Options) withGeometryDefaults() Options {
	if o.CellSize == 0 {
		o.CellSize = DefaultCellSize
	}

	if o.NameMax == 0 {
		o.NameMax = DefaultNameMax
	}

	if o.DataMax == 0 {
		o.DataMax = DefaultDataMax
	}

	return o
}
