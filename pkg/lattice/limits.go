package lattice

// Hardcoded implementation limits.
//
// These exist to keep arithmetic safely away from overflow boundaries
// and to bound resource usage for configurations the project does not
// test. Violations are configuration errors and return
// ErrArgumentOutOfRange from Open.
const (
	// Cell stride bounds. Must be a power of two; one cell holds the
	// fixed metadata plus name and data regions.
	minCellSize = 1024
	maxCellSize = 4096

	// Per-field caps. NameMax must leave room for DataMax and the cell
	// metadata inside the cell stride.
	minNameMax = 64
	maxNameMax = 1024

	maxDataMax = 3584

	// Maximum node count per file. A guardrail against absurd
	// preallocations, not a RAM limit: the file is mapped, not loaded.
	maxMaxNodes = uint64(100_000_000)

	// Maximum total lattice file size.
	maxFileSizeBytes = uint64(1) << 40 // 1 TiB

	// Maximum entries the WAL buffers before an append forces a flush
	// regardless of configuration.
	maxWALBufferedEntries = 65_536
)
