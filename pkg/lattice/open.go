package lattice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ryjox/synrix/internal/logger"
	"github.com/ryjox/synrix/internal/platform"
)

// lockSuffix names the writer-lock file next to the lattice file.
const lockSuffix = ".lock"

// Open opens or creates the lattice at path with room for maxNodes
// cells.
//
// For an existing file the header is authoritative for geometry:
// maxNodes and the geometry options may be zero to adopt the file's
// values, and explicitly conflicting values fail with [ErrCorrupt].
// Creating a new file requires maxNodes >= 1. Committed WAL entries
// are replayed into the store before Open returns, with the admission
// cap bypassed.
//
// Possible errors:
//   - [ErrArgumentOutOfRange]: invalid options or maxNodes
//   - [ErrBusy]: another process holds the writer lock
//   - [ErrCorrupt]: bad magic/version/checksum, impossible geometry,
//     or duplicate node ids in the cell array
//   - [ErrIO]: platform call failures
func Open(path string, maxNodes uint64, opts Options) (*Engine, error) {
	opts = opts.withRuntimeDefaults()

	err := validateOpen(path, maxNodes, opts)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	clock := opts.Clock
	if clock == nil {
		clock = platform.MonotonicNS
	}

	// Single writer process per lattice. The lock file persists; only
	// the flock on it matters.
	flock, err := platform.TryLockFile(path + lockSuffix)
	if err != nil {
		if errors.Is(err, platform.ErrWouldBlock) {
			return nil, fmt.Errorf("lattice %q is locked by another process: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("acquire writer lock: %w: %w", ErrIO, err)
	}

	engine, err := openLocked(path, maxNodes, opts, log, clock, flock)
	if err != nil {
		_ = flock.Close()

		return nil, err
	}

	return engine, nil
}

// validateOpen checks the fields that must hold regardless of whether
// the file exists. Zero geometry values mean "default on create, adopt
// the header otherwise" and pass here.
func validateOpen(path string, maxNodes uint64, opts Options) error {
	if path == "" {
		return fmt.Errorf("path is empty: %w", ErrArgumentOutOfRange)
	}

	if maxNodes > maxMaxNodes {
		return fmt.Errorf("max_nodes %d exceeds limit %d: %w", maxNodes, maxMaxNodes, ErrArgumentOutOfRange)
	}

	if opts.CellSize != 0 && (!isPowerOfTwo(opts.CellSize) || opts.CellSize < minCellSize || opts.CellSize > maxCellSize) {
		return fmt.Errorf("cell_size %d must be a power of two in [%d, %d]: %w", opts.CellSize, minCellSize, maxCellSize, ErrArgumentOutOfRange)
	}

	if opts.NameMax != 0 && (opts.NameMax < minNameMax || opts.NameMax > maxNameMax) {
		return fmt.Errorf("name_max %d must be in [%d, %d]: %w", opts.NameMax, minNameMax, maxNameMax, ErrArgumentOutOfRange)
	}

	if opts.DataMax > maxDataMax {
		return fmt.Errorf("data_max %d exceeds limit %d: %w", opts.DataMax, maxDataMax, ErrArgumentOutOfRange)
	}

	if opts.WALFlushBatch < 1 {
		return fmt.Errorf("wal_flush_batch must be >= 1: %w", ErrArgumentOutOfRange)
	}

	return nil
}

func openLocked(path string, maxNodes uint64, opts Options, log *slog.Logger, clock func() uint64, flock *platform.Lock) (*Engine, error) {
	file, err := platform.Open(path, true)
	if err != nil {
		return nil, fmt.Errorf("open lattice: %w: %w", ErrIO, err)
	}

	size, err := file.Size()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat lattice: %w: %w", ErrIO, err)
	}

	var header latticeHeader

	if size == 0 {
		header, err = createLattice(file, maxNodes, opts)
	} else {
		header, err = validateExisting(file, size, maxNodes, opts)
	}

	if err != nil {
		_ = file.Close()

		return nil, err
	}

	fileSize := int64(fileSizeFor(header.CellSize, header.MaxNodes))

	mapping, err := platform.Map(file, 0, int(fileSize), true)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("map lattice: %w: %w", ErrIO, err)
	}

	engine := &Engine{
		path:      path,
		opts:      opts,
		file:      file,
		mapping:   mapping,
		flock:     flock,
		cellSize:  header.CellSize,
		nameMax:   header.NameMax,
		dataMax:   header.DataMax,
		maxNodes:  header.MaxNodes,
		createdAt: header.CreatedAt,
		versions:  make([]atomic.Uint32, header.MaxNodes),
		idMap:     make(map[uint64]uint64),
		index:     newNameIndex(),
		nextID:    header.NextID,
		log:       log,
		clock:     clock,
	}

	err = engine.scanCells(header)
	if err != nil {
		_ = mapping.Unmap()
		_ = file.Close()

		return nil, err
	}

	engine.walEnabled = !opts.DisableWAL

	if engine.walEnabled {
		w, recovery, walErr := openWAL(path+walSuffix, opts.WALFlushBatch, opts.WALFlushIntervalMS, clock)
		if walErr != nil {
			_ = mapping.Unmap()
			_ = file.Close()

			return nil, walErr
		}

		engine.wal = w

		engine.replay(recovery)
	}

	// Admission is established after recovery so replay can rehydrate
	// past the current cap (an earlier session may have used a higher
	// tier).
	engine.tier = resolveTier(opts.LicenseKey, opts.Env, log)
	engine.tierLimit = engine.tier.Limit()

	engine.lastSaveNS = clock()

	return engine, nil
}

// createLattice initializes a fresh file: preallocate, write header,
// sync.
func createLattice(file *platform.File, maxNodes uint64, opts Options) (latticeHeader, error) {
	if maxNodes < 1 {
		return latticeHeader{}, fmt.Errorf("max_nodes must be >= 1 to create a lattice: %w", ErrArgumentOutOfRange)
	}

	opts = opts.withGeometryDefaults()

	if !cellFits(opts.CellSize, opts.NameMax, opts.DataMax) {
		return latticeHeader{}, fmt.Errorf("cell_size %d cannot hold metadata + name_max %d + data_max %d: %w", opts.CellSize, opts.NameMax, opts.DataMax, ErrArgumentOutOfRange)
	}

	if fileSizeFor(opts.CellSize, maxNodes) > maxFileSizeBytes {
		return latticeHeader{}, fmt.Errorf("lattice file size %d exceeds limit %d: %w", fileSizeFor(opts.CellSize, maxNodes), maxFileSizeBytes, ErrArgumentOutOfRange)
	}

	header := latticeHeader{
		Version:   latticeVersion,
		CellSize:  opts.CellSize,
		MaxNodes:  maxNodes,
		LiveCount: 0,
		NextID:    1,
		CreatedAt: uint64(time.Now().UnixNano()),
		NameMax:   opts.NameMax,
		DataMax:   opts.DataMax,
	}
	header.ModifiedAt = header.CreatedAt

	fileSize := int64(fileSizeFor(opts.CellSize, maxNodes))

	var err error

	if opts.SkipPreallocate {
		err = file.Truncate(fileSize)
	} else {
		err = file.Preallocate(fileSize)
	}

	if err != nil {
		return latticeHeader{}, fmt.Errorf("allocate lattice: %w: %w", ErrIO, err)
	}

	_, err = file.Pwrite(encodeHeader(&header), 0)
	if err != nil {
		return latticeHeader{}, fmt.Errorf("write header: %w: %w", ErrIO, err)
	}

	err = file.Sync()
	if err != nil {
		return latticeHeader{}, fmt.Errorf("sync header: %w: %w", ErrIO, err)
	}

	return header, nil
}

// validateExisting reads and validates the header of an existing file.
func validateExisting(file *platform.File, size int64, maxNodes uint64, opts Options) (latticeHeader, error) {
	if size < latticeHeaderSize {
		return latticeHeader{}, fmt.Errorf("file size %d is less than header size %d: %w", size, latticeHeaderSize, ErrCorrupt)
	}

	headerBuf := make([]byte, latticeHeaderSize)

	n, err := file.Pread(headerBuf, 0)
	if err != nil || n != latticeHeaderSize {
		return latticeHeader{}, fmt.Errorf("read header: %w: %w", ErrIO, err)
	}

	if string(headerBuf[offMagic:offMagic+8]) != latticeMagic {
		return latticeHeader{}, fmt.Errorf("invalid magic %q: %w", headerBuf[offMagic:offMagic+8], ErrCorrupt)
	}

	header := decodeHeader(headerBuf)

	if header.Version != latticeVersion {
		return latticeHeader{}, fmt.Errorf("unsupported version %d, expected %d: %w", header.Version, latticeVersion, ErrCorrupt)
	}

	if !validateHeaderCRC(headerBuf) {
		return latticeHeader{}, fmt.Errorf("header checksum mismatch: %w", ErrCorrupt)
	}

	if hasReservedBytesSet(headerBuf) {
		return latticeHeader{}, fmt.Errorf("reserved header bytes are non-zero: %w", ErrCorrupt)
	}

	if !isPowerOfTwo(header.CellSize) || header.CellSize < minCellSize || header.CellSize > maxCellSize {
		return latticeHeader{}, fmt.Errorf("header cell_size %d out of range: %w", header.CellSize, ErrCorrupt)
	}

	if header.MaxNodes < 1 || header.MaxNodes > maxMaxNodes {
		return latticeHeader{}, fmt.Errorf("header max_nodes %d out of range: %w", header.MaxNodes, ErrCorrupt)
	}

	if header.NameMax < minNameMax || header.NameMax > maxNameMax || header.DataMax > maxDataMax {
		return latticeHeader{}, fmt.Errorf("header name/data caps %d/%d out of range: %w", header.NameMax, header.DataMax, ErrCorrupt)
	}

	if !cellFits(header.CellSize, header.NameMax, header.DataMax) {
		return latticeHeader{}, fmt.Errorf("header geometry does not fit cell stride: %w", ErrCorrupt)
	}

	if header.NextID < 1 {
		return latticeHeader{}, fmt.Errorf("header next_id is zero: %w", ErrCorrupt)
	}

	// The header is authoritative; explicitly conflicting values are
	// a caller bug worth surfacing rather than silently ignoring.
	// Zero means "adopt the header".
	if maxNodes != 0 && header.MaxNodes != maxNodes {
		return latticeHeader{}, fmt.Errorf("max_nodes mismatch: file has %d, caller passed %d: %w", header.MaxNodes, maxNodes, ErrCorrupt)
	}

	if opts.CellSize != 0 && header.CellSize != opts.CellSize {
		return latticeHeader{}, fmt.Errorf("cell_size mismatch: file has %d, options say %d: %w", header.CellSize, opts.CellSize, ErrCorrupt)
	}

	if opts.NameMax != 0 && header.NameMax != opts.NameMax {
		return latticeHeader{}, fmt.Errorf("name_max mismatch: file has %d, options say %d: %w", header.NameMax, opts.NameMax, ErrCorrupt)
	}

	if opts.DataMax != 0 && header.DataMax != opts.DataMax {
		return latticeHeader{}, fmt.Errorf("data_max mismatch: file has %d, options say %d: %w", header.DataMax, opts.DataMax, ErrCorrupt)
	}

	expectedSize := int64(fileSizeFor(header.CellSize, header.MaxNodes))
	if size < expectedSize {
		return latticeHeader{}, fmt.Errorf("file size %d < expected %d: %w", size, expectedSize, ErrCorrupt)
	}

	return header, nil
}

// scanCells rebuilds the id map, name index, allocator state, and
// authoritative live count from the cell array.
func (e *Engine) scanCells(header latticeHeader) error {
	var maxID uint64

	lastOccupied := int64(-1)

	for slot := uint64(0); slot < e.maxNodes; slot++ {
		cell := e.cellBytes(slot)
		flags := cell[cellOffFlags]

		if flags == 0 {
			continue
		}

		lastOccupied = int64(slot)

		rec := decodeCellBounded(cell, e.nameMax, e.dataMax)
		if rec == nil {
			return fmt.Errorf("cell %d has out-of-range lengths: %w", slot, ErrCorrupt)
		}

		if rec.ID == 0 {
			return fmt.Errorf("cell %d has zero id: %w", slot, ErrCorrupt)
		}

		if rec.ID > maxID {
			maxID = rec.ID
		}

		if flags&cellFlagTombstone != 0 {
			// Tombstones hold their slot until the next checkpoint.
			e.pendingFree = append(e.pendingFree, slot)

			continue
		}

		_, dup := e.idMap[rec.ID]
		if dup {
			return fmt.Errorf("duplicate node id %d at cell %d: %w", rec.ID, slot, ErrCorrupt)
		}

		e.idMap[rec.ID] = slot
		e.index.onAdd(string(rec.Name), rec.ID)
		e.liveCount++
	}

	e.highwater = uint64(lastOccupied + 1)

	// Gaps below the highwater are immediately reusable.
	for slot := uint64(0); slot < e.highwater; slot++ {
		if e.cellBytes(slot)[cellOffFlags] == 0 {
			e.freeList = append(e.freeList, slot)
		}
	}

	if e.nextID <= maxID {
		e.nextID = maxID + 1
	}

	if header.LiveCount != e.liveCount {
		e.log.Warn("header live_count is stale, using scan result",
			"header", header.LiveCount, "scanned", e.liveCount)
	}

	return nil
}

// decodeCellBounded decodes a cell only when its lengths are within
// the configured caps; nil otherwise.
func decodeCellBounded(cell []byte, nameMax, dataMax uint32) *cellRecord {
	nameLen := uint32(binary.LittleEndian.Uint16(cell[cellOffNameLen:]))
	dataLen := binary.LittleEndian.Uint32(cell[cellOffDataLen:])

	if nameLen > nameMax || dataLen > dataMax {
		return nil
	}

	rec := decodeCell(cell, nameMax)

	return &rec
}

// replay applies committed WAL entries to the store. Admission is
// bypassed: recovery may legitimately rehydrate past the current cap.
func (e *Engine) replay(recovery walRecovery) {
	if recovery.torn {
		e.log.Warn("wal tail is torn; trailing bytes discarded", "path", e.wal.path)
	}

	for _, entry := range recovery.entries {
		err := e.applyWalEntry(entry)
		if err != nil {
			// A decodable frame with an undecodable payload. Stop, as
			// with a torn tail; everything before it is applied.
			e.log.Warn("stopping replay at malformed entry", "seq", entry.Seq, "err", err)

			break
		}

		e.entriesReplayed++
	}

	if e.entriesReplayed > 0 {
		e.log.Info("wal recovery complete", "entries_replayed", e.entriesReplayed, "path", e.wal.path)
	}
}

func (e *Engine) applyWalEntry(entry walEntry) error {
	switch entry.Op {
	case walOpAdd:
		_, exists := e.idMap[entry.NodeID]
		if exists {
			// The main file already reflected this write.
			return nil
		}

		payload, err := decodeWalPayload(entry.Payload)
		if err != nil {
			return err
		}

		if uint32(len(payload.Name)) > e.nameMax || uint32(len(payload.Data)) > e.dataMax {
			return fmt.Errorf("replayed lengths exceed caps: %w", ErrMalformedWALEntry)
		}

		slot, _, err := e.allocSlot()
		if err != nil {
			return err
		}

		encodeCell(e.cellBytes(slot), cellRecord{
			Flags:     cellFlagLive,
			Type:      payload.Type,
			NameLen:   uint16(len(payload.Name)),
			DataLen:   uint32(len(payload.Data)),
			ID:        entry.NodeID,
			Parent:    payload.Parent,
			CreatedAt: payload.CreatedAt,
			Name:      payload.Name,
			Data:      payload.Data,
		}, e.nameMax)

		e.idMap[entry.NodeID] = slot
		e.index.onAdd(string(payload.Name), entry.NodeID)
		e.liveCount++

		if e.nextID <= entry.NodeID {
			e.nextID = entry.NodeID + 1
		}

		return nil

	case walOpUpdate:
		slot, exists := e.idMap[entry.NodeID]
		if !exists {
			return nil
		}

		payload, err := decodeWalPayload(entry.Payload)
		if err != nil {
			return err
		}

		if uint32(len(payload.Name)) > e.nameMax || uint32(len(payload.Data)) > e.dataMax {
			return fmt.Errorf("replayed lengths exceed caps: %w", ErrMalformedWALEntry)
		}

		encodeCell(e.cellBytes(slot), cellRecord{
			Flags:     cellFlagLive,
			Type:      payload.Type,
			NameLen:   uint16(len(payload.Name)),
			DataLen:   uint32(len(payload.Data)),
			ID:        entry.NodeID,
			Parent:    payload.Parent,
			CreatedAt: payload.CreatedAt,
			Name:      payload.Name,
			Data:      payload.Data,
		}, e.nameMax)

		return nil

	case walOpDelete:
		slot, exists := e.idMap[entry.NodeID]
		if !exists {
			return nil
		}

		cell := e.cellBytes(slot)
		rec := decodeCell(cell, e.nameMax)
		name := string(rec.Name)

		cell[cellOffFlags] = cellFlagLive | cellFlagTombstone
		cell[cellOffType] = uint8(TypeTombstone)

		delete(e.idMap, entry.NodeID)
		e.index.onRemove(name, entry.NodeID)
		e.liveCount--
		e.pendingFree = append(e.pendingFree, slot)

		return nil

	default:
		return fmt.Errorf("unknown wal op %d: %w", entry.Op, ErrMalformedWALEntry)
	}
}
