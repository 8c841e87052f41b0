package lattice

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ryjox/synrix/internal/platform"
)

// Engine is an open lattice: a single-writer, multi-reader handle over
// one memory-mapped file and its sibling WAL.
//
// All mutating calls serialize on an internal writer mutex. Read calls
// are safe for concurrent use. Cell bytes are copied under a per-cell
// seqlock rather than a lock; readers hold the state RWMutex shared
// for the id lookup, and share the mapping RWMutex with Save/Checkpoint
// for the short window where the mapping is swapped.
type Engine struct {
	// mu is the writer mutex. Every mutating operation, Save,
	// Checkpoint, Flush, and Close hold it.
	mu sync.Mutex

	// stateMu guards the id map, name index, allocator, and live
	// count against concurrent readers.
	stateMu sync.RWMutex

	// mapMu is the mapping epoch lock: readers hold it shared while
	// touching mapped memory; Save holds it exclusive while swapping
	// the mapping.
	mapMu sync.RWMutex

	path string
	opts Options

	file    *platform.File
	mapping *platform.Mapping
	flock   *platform.Lock

	cellSize  uint32
	nameMax   uint32
	dataMax   uint32
	maxNodes  uint64
	createdAt uint64

	versions []atomic.Uint32

	idMap       map[uint64]uint64 // node id -> slot index
	freeList    []uint64          // reusable slots
	pendingFree []uint64          // freed this checkpoint cycle; recycled at checkpoint
	highwater   uint64            // next never-used slot
	liveCount   uint64
	nextID      uint64

	index *nameIndex

	wal        *wal
	walEnabled bool

	tier      Tier
	tierLimit uint64

	log   *slog.Logger
	clock func() uint64

	lastSaveNS         uint64
	mutationsSinceSave uint64

	entriesReplayed uint64
	closed          bool
}

// cellBytes returns the mapped bytes of one cell stride.
func (e *Engine) cellBytes(slot uint64) []byte {
	start := uint64(latticeHeaderSize) + slot*uint64(e.cellSize)

	return e.mapping.Bytes()[start : start+uint64(e.cellSize)]
}

// Add creates a node and returns its id.
//
// Possible errors: [ErrClosed], [ErrArgumentOutOfRange],
// [ErrLimitExceeded] (admission cap), [ErrCapacityFull] (no free
// cell), [ErrIO] (WAL append failed; the in-memory state is rolled
// back).
func (e *Engine) Add(typ NodeType, name, data []byte, parent uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	err := e.validateFields(typ, name, data, true)
	if err != nil {
		return 0, err
	}

	if e.liveCount >= e.tierLimit {
		return 0, &LimitError{Live: e.liveCount, Limit: e.tierLimit}
	}

	slot, fromFreeList, err := e.allocSlot()
	if err != nil {
		return 0, err
	}

	id := e.nextID
	created := e.clock()

	rec := cellRecord{
		Flags:     cellFlagLive,
		Type:      typ,
		NameLen:   uint16(len(name)),
		DataLen:   uint32(len(data)),
		ID:        id,
		Parent:    parent,
		CreatedAt: created,
		Name:      name,
		Data:      data,
	}

	cell := e.cellBytes(slot)

	beginCellWrite(e.versions, slot)
	encodeCell(cell, rec, e.nameMax)
	endCellWrite(e.versions, slot)

	if e.walEnabled {
		payload := encodeWalPayload(walPayload{
			Type:      typ,
			Name:      name,
			Data:      data,
			Parent:    parent,
			CreatedAt: created,
		})

		appendErr := e.wal.append(walOpAdd, id, payload)
		if appendErr != nil {
			// Roll back: re-zero the cell and return the slot so the
			// failed add leaves no trace.
			beginCellWrite(e.versions, slot)
			encodeCell(cell, cellRecord{}, e.nameMax)
			endCellWrite(e.versions, slot)

			e.unallocSlot(slot, fromFreeList)

			return 0, appendErr
		}
	}

	e.nextID++

	e.stateMu.Lock()
	e.idMap[id] = slot
	e.index.onAdd(string(name), id)
	e.liveCount++
	e.stateMu.Unlock()

	e.noteMutation()

	return id, nil
}

// Get returns a copy of the node with the given id.
func (e *Engine) Get(id uint64) (Node, error) {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()

	e.stateMu.RLock()

	if e.closed {
		e.stateMu.RUnlock()

		return Node{}, ErrClosed
	}

	slot, ok := e.idMap[id]
	e.stateMu.RUnlock()

	if !ok {
		return Node{}, ErrNotFound
	}

	buf := make([]byte, e.cellSize)

	for attempt := range readMaxRetries {
		readBackoff(attempt)

		if !readCellSnapshot(e.versions, slot, e.cellBytes(slot), buf) {
			continue
		}

		rec := decodeCell(buf, e.nameMax)

		// The slot may have been tombstoned or recycled between the
		// map lookup and the snapshot. Either way the id is gone.
		if rec.ID != id || rec.Flags&cellFlagLive == 0 || rec.Flags&cellFlagTombstone != 0 {
			return Node{}, ErrNotFound
		}

		return nodeFromRecord(rec), nil
	}

	return Node{}, ErrBusy
}

// Update replaces the node's data and, when typ is non-nil, its type.
func (e *Engine) Update(id uint64, data []byte, typ *NodeType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if uint32(len(data)) > e.dataMax {
		return fmt.Errorf("data length %d exceeds max %d: %w", len(data), e.dataMax, ErrArgumentOutOfRange)
	}

	if typ != nil && (*typ > maxNodeType || *typ == TypeTombstone) {
		return fmt.Errorf("invalid node type %d: %w", *typ, ErrArgumentOutOfRange)
	}

	slot, ok := e.lookupSlot(id)
	if !ok {
		return ErrNotFound
	}

	cell := e.cellBytes(slot)

	old := make([]byte, e.cellSize)
	copy(old, cell)

	oldRec := decodeCell(old, e.nameMax)

	newRec := oldRec
	newRec.Data = data
	newRec.DataLen = uint32(len(data))

	if typ != nil {
		newRec.Type = *typ
	}

	beginCellWrite(e.versions, slot)
	encodeCell(cell, newRec, e.nameMax)
	endCellWrite(e.versions, slot)

	if e.walEnabled {
		payload := encodeWalPayload(walPayload{
			Type:      newRec.Type,
			Name:      newRec.Name,
			Data:      data,
			Parent:    newRec.Parent,
			CreatedAt: newRec.CreatedAt,
		})

		appendErr := e.wal.append(walOpUpdate, id, payload)
		if appendErr != nil {
			beginCellWrite(e.versions, slot)
			copy(cell, old)
			endCellWrite(e.versions, slot)

			return appendErr
		}
	}

	e.noteMutation()

	return nil
}

// Delete tombstones the node. The cell keeps its slot until the next
// checkpoint recycles it; the id is never reused.
func (e *Engine) Delete(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	slot, ok := e.lookupSlot(id)
	if !ok {
		return ErrNotFound
	}

	cell := e.cellBytes(slot)

	old := make([]byte, e.cellSize)
	copy(old, cell)

	oldRec := decodeCell(old, e.nameMax)
	name := string(oldRec.Name)

	beginCellWrite(e.versions, slot)
	cell[cellOffFlags] = cellFlagLive | cellFlagTombstone
	cell[cellOffType] = uint8(TypeTombstone)
	endCellWrite(e.versions, slot)

	if e.walEnabled {
		appendErr := e.wal.append(walOpDelete, id, nil)
		if appendErr != nil {
			beginCellWrite(e.versions, slot)
			copy(cell, old)
			endCellWrite(e.versions, slot)

			return appendErr
		}
	}

	e.stateMu.Lock()
	delete(e.idMap, id)
	e.index.onRemove(name, id)
	e.liveCount--
	e.pendingFree = append(e.pendingFree, slot)
	e.stateMu.Unlock()

	e.noteMutation()

	return nil
}

// FindByName returns the ids of all live nodes with exactly this name.
func (e *Engine) FindByName(name []byte) []uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	if e.closed {
		return nil
	}

	return e.index.findExact(string(name))
}

// FindByPrefix returns up to limit live nodes whose name starts with
// prefix, in name order. limit <= 0 means no limit.
func (e *Engine) FindByPrefix(prefix []byte, limit int) []Node {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()

	e.stateMu.RLock()

	if e.closed {
		e.stateMu.RUnlock()

		return nil
	}

	ids := e.index.findPrefix(string(prefix), limit)

	type hit struct {
		id   uint64
		slot uint64
	}

	hits := make([]hit, 0, len(ids))

	for _, id := range ids {
		slot, ok := e.idMap[id]
		if !ok {
			continue
		}

		hits = append(hits, hit{id: id, slot: slot})
	}

	e.stateMu.RUnlock()

	nodes := make([]Node, 0, len(hits))
	buf := make([]byte, e.cellSize)

	for _, h := range hits {
		node, ok := e.snapshotNode(h.id, h.slot, buf)
		if ok {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// snapshotNode copies one live cell under the seqlock. Returns false
// when the node vanished mid-read or retries were exhausted.
func (e *Engine) snapshotNode(id, slot uint64, buf []byte) (Node, bool) {
	for attempt := range readMaxRetries {
		readBackoff(attempt)

		if !readCellSnapshot(e.versions, slot, e.cellBytes(slot), buf) {
			continue
		}

		rec := decodeCell(buf, e.nameMax)
		if rec.ID != id || rec.Flags&cellFlagLive == 0 || rec.Flags&cellFlagTombstone != 0 {
			return Node{}, false
		}

		return nodeFromRecord(rec), true
	}

	return Node{}, false
}

// Flush durably commits all buffered WAL entries. After a successful
// Flush, every mutation issued before the call survives a crash.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if !e.walEnabled {
		return nil
	}

	return e.wal.flush()
}

// Count returns the number of live nodes.
func (e *Engine) Count() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.liveCount
}

// Tier returns the admission tier resolved at open.
func (e *Engine) Tier() Tier {
	return e.tier
}

// EntriesReplayed returns the number of WAL entries applied during the
// last open.
func (e *Engine) EntriesReplayed() uint64 {
	return e.entriesReplayed
}

// Path returns the lattice file path.
func (e *Engine) Path() string {
	return e.path
}

// MaxNodes returns the configured cell count of the file.
func (e *Engine) MaxNodes() uint64 {
	return e.maxNodes
}

// validateFields rejects out-of-range names, payloads, and types.
func (e *Engine) validateFields(typ NodeType, name, data []byte, nameRequired bool) error {
	if nameRequired && len(name) == 0 {
		return fmt.Errorf("name is empty: %w", ErrArgumentOutOfRange)
	}

	if uint32(len(name)) > e.nameMax {
		return fmt.Errorf("name length %d exceeds max %d: %w", len(name), e.nameMax, ErrArgumentOutOfRange)
	}

	if uint32(len(data)) > e.dataMax {
		return fmt.Errorf("data length %d exceeds max %d: %w", len(data), e.dataMax, ErrArgumentOutOfRange)
	}

	if typ > maxNodeType || typ == TypeTombstone {
		return fmt.Errorf("invalid node type %d: %w", typ, ErrArgumentOutOfRange)
	}

	return nil
}

// lookupSlot resolves an id under the state lock.
func (e *Engine) lookupSlot(id uint64) (uint64, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	slot, ok := e.idMap[id]

	return slot, ok
}

// allocSlot pops a recycled slot or claims the next never-used one.
func (e *Engine) allocSlot() (uint64, bool, error) {
	if n := len(e.freeList); n > 0 {
		slot := e.freeList[n-1]
		e.freeList = e.freeList[:n-1]

		return slot, true, nil
	}

	if e.highwater < e.maxNodes {
		slot := e.highwater
		e.highwater++

		return slot, false, nil
	}

	return 0, false, fmt.Errorf("all %d cells in use: %w", e.maxNodes, ErrCapacityFull)
}

// unallocSlot reverses allocSlot after a failed add.
func (e *Engine) unallocSlot(slot uint64, fromFreeList bool) {
	if fromFreeList {
		e.freeList = append(e.freeList, slot)

		return
	}

	e.highwater--
}

// noteMutation feeds the advisory auto-save policy. Runs at write
// entry points; a failing auto-save is logged, never surfaced.
func (e *Engine) noteMutation() {
	e.mutationsSinceSave++

	if !e.autoSaveDue() {
		return
	}

	err := e.saveLocked()
	if err != nil {
		e.log.Warn("auto-save failed", "path", e.path, "err", err)

		return
	}

	e.log.Debug("auto-save complete", "path", e.path, "live", e.liveCount)
}

func (e *Engine) autoSaveDue() bool {
	if e.opts.AutoSaveIntervalNodes > 0 && e.mutationsSinceSave >= e.opts.AutoSaveIntervalNodes {
		return true
	}

	if e.opts.AutoSaveIntervalMS > 0 {
		elapsed := e.clock() - e.lastSaveNS
		if elapsed >= uint64(e.opts.AutoSaveIntervalMS)*1_000_000 {
			return true
		}
	}

	return false
}

func nodeFromRecord(rec cellRecord) Node {
	name := make([]byte, len(rec.Name))
	copy(name, rec.Name)

	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)

	return Node{
		ID:        rec.ID,
		Type:      rec.Type,
		Name:      name,
		Data:      data,
		Parent:    rec.Parent,
		CreatedAt: rec.CreatedAt,
	}
}
