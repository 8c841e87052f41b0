package lattice

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/ryjox/synrix/internal/platform"
)

// Save writes the current mapped contents to disk through an atomic
// file replacement. The WAL is untouched; only Checkpoint resets it.
//
// Readers block only for the short window in which the mapping is
// swapped onto the new file.
func (e *Engine) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	return e.saveLocked()
}

// saveLocked is Save minus locking; callers hold the writer mutex.
func (e *Engine) saveLocked() error {
	// Refresh the mapped header so the copied bytes carry current
	// counters.
	header := latticeHeader{
		Version:    latticeVersion,
		CellSize:   e.cellSize,
		MaxNodes:   e.maxNodes,
		LiveCount:  e.liveCount,
		NextID:     e.nextID,
		CreatedAt:  e.createdAt,
		ModifiedAt: uint64(time.Now().UnixNano()),
		NameMax:    e.nameMax,
		DataMax:    e.dataMax,
	}

	copy(e.mapping.Bytes()[:latticeHeaderSize], encodeHeader(&header))

	err := e.mapping.Sync(platform.SyncBoth)
	if err != nil {
		return fmt.Errorf("sync mapping: %w: %w", ErrIO, err)
	}

	tmpPath, err := e.writeTempCopy()
	if err != nil {
		return err
	}

	// Swap under the mapping epoch lock. The existing mapping and
	// handle must be released before the replacement: Windows refuses
	// to replace a mapped or open file, and doing the same on POSIX
	// keeps one code path.
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	err = e.mapping.Unmap()
	if err != nil {
		_ = os.Remove(tmpPath)
		e.markClosedLocked()

		return fmt.Errorf("unmap before replace: %w: %w", ErrIO, err)
	}

	err = e.file.Close()
	if err != nil {
		_ = os.Remove(tmpPath)

		return e.reattach(fmt.Errorf("close before replace: %w: %w", ErrIO, err))
	}

	err = natomic.ReplaceFile(tmpPath, e.path)
	if err != nil {
		_ = os.Remove(tmpPath)

		return e.reattach(fmt.Errorf("replace lattice file: %w: %w", ErrIO, err))
	}

	err = e.reattach(nil)
	if err != nil {
		return err
	}

	e.lastSaveNS = e.clock()
	e.mutationsSinceSave = 0

	return nil
}

// writeTempCopy writes the full mapped image to a sibling temp file
// and syncs it.
func (e *Engine) writeTempCopy() (string, error) {
	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes) // best-effort randomness

	tmpPath := fmt.Sprintf("%s.tmp.%x", e.path, randBytes)

	tmp, err := platform.Open(tmpPath, true)
	if err != nil {
		return "", fmt.Errorf("create temp copy: %w: %w", ErrIO, err)
	}

	_, err = tmp.Pwrite(e.mapping.Bytes(), 0)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("write temp copy: %w: %w", ErrIO, err)
	}

	err = tmp.Sync()
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("sync temp copy: %w: %w", ErrIO, err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("close temp copy: %w: %w", ErrIO, err)
	}

	return tmpPath, nil
}

// reattach reopens and remaps the lattice after the handle was
// released for replacement. Failing to reattach leaves the engine
// unusable; it is marked closed so later calls fail cleanly.
func (e *Engine) reattach(cause error) error {
	file, err := platform.Open(e.path, false)
	if err != nil {
		e.markClosedLocked()

		return fmt.Errorf("reopen after replace: %w: %w", ErrIO, err)
	}

	fileSize := int(fileSizeFor(e.cellSize, e.maxNodes))

	mapping, err := platform.Map(file, 0, fileSize, true)
	if err != nil {
		_ = file.Close()
		e.markClosedLocked()

		return fmt.Errorf("remap after replace: %w: %w", ErrIO, err)
	}

	e.file = file
	e.mapping = mapping

	return cause
}

// markClosedLocked flags the engine unusable. Callers hold the writer
// mutex and, when a mapping swap failed, the mapping epoch lock.
func (e *Engine) markClosedLocked() {
	e.stateMu.Lock()
	e.closed = true
	e.stateMu.Unlock()
}

// Checkpoint makes all prior mutations durable in the main file and
// empties the WAL: flush, save, reset. Slots tombstoned during this
// cycle become reusable afterwards.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if e.walEnabled {
		err := e.wal.flush()
		if err != nil {
			return err
		}
	}

	err := e.saveLocked()
	if err != nil {
		return err
	}

	if e.walEnabled {
		err = e.wal.reset()
		if err != nil {
			return err
		}
	}

	e.stateMu.Lock()
	e.freeList = append(e.freeList, e.pendingFree...)
	e.pendingFree = e.pendingFree[:0]
	e.stateMu.Unlock()

	return nil
}

// Close flushes the WAL buffer (without checkpointing), unmaps, and
// releases both files and the writer lock. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	var firstErr error

	if e.walEnabled {
		firstErr = e.wal.close()
	}

	e.mapMu.Lock()

	e.stateMu.Lock()
	e.closed = true
	e.stateMu.Unlock()

	err := e.mapping.Unmap()
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unmap: %w: %w", ErrIO, err)
	}

	err = e.file.Close()
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close lattice: %w: %w", ErrIO, err)
	}

	e.mapMu.Unlock()

	err = e.flock.Close()
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("release writer lock: %w: %w", ErrIO, err)
	}

	return firstErr
}
