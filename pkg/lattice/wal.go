package lattice

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ryjox/synrix/internal/platform"
)

// SYNRXWAL file format constants.
const (
	walMagic      = "SYNRXWAL"
	walVersion    = 1
	walHeaderSize = 64

	// walSuffix names the sibling log next to the lattice file.
	walSuffix = ".wal"
)

// WAL header field offsets (bytes from file start).
const (
	walOffMagic       = 0x00 // [8]byte
	walOffVersion     = 0x08 // uint32
	walOffReserved    = 0x0C // uint32, zero
	walOffCommitCount = 0x10 // uint64: entries durably applied
	walOffLastValid   = 0x18 // uint64: end of the last fully written entry (0 = none)
	walOffHeaderCRC   = 0x20 // uint32 over [0x00, 0x20)

	// Zero padding through byte 63.
)

// WAL entry framing: fixed prefix, variable payload, CRC trailer. The
// CRC covers prefix and payload.
const (
	walEntryPrefixSize  = 21 // seq u64 | op u8 | node_id u64 | payload_len u32
	walEntryTrailerSize = 4  // crc32

	// walMaxPayload bounds payload_len during replay so a corrupt
	// length can never drive an allocation off the rails.
	walMaxPayload = 1 << 20
)

// WAL operation codes.
const (
	walOpAdd    uint8 = 1
	walOpUpdate uint8 = 2
	walOpDelete uint8 = 3
)

// walEntry is one decoded log record.
type walEntry struct {
	Seq     uint64
	Op      uint8
	NodeID  uint64
	Payload []byte
}

// walPayload carries the node fields of an add/update entry:
// type u8 | name_len u32 | name | data_len u32 | data | parent u64 |
// created_at u64. Delete entries have an empty payload.
type walPayload struct {
	Type      NodeType
	Name      []byte
	Data      []byte
	Parent    uint64
	CreatedAt uint64
}

func encodeWalPayload(p walPayload) []byte {
	buf := make([]byte, 0, 1+4+len(p.Name)+4+len(p.Data)+8+8)
	buf = append(buf, uint8(p.Type))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Name)))
	buf = append(buf, p.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)

	buf = binary.LittleEndian.AppendUint64(buf, p.Parent)
	buf = binary.LittleEndian.AppendUint64(buf, p.CreatedAt)

	return buf
}

func decodeWalPayload(buf []byte) (walPayload, error) {
	var p walPayload

	if len(buf) < 5 {
		return p, fmt.Errorf("payload too short (%d bytes): %w", len(buf), ErrMalformedWALEntry)
	}

	p.Type = NodeType(buf[0])
	pos := 1

	nameLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4

	if nameLen < 0 || pos+nameLen+4 > len(buf) {
		return p, fmt.Errorf("payload name length %d out of bounds: %w", nameLen, ErrMalformedWALEntry)
	}

	p.Name = buf[pos : pos+nameLen]
	pos += nameLen

	dataLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4

	if dataLen < 0 || pos+dataLen+16 > len(buf) {
		return p, fmt.Errorf("payload data length %d out of bounds: %w", dataLen, ErrMalformedWALEntry)
	}

	p.Data = buf[pos : pos+dataLen]
	pos += dataLen

	p.Parent = binary.LittleEndian.Uint64(buf[pos:])
	p.CreatedAt = binary.LittleEndian.Uint64(buf[pos+8:])

	return p, nil
}

// wal is the write-ahead log for one lattice file. Appends buffer in
// memory; flushes write the buffered bytes, sync the file, then
// publish the new commit offset in the header. Only after the header
// flush is an entry durable.
//
// Not safe for concurrent use; the engine serializes access under the
// writer mutex.
type wal struct {
	file *platform.File
	path string

	buf      []byte
	buffered int

	filePos         uint64 // absolute offset of the next flushed byte
	seq             uint64 // last assigned sequence number
	commitCount     uint64
	lastValidOffset uint64

	flushBatch      int
	flushIntervalNS uint64
	lastFlushNS     uint64
	clock           func() uint64
}

// walRecovery is the result of scanning an existing log at open.
type walRecovery struct {
	entries []walEntry
	// torn reports that the scan stopped at a malformed entry before
	// reaching last_valid_offset.
	torn bool
}

// openWAL opens or creates the log at path and scans committed
// entries. The returned entries are replayed by the caller; the log
// itself is left intact until the next checkpoint.
func openWAL(path string, flushBatch int, flushIntervalMS uint32, clock func() uint64) (*wal, walRecovery, error) {
	file, err := platform.Open(path, true)
	if err != nil {
		return nil, walRecovery{}, fmt.Errorf("open wal: %w: %w", ErrIO, err)
	}

	w := &wal{
		file:            file,
		path:            path,
		filePos:         walHeaderSize,
		flushBatch:      flushBatch,
		flushIntervalNS: uint64(flushIntervalMS) * 1_000_000,
		lastFlushNS:     clock(),
		clock:           clock,
	}

	size, err := file.Size()
	if err != nil {
		_ = file.Close()

		return nil, walRecovery{}, fmt.Errorf("stat wal: %w: %w", ErrIO, err)
	}

	if size < walHeaderSize {
		// Fresh or stub log: initialize the header in place.
		initErr := w.writeHeader()
		if initErr != nil {
			_ = file.Close()

			return nil, walRecovery{}, initErr
		}

		return w, walRecovery{}, nil
	}

	headerBuf := make([]byte, walHeaderSize)

	n, err := file.Pread(headerBuf, 0)
	if err != nil || n != walHeaderSize {
		_ = file.Close()

		return nil, walRecovery{}, fmt.Errorf("read wal header: %w: %w", ErrIO, err)
	}

	if string(headerBuf[walOffMagic:walOffMagic+8]) != walMagic ||
		binary.LittleEndian.Uint32(headerBuf[walOffVersion:]) != walVersion ||
		!validWalHeaderCRC(headerBuf) {
		// Unrecognized log: the main file is authoritative. Start over
		// with an empty log.
		resetErr := w.reset()
		if resetErr != nil {
			_ = file.Close()

			return nil, walRecovery{}, resetErr
		}

		return w, walRecovery{}, nil
	}

	w.commitCount = binary.LittleEndian.Uint64(headerBuf[walOffCommitCount:])
	w.lastValidOffset = binary.LittleEndian.Uint64(headerBuf[walOffLastValid:])

	recovery, scanErr := w.scanEntries(uint64(size))
	if scanErr != nil {
		_ = file.Close()

		return nil, walRecovery{}, scanErr
	}

	return w, recovery, nil
}

// scanEntries reads committed entries up to last_valid_offset,
// stopping at the first CRC or length mismatch. Bytes past the commit
// offset are garbage by definition and never inspected.
func (w *wal) scanEntries(fileSize uint64) (walRecovery, error) {
	if w.lastValidOffset == 0 {
		return walRecovery{}, nil
	}

	end := w.lastValidOffset
	if end > fileSize {
		// Header claims more than the file holds; trust neither.
		end = fileSize
	}

	if end <= walHeaderSize {
		return walRecovery{}, nil
	}

	region := make([]byte, end-walHeaderSize)

	n, err := w.file.Pread(region, walHeaderSize)
	if err != nil || uint64(n) != uint64(len(region)) {
		return walRecovery{}, fmt.Errorf("read wal entries: %w: %w", ErrIO, err)
	}

	var recovery walRecovery

	pos := 0

	for pos < len(region) {
		if len(region)-pos < walEntryPrefixSize+walEntryTrailerSize {
			recovery.torn = true

			break
		}

		seq := binary.LittleEndian.Uint64(region[pos:])
		op := region[pos+8]
		nodeID := binary.LittleEndian.Uint64(region[pos+9:])
		payloadLen := binary.LittleEndian.Uint32(region[pos+17:])

		if payloadLen > walMaxPayload {
			recovery.torn = true

			break
		}

		entryEnd := pos + walEntryPrefixSize + int(payloadLen) + walEntryTrailerSize
		if entryEnd > len(region) {
			recovery.torn = true

			break
		}

		body := region[pos : pos+walEntryPrefixSize+int(payloadLen)]
		storedCRC := binary.LittleEndian.Uint32(region[entryEnd-walEntryTrailerSize:])

		if crc32.Checksum(body, latticeCRC) != storedCRC {
			recovery.torn = true

			break
		}

		payload := make([]byte, payloadLen)
		copy(payload, region[pos+walEntryPrefixSize:])

		recovery.entries = append(recovery.entries, walEntry{
			Seq:     seq,
			Op:      op,
			NodeID:  nodeID,
			Payload: payload,
		})

		if seq > w.seq {
			w.seq = seq
		}

		pos = entryEnd
	}

	w.filePos = walHeaderSize + uint64(pos)

	return recovery, nil
}

// append buffers one entry and flushes when the batch or interval
// policy fires. The entry's sequence number is assigned here.
//
// On a flush failure, the just-appended entry is dropped from the
// buffer: the caller rolls the mutation back, so the entry must never
// reach disk through a later successful flush. Earlier buffered
// entries stay; their mutations are committed.
func (w *wal) append(op uint8, nodeID uint64, payload []byte) error {
	w.seq++

	prefix := make([]byte, walEntryPrefixSize)
	binary.LittleEndian.PutUint64(prefix, w.seq)
	prefix[8] = op
	binary.LittleEndian.PutUint64(prefix[9:], nodeID)
	binary.LittleEndian.PutUint32(prefix[17:], uint32(len(payload)))

	crc := crc32.Checksum(prefix, latticeCRC)
	crc = crc32.Update(crc, latticeCRC, payload)

	prevLen := len(w.buf)

	w.buf = append(w.buf, prefix...)
	w.buf = append(w.buf, payload...)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, crc)
	w.buffered++

	due := w.buffered >= w.flushBatch || w.buffered >= maxWALBufferedEntries
	if !due && w.flushIntervalNS > 0 && w.clock()-w.lastFlushNS >= w.flushIntervalNS {
		due = true
	}

	if !due {
		return nil
	}

	err := w.flush()
	if err != nil {
		w.buf = w.buf[:prevLen]
		w.buffered--
		w.seq--

		return err
	}

	return nil
}

// flush writes buffered bytes, syncs the file, then publishes the new
// commit offset. An entry is durable only once the header page holding
// last_valid_offset has itself been flushed.
func (w *wal) flush() error {
	if w.buffered == 0 {
		w.lastFlushNS = w.clock()

		return nil
	}

	_, err := w.file.Pwrite(w.buf, int64(w.filePos))
	if err != nil {
		return fmt.Errorf("wal write: %w: %w", ErrIO, err)
	}

	err = w.file.Sync()
	if err != nil {
		return fmt.Errorf("wal sync: %w: %w", ErrIO, err)
	}

	prevCommitCount := w.commitCount
	prevLastValid := w.lastValidOffset

	w.commitCount += uint64(w.buffered)
	w.lastValidOffset = w.filePos + uint64(len(w.buf))

	err = w.writeHeader()
	if err != nil {
		// The on-disk header still points at the old offset; the
		// bytes just written are garbage until a retry republishes
		// them at the same position.
		w.commitCount = prevCommitCount
		w.lastValidOffset = prevLastValid

		return err
	}

	w.filePos += uint64(len(w.buf))
	w.buf = w.buf[:0]
	w.buffered = 0
	w.lastFlushNS = w.clock()

	return nil
}

// reset truncates the log to its header and zeroes the commit state.
// Called by checkpoint once the main file holds everything. Sequence
// numbers keep counting; they are strictly monotonic per file.
func (w *wal) reset() error {
	err := w.file.Truncate(walHeaderSize)
	if err != nil {
		return fmt.Errorf("wal truncate: %w: %w", ErrIO, err)
	}

	w.commitCount = 0
	w.lastValidOffset = 0
	w.filePos = walHeaderSize
	w.buf = w.buf[:0]
	w.buffered = 0

	return w.writeHeader()
}

// close flushes pending entries and releases the file.
func (w *wal) close() error {
	flushErr := w.flush()
	closeErr := w.file.Close()

	if flushErr != nil {
		return flushErr
	}

	if closeErr != nil {
		return fmt.Errorf("wal close: %w: %w", ErrIO, closeErr)
	}

	return nil
}

// writeHeader encodes and durably writes the 64-byte header page.
func (w *wal) writeHeader() error {
	buf := make([]byte, walHeaderSize)

	copy(buf[walOffMagic:], walMagic)
	binary.LittleEndian.PutUint32(buf[walOffVersion:], walVersion)
	binary.LittleEndian.PutUint64(buf[walOffCommitCount:], w.commitCount)
	binary.LittleEndian.PutUint64(buf[walOffLastValid:], w.lastValidOffset)

	crc := crc32.Checksum(buf[:walOffHeaderCRC], latticeCRC)
	binary.LittleEndian.PutUint32(buf[walOffHeaderCRC:], crc)

	_, err := w.file.Pwrite(buf, 0)
	if err != nil {
		return fmt.Errorf("wal header write: %w: %w", ErrIO, err)
	}

	err = w.file.Sync()
	if err != nil {
		return fmt.Errorf("wal header sync: %w: %w", ErrIO, err)
	}

	return nil
}

func validWalHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[walOffHeaderCRC:])

	return stored == crc32.Checksum(buf[:walOffHeaderCRC], latticeCRC)
}
