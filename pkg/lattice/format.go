package lattice

import (
	"encoding/binary"
	"hash/crc32"
)

// SYNRIX01 lattice file format constants.
const (
	// Magic bytes at the start of every lattice file.
	latticeMagic = "SYNRIX01"

	// File format version.
	latticeVersion = 1

	// Fixed header size in bytes.
	latticeHeaderSize = 4096
)

// Header field offsets (bytes from file start).
const (
	offMagic      = 0x000 // [8]byte
	offVersion    = 0x008 // uint32
	offCellSize   = 0x00C // uint32
	offMaxNodes   = 0x010 // uint64
	offLiveCount  = 0x018 // uint64 (advisory; authoritative count is the scan on open)
	offNextID     = 0x020 // uint64
	offCreatedAt  = 0x028 // uint64
	offModifiedAt = 0x030 // uint64
	offHeaderCRC  = 0x038 // uint32 over [0x000, 0x038)
	offNameMax    = 0x040 // uint32 (extension, inside reserved area)
	offDataMax    = 0x044 // uint32 (extension, inside reserved area)

	// Reserved zero bytes from 0x048 through 0xFFF.
	offReservedStart = 0x048
)

// Cell field offsets (bytes from cell start). Name and data regions
// follow the fixed metadata; unused trailing bytes are zero.
const (
	cellOffFlags   = 0  // uint8: bit 0 live, bit 1 tombstone
	cellOffType    = 1  // uint8
	cellOffRsvd    = 2  // uint16, zero
	cellOffNameLen = 4  // uint16
	cellOffDataLen = 6  // uint32
	cellOffID      = 10 // uint64
	cellOffParent  = 18 // uint64
	cellOffCreated = 26 // uint64
	cellOffName    = 34 // NameMax bytes, then DataMax bytes of data, then pad
)

// Cell flag bits.
const (
	cellFlagLive      = 1 << 0
	cellFlagTombstone = 1 << 1
)

// latticeCRC is the checksum table shared by the header and the WAL.
var latticeCRC = crc32.MakeTable(crc32.Castagnoli)

// latticeHeader is the decoded form of the 4096-byte file header.
type latticeHeader struct {
	Version    uint32
	CellSize   uint32
	MaxNodes   uint64
	LiveCount  uint64
	NextID     uint64
	CreatedAt  uint64
	ModifiedAt uint64
	NameMax    uint32
	DataMax    uint32
}

// encodeHeader serializes the header into a 4096-byte slice with the
// CRC computed and stored.
func encodeHeader(h *latticeHeader) []byte {
	buf := make([]byte, latticeHeaderSize)

	copy(buf[offMagic:], latticeMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offCellSize:], h.CellSize)
	binary.LittleEndian.PutUint64(buf[offMaxNodes:], h.MaxNodes)
	binary.LittleEndian.PutUint64(buf[offLiveCount:], h.LiveCount)
	binary.LittleEndian.PutUint64(buf[offNextID:], h.NextID)
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], h.CreatedAt)
	binary.LittleEndian.PutUint64(buf[offModifiedAt:], h.ModifiedAt)
	binary.LittleEndian.PutUint32(buf[offNameMax:], h.NameMax)
	binary.LittleEndian.PutUint32(buf[offDataMax:], h.DataMax)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], crc)

	return buf
}

// decodeHeader deserializes the header without validating it; callers
// validate magic, version, CRC, and geometry separately.
func decodeHeader(buf []byte) latticeHeader {
	return latticeHeader{
		Version:    binary.LittleEndian.Uint32(buf[offVersion:]),
		CellSize:   binary.LittleEndian.Uint32(buf[offCellSize:]),
		MaxNodes:   binary.LittleEndian.Uint64(buf[offMaxNodes:]),
		LiveCount:  binary.LittleEndian.Uint64(buf[offLiveCount:]),
		NextID:     binary.LittleEndian.Uint64(buf[offNextID:]),
		CreatedAt:  binary.LittleEndian.Uint64(buf[offCreatedAt:]),
		ModifiedAt: binary.LittleEndian.Uint64(buf[offModifiedAt:]),
		NameMax:    binary.LittleEndian.Uint32(buf[offNameMax:]),
		DataMax:    binary.LittleEndian.Uint32(buf[offDataMax:]),
	}
}

// computeHeaderCRC calculates the checksum over the fields preceding
// the crc field.
func computeHeaderCRC(buf []byte) uint32 {
	return crc32.Checksum(buf[:offHeaderCRC], latticeCRC)
}

// validateHeaderCRC checks the stored CRC against the computed one.
func validateHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC:])

	return stored == computeHeaderCRC(buf)
}

// hasReservedBytesSet reports whether any reserved header byte is
// non-zero. The crc..nameMax gap and the tail past the extension
// fields must both be zero.
func hasReservedBytesSet(buf []byte) bool {
	for i := offHeaderCRC + 4; i < offNameMax; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	for i := offReservedStart; i < latticeHeaderSize; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// cellMetaSize is the fixed per-cell metadata before the name region.
const cellMetaSize = cellOffName

// cellFits reports whether the metadata plus name and data regions fit
// the cell stride.
func cellFits(cellSize, nameMax, dataMax uint32) bool {
	return uint64(cellMetaSize)+uint64(nameMax)+uint64(dataMax) <= uint64(cellSize)
}

// isPowerOfTwo reports whether x is a power of two.
func isPowerOfTwo(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

// cellRecord is the decoded form of one cell.
type cellRecord struct {
	Flags     uint8
	Type      NodeType
	NameLen   uint16
	DataLen   uint32
	ID        uint64
	Parent    uint64
	CreatedAt uint64
	Name      []byte // borrowed from the source buffer
	Data      []byte // borrowed from the source buffer
}

// encodeCell writes rec into cell (one full stride). The cell is
// zeroed first so trailing name/data bytes from earlier occupants
// never leak.
func encodeCell(cell []byte, rec cellRecord, nameMax uint32) {
	for i := range cell {
		cell[i] = 0
	}

	cell[cellOffFlags] = rec.Flags
	cell[cellOffType] = uint8(rec.Type)
	binary.LittleEndian.PutUint16(cell[cellOffNameLen:], rec.NameLen)
	binary.LittleEndian.PutUint32(cell[cellOffDataLen:], rec.DataLen)
	binary.LittleEndian.PutUint64(cell[cellOffID:], rec.ID)
	binary.LittleEndian.PutUint64(cell[cellOffParent:], rec.Parent)
	binary.LittleEndian.PutUint64(cell[cellOffCreated:], rec.CreatedAt)

	copy(cell[cellOffName:], rec.Name)
	copy(cell[cellOffName+int(nameMax):], rec.Data)
}

// decodeCell reads one cell. Name and Data borrow from cell; callers
// that outlive the buffer must copy.
func decodeCell(cell []byte, nameMax uint32) cellRecord {
	rec := cellRecord{
		Flags:     cell[cellOffFlags],
		Type:      NodeType(cell[cellOffType]),
		NameLen:   binary.LittleEndian.Uint16(cell[cellOffNameLen:]),
		DataLen:   binary.LittleEndian.Uint32(cell[cellOffDataLen:]),
		ID:        binary.LittleEndian.Uint64(cell[cellOffID:]),
		Parent:    binary.LittleEndian.Uint64(cell[cellOffParent:]),
		CreatedAt: binary.LittleEndian.Uint64(cell[cellOffCreated:]),
	}

	nameStart := cellOffName
	rec.Name = cell[nameStart : nameStart+int(rec.NameLen)]

	dataStart := cellOffName + int(nameMax)
	rec.Data = cell[dataStart : dataStart+int(rec.DataLen)]

	return rec
}

// fileSizeFor returns the total lattice file size for the geometry.
func fileSizeFor(cellSize uint32, maxNodes uint64) uint64 {
	return uint64(latticeHeaderSize) + maxNodes*uint64(cellSize)
}
