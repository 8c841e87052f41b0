package lattice

// NodeType tags a node with one of at most 16 kinds. The engine itself
// interprets only TypeNormal and TypeTombstone; the remaining values
// are opaque domain labels.
type NodeType uint8

const (
	// TypeNormal is the default tag for a live node.
	TypeNormal NodeType = 0

	// TypeTombstone marks a logically deleted node. Tombstoned cells
	// keep their slot until the next checkpoint recycles it.
	TypeTombstone NodeType = 1

	// maxNodeType bounds the closed enumeration.
	maxNodeType NodeType = 15
)

// Node is the public unit of the API: a copy of one live cell.
//
// Name and Data are owned by the caller; they never alias the mapped
// file.
type Node struct {
	ID        uint64
	Type      NodeType
	Name      []byte
	Data      []byte
	Parent    uint64
	CreatedAt uint64
}
