package lattice

import (
	"sort"
	"strings"
)

// nameIndex maps node names to ids for exact lookup and prefix
// enumeration. It is a cache over the live cells: never persisted,
// rebuilt on open, and maintained through the node store's mutation
// hooks (onAdd/onRemove). Names are not unique; one name may map to
// several ids.
//
// Structure: a map for exact matches and a (name, id)-sorted slice for
// prefix walks. Insert/remove pay O(log n + n) on the slice so that
// enumeration stays a binary search plus a linear run over matches.
type nameIndex struct {
	byName map[string][]uint64
	sorted []nameRef
}

type nameRef struct {
	name string
	id   uint64
}

func newNameIndex() *nameIndex {
	return &nameIndex{byName: make(map[string][]uint64)}
}

// onAdd registers a live node under name.
func (ix *nameIndex) onAdd(name string, id uint64) {
	ix.byName[name] = append(ix.byName[name], id)

	at := ix.searchRef(name, id)
	ix.sorted = append(ix.sorted, nameRef{})
	copy(ix.sorted[at+1:], ix.sorted[at:])
	ix.sorted[at] = nameRef{name: name, id: id}
}

// onRemove drops the (name, id) pair. Unknown pairs are ignored.
func (ix *nameIndex) onRemove(name string, id uint64) {
	ids := ix.byName[name]

	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)

			break
		}
	}

	if len(ids) == 0 {
		delete(ix.byName, name)
	} else {
		ix.byName[name] = ids
	}

	at := ix.searchRef(name, id)
	if at < len(ix.sorted) && ix.sorted[at].name == name && ix.sorted[at].id == id {
		ix.sorted = append(ix.sorted[:at], ix.sorted[at+1:]...)
	}
}

// findExact returns a copy of the ids registered under name.
func (ix *nameIndex) findExact(name string) []uint64 {
	ids := ix.byName[name]
	if len(ids) == 0 {
		return nil
	}

	out := make([]uint64, len(ids))
	copy(out, ids)

	return out
}

// findPrefix returns up to limit ids whose name starts with prefix, in
// (name, id) order. limit <= 0 means no limit.
func (ix *nameIndex) findPrefix(prefix string, limit int) []uint64 {
	start := sort.Search(len(ix.sorted), func(i int) bool {
		return ix.sorted[i].name >= prefix
	})

	var out []uint64

	for i := start; i < len(ix.sorted); i++ {
		if !strings.HasPrefix(ix.sorted[i].name, prefix) {
			break
		}

		out = append(out, ix.sorted[i].id)

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out
}

// len returns the number of (name, id) pairs.
func (ix *nameIndex) len() int {
	return len(ix.sorted)
}

// pairs returns the (name, id) set in sorted order. Test hook for
// rebuild-equivalence checks.
func (ix *nameIndex) pairs() []nameRef {
	out := make([]nameRef, len(ix.sorted))
	copy(out, ix.sorted)

	return out
}

// searchRef finds the insertion point for (name, id) in sorted order.
func (ix *nameIndex) searchRef(name string, id uint64) int {
	return sort.Search(len(ix.sorted), func(i int) bool {
		ref := ix.sorted[i]
		if ref.name != name {
			return ref.name > name
		}

		return ref.id >= id
	})
}
