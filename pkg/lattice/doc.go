// Package lattice implements a persistent, memory-mapped key-value
// store for semantic string keys and small opaque payloads.
//
// A lattice is a preallocated file of fixed-stride cells plus a
// sibling write-ahead log. Lookups by node id are O(1); prefix queries
// over names are O(k) in the number of matches. Durability comes from
// the WAL (batched, CRC-framed appends with a header-tracked commit
// offset) and periodic checkpoints that atomically rewrite the main
// file and reset the log.
//
// # Basic Usage
//
//	eng, err := lattice.Open("memory.lat", 100_000, lattice.Options{})
//	if err != nil {
//	    // handle lattice.ErrCorrupt by reinitializing,
//	    // lattice.ErrBusy by backing off
//	}
//	defer eng.Close()
//
//	id, err := eng.Add(5, []byte("PATTERN:go:sort"), payload, 0)
//	node, err := eng.Get(id)
//	hits := eng.FindByPrefix([]byte("PATTERN:"), 10)
//
// # Concurrency
//
// An engine is single-writer, multi-reader within one process:
//   - Read operations are safe for concurrent use and lock-free
//     against in-place writes (per-cell seqlock).
//   - Mutations, Flush, Save, and Checkpoint serialize internally.
//   - Across processes, a flock on <path>.lock admits one writer;
//     a second Open fails with [ErrBusy].
//
// # Durability
//
// A mutation is visible to readers immediately and durable once the
// WAL has flushed it ([Engine.Flush], or the batch/interval policy).
// [Engine.Checkpoint] additionally folds everything into the main file
// and empties the log. On open, committed WAL entries are replayed;
// a torn tail is discarded silently and logged.
package lattice
