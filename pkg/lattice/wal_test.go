package lattice_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryjox/synrix/pkg/lattice"
)

// zeroCellRegion wipes every cell in the lattice file, simulating a
// main file that never saw the writes the WAL committed.
func zeroCellRegion(t *testing.T, path string) {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := lattice.LatticeHeaderSizeForTest; i < len(raw); i++ {
		raw[i] = 0
	}

	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func Test_Nodes_Survive_Close_And_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "persist.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	for i := range 3 {
		_, err = engine.Add(0, fmt.Appendf(nil, "node-%d", i), fmt.Appendf(nil, "payload-%d", i), 0)
		require.NoError(t, err)
	}

	require.NoError(t, engine.Close())

	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	nodes := reopened.FindByPrefix([]byte(""), 100)
	require.Len(t, nodes, 3)
}

func Test_WAL_Replay_Restores_Node_Bytes_When_Main_File_Lost_The_Write(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "recover.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	id, err := engine.Add(5, []byte("X"), []byte("precious bytes"), 9)
	require.NoError(t, err)

	require.NoError(t, engine.Flush())

	before, err := engine.Get(id)
	require.NoError(t, err)

	require.NoError(t, engine.Close())

	// Crash simulation: the cell never reached the main file, the WAL
	// did.
	zeroCellRegion(t, path)

	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.GreaterOrEqual(t, reopened.EntriesReplayed(), uint64(1))

	after, err := reopened.Get(id)
	require.NoError(t, err)

	require.Equal(t, before, after, "replayed node must be byte-identical")
}

func Test_WAL_Recovery_Is_Idempotent_Across_Repeated_Opens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "idem.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	idA, err := engine.Add(3, []byte("alpha"), []byte("a"), 0)
	require.NoError(t, err)

	idB, err := engine.Add(2, []byte("beta"), []byte("b"), 0)
	require.NoError(t, err)

	require.NoError(t, engine.Delete(idA))
	require.NoError(t, engine.Close())

	zeroCellRegion(t, path)

	snapshot := func(e *lattice.Engine) []lattice.Node {
		return e.FindByPrefix(nil, 0)
	}

	first, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	state1 := snapshot(first)
	require.NoError(t, first.Close())

	second, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = second.Close() }()

	state2 := snapshot(second)

	require.Equal(t, state1, state2, "replaying recovery twice must equal replaying once")

	require.Len(t, state2, 1)
	require.Equal(t, idB, state2[0].ID)

	_, err = second.Get(idA)
	require.ErrorIs(t, err, lattice.ErrNotFound)
}

func Test_Torn_WAL_Tail_Is_Discarded_And_Engine_Stays_Usable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "torn.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("committed"), []byte("1"), 0)
	require.NoError(t, err)

	require.NoError(t, engine.Close())

	// Garbage past last_valid_offset: a torn write that never
	// committed.
	walPath := path + ".wal"

	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)

	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	zeroCellRegion(t, path)

	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.Equal(t, uint64(1), reopened.EntriesReplayed())

	node := reopened.FindByPrefix([]byte("committed"), 1)
	require.Len(t, node, 1)

	// Engine remains writable after discarding the tail.
	_, err = reopened.Add(0, []byte("after-recovery"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, reopened.Flush())
}

func Test_Checkpoint_Empties_The_WAL_And_Persists_State(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ckpt.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("one"), []byte("1"), 0)
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("two"), []byte("2"), 0)
	require.NoError(t, err)

	require.NoError(t, engine.Checkpoint())

	require.Equal(t, uint64(0), lattice.WALLastValidOffsetForTest(engine))

	info, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	require.Equal(t, int64(lattice.WALHeaderSizeForTest), info.Size(), "checkpoint must truncate the log to its header")

	require.NoError(t, engine.Close())

	// After checkpoint the main file is authoritative; reopen must
	// see both nodes with nothing to replay.
	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.Equal(t, uint64(0), reopened.EntriesReplayed())
	require.Equal(t, uint64(2), reopened.Count())
}

func Test_Unrecognized_WAL_File_Is_Treated_As_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "badwal.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("kept"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, engine.Close())

	// Stomp the WAL magic. The main file is authoritative.
	walPath := path + ".wal"

	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)

	copy(raw, "GARBAGE!")
	require.NoError(t, os.WriteFile(walPath, raw, 0o600))

	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.Equal(t, uint64(0), reopened.EntriesReplayed())
	require.Equal(t, uint64(1), reopened.Count(), "main file contents survive a destroyed WAL")
}

func Test_Updates_And_Deletes_Replay_In_Order(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ordered.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{})
	require.NoError(t, err)

	idKeep, err := engine.Add(0, []byte("keep"), []byte("v1"), 0)
	require.NoError(t, err)

	idDrop, err := engine.Add(0, []byte("drop"), []byte("x"), 0)
	require.NoError(t, err)

	require.NoError(t, engine.Update(idKeep, []byte("v2"), nil))
	require.NoError(t, engine.Delete(idDrop))
	require.NoError(t, engine.Close())

	zeroCellRegion(t, path)

	reopened, err := lattice.Open(path, 0, lattice.Options{})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.Equal(t, uint64(4), reopened.EntriesReplayed())

	node, err := reopened.Get(idKeep)
	require.NoError(t, err)
	require.Equal(t, "v2", string(node.Data), "update must win over the original add")

	_, err = reopened.Get(idDrop)
	require.ErrorIs(t, err, lattice.ErrNotFound)
}

func Test_Disabled_WAL_Creates_No_Log_And_Still_Persists_Via_Save(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nowal.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{DisableWAL: true})
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("volatile"), nil, 0)
	require.NoError(t, err)

	require.NoError(t, engine.Flush(), "flush is a no-op without a WAL")
	require.NoError(t, engine.Save())
	require.NoError(t, engine.Close())

	_, err = os.Stat(path + ".wal")
	require.True(t, errors.Is(err, os.ErrNotExist), "no WAL file expected, got %v", err)

	reopened, err := lattice.Open(path, 0, lattice.Options{DisableWAL: true})
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	require.Equal(t, uint64(1), reopened.Count())
}

func Test_Flush_Advances_The_Commit_Offset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "offset.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{WALFlushBatch: 1000, WALFlushIntervalMS: 60_000})
	require.NoError(t, err)

	defer func() { _ = engine.Close() }()

	require.Equal(t, uint64(0), lattice.WALLastValidOffsetForTest(engine))

	_, err = engine.Add(0, []byte("buffered"), nil, 0)
	require.NoError(t, err)

	// Large batch and interval: nothing flushed yet.
	require.Equal(t, uint64(0), lattice.WALLastValidOffsetForTest(engine))

	require.NoError(t, engine.Flush())

	offset := lattice.WALLastValidOffsetForTest(engine)
	require.Greater(t, offset, uint64(lattice.WALHeaderSizeForTest))

	// An empty flush must not move the offset.
	require.NoError(t, engine.Flush())
	require.Equal(t, offset, lattice.WALLastValidOffsetForTest(engine))
}
