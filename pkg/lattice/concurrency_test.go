package lattice_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ryjox/synrix/pkg/lattice"
)

// Readers racing one writer must only ever observe complete snapshots:
// a node's data is always one of the values some Update wrote, never a
// splice of two.

func Test_Concurrent_Readers_Never_Observe_Torn_Cells(t *testing.T) {
	t.Parallel()

	engine := openTestEngine(t, 100, lattice.Options{DisableWAL: true})

	// Payloads are homogeneous so any torn copy is detectable: every
	// byte of a valid snapshot is identical.
	payloadFor := func(generation int) []byte {
		b := make([]byte, lattice.DefaultDataMax)
		for i := range b {
			b[i] = byte('A' + generation%26)
		}

		return b
	}

	id, err := engine.Add(0, []byte("contended"), payloadFor(0), 0)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	const (
		readers = 4
		writes  = 300
	)

	var (
		wg       sync.WaitGroup
		started  sync.WaitGroup
		stop     atomic.Bool
		torn     atomic.Int64
		busy     atomic.Int64
		observed atomic.Int64
	)

	for range readers {
		wg.Add(1)
		started.Add(1)

		go func() {
			defer wg.Done()

			started.Done()

			for !stop.Load() {
				node, getErr := engine.Get(id)
				if getErr != nil {
					// ErrBusy is legal under extreme contention.
					busy.Add(1)

					continue
				}

				observed.Add(1)

				if len(node.Data) != lattice.DefaultDataMax {
					torn.Add(1)

					continue
				}

				first := node.Data[0]

				for _, b := range node.Data {
					if b != first {
						torn.Add(1)

						break
					}
				}
			}
		}()
	}

	started.Wait()

	for generation := 1; generation <= writes; generation++ {
		err = engine.Update(id, payloadFor(generation), nil)
		if err != nil {
			t.Fatalf("update %d: %v", generation, err)
		}
	}

	stop.Store(true)
	wg.Wait()

	if torn.Load() != 0 {
		t.Fatalf("%d torn reads observed", torn.Load())
	}

	if observed.Load() == 0 {
		t.Fatal("readers never completed a single read")
	}
}

func Test_Reader_Observes_Either_Presence_Or_NotFound_During_Delete(t *testing.T) {
	t.Parallel()

	engine := openTestEngine(t, 1000, lattice.Options{DisableWAL: true})

	const nodes = 200

	ids := make([]uint64, nodes)

	for i := range nodes {
		id, err := engine.Add(0, fmt.Appendf(nil, "del-%03d", i), []byte("payload"), 0)
		if err != nil {
			t.Fatalf("add: %v", err)
		}

		ids[i] = id
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for _, id := range ids {
			err := engine.Delete(id)
			if err != nil {
				t.Errorf("delete %d: %v", id, err)

				return
			}
		}
	}()

	// Readers see each node either fully present or gone.
	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for _, id := range ids {
				node, err := engine.Get(id)
				if err != nil {
					continue // deleted or busy
				}

				if string(node.Data) != "payload" {
					t.Errorf("node %d returned partial data %q", id, node.Data)

					return
				}
			}
		}()
	}

	wg.Wait()

	if engine.Count() != 0 {
		t.Fatalf("count = %d after deleting everything", engine.Count())
	}
}

func Test_Concurrent_Prefix_Scans_Are_Safe_During_Writes(t *testing.T) {
	t.Parallel()

	engine := openTestEngine(t, 2000, lattice.Options{DisableWAL: true})

	var wg sync.WaitGroup

	var stop atomic.Bool

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range 500 {
			_, err := engine.Add(0, fmt.Appendf(nil, "scan-%04d", i), []byte("x"), 0)
			if err != nil {
				t.Errorf("add: %v", err)

				return
			}
		}

		stop.Store(true)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for !stop.Load() {
			nodes := engine.FindByPrefix([]byte("scan-"), 0)

			for _, node := range nodes {
				if string(node.Data) != "x" {
					t.Errorf("scan returned partial node %+v", node)

					return
				}
			}
		}
	}()

	wg.Wait()

	if got := len(engine.FindByPrefix([]byte("scan-"), 0)); got != 500 {
		t.Fatalf("final scan found %d nodes, want 500", got)
	}
}
