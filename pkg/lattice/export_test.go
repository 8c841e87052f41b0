package lattice

import "crypto/ed25519"

// Test seams. Production code never mutates these.

// SetLicensePublicKeyForTest swaps the embedded verification key and
// returns a restore func.
func SetLicensePublicKeyForTest(pub ed25519.PublicKey) func() {
	prev := licensePublicKey
	licensePublicKey = pub

	return func() { licensePublicKey = prev }
}

// SetLicenseNowForTest pins the wall clock used for expiry checks and
// returns a restore func.
func SetLicenseNowForTest(now func() int64) func() {
	prev := licenseNow
	licenseNow = now

	return func() { licenseNow = prev }
}

// VerifyLicenseKeyForTest exposes key verification to tests.
func VerifyLicenseKeyForTest(key string) (Tier, error) {
	return verifyLicenseKey(key)
}

// IndexPairsForTest returns the engine's (name, id) index pairs in
// sorted order for rebuild-equivalence checks.
func IndexPairsForTest(e *Engine) []struct {
	Name string
	ID   uint64
} {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	refs := e.index.pairs()

	out := make([]struct {
		Name string
		ID   uint64
	}, len(refs))

	for i, ref := range refs {
		out[i].Name = ref.name
		out[i].ID = ref.id
	}

	return out
}

// WALPathForTest returns the engine's log path.
func WALPathForTest(e *Engine) string {
	return e.wal.path
}

// WALLastValidOffsetForTest returns the committed end offset of the
// engine's log.
func WALLastValidOffsetForTest(e *Engine) uint64 {
	return e.wal.lastValidOffset
}

// WALHeaderSizeForTest exposes the log header size.
const WALHeaderSizeForTest = walHeaderSize

// LatticeHeaderSizeForTest exposes the lattice header size.
const LatticeHeaderSizeForTest = latticeHeaderSize
