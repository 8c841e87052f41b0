package lattice_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryjox/synrix/pkg/lattice"
)

// signLicense builds a wire-format key: base64(payload || signature).
func signLicense(t *testing.T, priv ed25519.PrivateKey, version, tier uint8, expiry uint32) string {
	t.Helper()

	payload := make([]byte, 6)
	payload[0] = version
	payload[1] = tier
	binary.LittleEndian.PutUint32(payload[2:], expiry)

	sig := ed25519.Sign(priv, payload)

	return base64.StdEncoding.EncodeToString(append(payload, sig...))
}

func newLicenseKeyPair(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Cleanup(lattice.SetLicensePublicKeyForTest(pub))

	return priv
}

func Test_License_Tiers_Map_To_Their_Node_Limits(t *testing.T) {
	priv := newLicenseKeyPair(t)

	cases := []struct {
		tier  uint8
		limit uint64
	}{
		{0, 25_000},
		{1, 1_000_000},
		{2, 10_000_000},
		{3, 50_000_000},
	}

	for _, tc := range cases {
		key := signLicense(t, priv, 1, tc.tier, 0)

		tier, err := lattice.VerifyLicenseKeyForTest(key)
		require.NoError(t, err)
		require.Equal(t, lattice.Tier(tc.tier), tier)
		require.Equal(t, tc.limit, tier.Limit())
	}

	key := signLicense(t, priv, 1, 4, 0)

	tier, err := lattice.VerifyLicenseKeyForTest(key)
	require.NoError(t, err)
	require.Equal(t, lattice.TierUnlimited, tier)
	require.Equal(t, uint64(1)<<63, tier.Limit()&(uint64(1)<<63), "tier 4 limit must be effectively unlimited")
}

func Test_License_Expiry_Is_Inclusive_At_The_Boundary(t *testing.T) {
	priv := newLicenseKeyPair(t)

	const now = int64(1_700_000_000)

	t.Cleanup(lattice.SetLicenseNowForTest(func() int64 { return now }))

	// Expiry exactly equal to the current second is accepted.
	tier, err := lattice.VerifyLicenseKeyForTest(signLicense(t, priv, 1, 2, uint32(now)))
	require.NoError(t, err)
	require.Equal(t, lattice.TierPro, tier)

	// One second past is rejected.
	_, err = lattice.VerifyLicenseKeyForTest(signLicense(t, priv, 1, 2, uint32(now-1)))
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)

	// Expiry 0 means no expiry.
	tier, err = lattice.VerifyLicenseKeyForTest(signLicense(t, priv, 1, 3, 0))
	require.NoError(t, err)
	require.Equal(t, lattice.TierEnterprise, tier)
}

func Test_License_Verification_Rejects_Malformed_Keys(t *testing.T) {
	priv := newLicenseKeyPair(t)

	// Wrong version.
	_, err := lattice.VerifyLicenseKeyForTest(signLicense(t, priv, 2, 1, 0))
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)

	// Unknown tier.
	_, err = lattice.VerifyLicenseKeyForTest(signLicense(t, priv, 1, 5, 0))
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)

	// Signature from a different key.
	_, other, genErr := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, genErr)

	_, err = lattice.VerifyLicenseKeyForTest(signLicense(t, other, 1, 1, 0))
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)

	// Not base64.
	_, err = lattice.VerifyLicenseKeyForTest("!!not-base64!!")
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)

	// Truncated payload.
	_, err = lattice.VerifyLicenseKeyForTest(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, lattice.ErrInvalidLicense)
}

func Test_Engine_Falls_Back_To_Free_Tier_On_Invalid_Key(t *testing.T) {
	priv := newLicenseKeyPair(t)

	path := filepath.Join(t.TempDir(), "tier.lat")

	// Signed by the wrong key: silent downgrade, engine still opens.
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	engine, err := lattice.Open(path, 100, lattice.Options{
		LicenseKey: signLicense(t, wrongPriv, 1, 4, 0),
		Env:        map[string]string{},
	})
	require.NoError(t, err)
	require.Equal(t, lattice.TierFree, engine.Tier())
	require.NoError(t, engine.Close())

	// A valid key resolves its tier.
	engine, err = lattice.Open(path, 0, lattice.Options{
		LicenseKey: signLicense(t, priv, 1, 4, 0),
		Env:        map[string]string{},
	})
	require.NoError(t, err)
	require.Equal(t, lattice.TierUnlimited, engine.Tier())
	require.NoError(t, engine.Close())
}

func Test_License_Key_Is_Read_From_Environment(t *testing.T) {
	priv := newLicenseKeyPair(t)

	path := filepath.Join(t.TempDir(), "envkey.lat")

	engine, err := lattice.Open(path, 100, lattice.Options{
		Env: map[string]string{"LICENSE_KEY": signLicense(t, priv, 1, 2, 0)},
	})
	require.NoError(t, err)

	defer func() { _ = engine.Close() }()

	require.Equal(t, lattice.TierPro, engine.Tier())
}

func Test_Admission_Cap_Is_Enforced_And_Freed_By_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("25k adds")
	}

	path := filepath.Join(t.TempDir(), "cap.lat")

	// No key: tier 0, 25,000 nodes. WAL off keeps the loop fast.
	engine, err := lattice.Open(path, 26_000, lattice.Options{
		DisableWAL: true,
		Env:        map[string]string{},
	})
	require.NoError(t, err)

	defer func() { _ = engine.Close() }()

	var firstID uint64

	name := make([]byte, 16)

	for i := range 25_000 {
		n := copy(name, "cap:")
		encodeDecimal(name[n:], i)

		id, addErr := engine.Add(0, name, nil, 0)
		require.NoError(t, addErr)

		if firstID == 0 {
			firstID = id
		}
	}

	// The 25,001st add hits the cap with structured counts.
	_, err = engine.Add(0, []byte("one-too-many"), nil, 0)
	require.ErrorIs(t, err, lattice.ErrLimitExceeded)

	var limitErr *lattice.LimitError

	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, uint64(25_000), limitErr.Live)
	require.Equal(t, uint64(25_000), limitErr.Limit)

	// Deleting any node admits exactly one more.
	require.NoError(t, engine.Delete(firstID))

	_, err = engine.Add(0, []byte("admitted-again"), nil, 0)
	require.NoError(t, err)

	_, err = engine.Add(0, []byte("rejected-again"), nil, 0)
	require.ErrorIs(t, err, lattice.ErrLimitExceeded)
}

// encodeDecimal writes i as ASCII digits into buf (zero padded).
func encodeDecimal(buf []byte, i int) {
	for pos := len(buf) - 1; pos >= 0; pos-- {
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
}
