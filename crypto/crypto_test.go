package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyCaller(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)

	payload := []byte(`{"trackId":1}`)
	sig, err := Sign(key, CallDigest("revenue_incrementPlayCounts", key.Address(), 7, payload))
	require.NoError(t, err)

	require.NoError(t, VerifyCaller("revenue_incrementPlayCounts", key.Address(), 7, payload, sig))
	require.ErrorIs(t, VerifyCaller("revenue_incrementPlayCounts", other.Address(), 7, payload, sig), ErrBadSignature)
	require.ErrorIs(t, VerifyCaller("revenue_incrementPlayCounts", key.Address(), 8, payload, sig), ErrBadSignature)
	require.Error(t, VerifyCaller("revenue_incrementPlayCounts", key.Address(), 7, payload, sig[:10]))
}

func TestKeystoreRoundTrip(t *testing.T) {
	origN, origP := keystoreScryptN, keystoreScryptP
	keystoreScryptN, keystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { keystoreScryptN, keystoreScryptP = origN, origP })

	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "aggregator.json")

	require.NoError(t, SaveToKeystore(path, key, "secret"))
	loaded, err := LoadSigner("", path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Overwriting keeps a single file in place.
	require.NoError(t, SaveToKeystore(path, key, "rotated"))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = LoadSigner("", path, "rotated")
	require.NoError(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := PrivateKeyFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", key.Address().Hex())

	_, err = PrivateKeyFromHex("zz")
	require.Error(t, err)

	_, err = ParseAddress("0x123")
	require.Error(t, err)
}
