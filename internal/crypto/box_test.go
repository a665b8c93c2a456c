package crypto

import (
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal([]byte("100uatom"), bob.Public, alice.Private)
	require.NoError(t, err)
	assert.Len(t, sealed, len("100uatom")+Overhead)

	out, err := Open(sealed, alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, "100uatom", string(out))

	sealed[len(sealed)-1] ^= 1
	_, err = Open(sealed, alice.Public, bob.Private)
	assert.True(t, errors.Is(err, ErrOpen))

	_, err = Open([]byte("short"), alice.Public, bob.Private)
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "box.key")
	created, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)

	loaded, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, created.Public, loaded.Public)
	assert.Equal(t, created.Private, loaded.Private)
	assert.Len(t, KeyID(loaded.Public), 16)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := ParsePublicKey(" " + hex.EncodeToString(kp.Public[:]) + "\n")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)

	_, err = ParsePublicKey("abcd")
	assert.Error(t, err)
}
