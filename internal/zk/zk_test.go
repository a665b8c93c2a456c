package zk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

var (
	idA = packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: 42}
	idB = packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: 43}
	cm  = packet.Commitment{Sender: "cosmos1sender", Receiver: "osmo1receiver", Amount: "100", Denom: "uatom"}
)

func mustKeys(t *testing.T, v Version) *ProvingKey {
	t.Helper()
	pk, err := GenerateKeys(v, nil)
	require.NoError(t, err)
	return pk
}

func mustProve(t *testing.T, id packet.Identity, pk *ProvingKey) (*Bundle, Witness) {
	t.Helper()
	w, err := NewWitness(cm)
	require.NoError(t, err)
	b, err := Prove(w, NewPublicInputs(pk.Version, id, w), pk)
	require.NoError(t, err)
	return b, w
}

func TestProveVerify(t *testing.T) {
	pk := mustKeys(t, 1)
	b, _ := mustProve(t, idA, pk)
	require.Len(t, b.Proof, ProofSize)

	ok, err := Verify(b, pk.VerifyingKey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyFor(b, pk.VerifyingKey(), idA)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProofBindsIdentity(t *testing.T) {
	pk := mustKeys(t, 1)
	b, _ := mustProve(t, idA, pk)

	forged := *b
	forged.PublicInputs.Identity = idB
	ok, err := Verify(&forged, pk.VerifyingKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyFor(b, pk.VerifyingKey(), idB)
	assert.True(t, errors.Is(err, ErrIdentityMismatch))
}

func TestProofBindsCommitment(t *testing.T) {
	pk := mustKeys(t, 1)
	b, _ := mustProve(t, idA, pk)

	forged := *b
	forged.PublicInputs.CommitmentHash[0] ^= 0xff
	ok, err := Verify(&forged, pk.VerifyingKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProofRejectsOtherKey(t *testing.T) {
	pk := mustKeys(t, 1)
	other := mustKeys(t, 1)
	b, _ := mustProve(t, idA, pk)

	ok, err := Verify(b, other.VerifyingKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformedProof(t *testing.T) {
	pk := mustKeys(t, 1)
	b, _ := mustProve(t, idA, pk)

	short := *b
	short.Proof = b.Proof[:100]
	_, err := Verify(&short, pk.VerifyingKey())
	var ve *VerifyError
	assert.True(t, errors.As(err, &ve))

	wrongVersion := *b
	wrongVersion.PublicInputs.Version = 2
	_, err = Verify(&wrongVersion, pk.VerifyingKey())
	assert.True(t, errors.Is(err, ErrUnknownVersion))
}

func TestInvalidWitness(t *testing.T) {
	pk := mustKeys(t, 1)
	cases := map[string]packet.Commitment{
		"empty denom":   {Sender: "s", Receiver: "r", Amount: "1"},
		"non numeric":   {Sender: "s", Receiver: "r", Amount: "ten", Denom: "uatom"},
		"negative":      {Sender: "s", Receiver: "r", Amount: "-1", Denom: "uatom"},
		"above modulus": {Sender: "s", Receiver: "r", Amount: fr.Modulus().String(), Denom: "uatom"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			w, err := NewWitness(c)
			require.NoError(t, err)
			_, err = Prove(w, NewPublicInputs(1, idA, w), pk)
			assert.True(t, errors.Is(err, ErrInvalidWitness), "got %v", err)
			assert.False(t, errors.Is(err, ErrTransient))
		})
	}

	t.Run("hash mismatch", func(t *testing.T) {
		w, err := NewWitness(cm)
		require.NoError(t, err)
		pi := NewPublicInputs(1, idA, w)
		w.Commitment.Amount = "101"
		_, err = Prove(w, pi, pk)
		assert.True(t, errors.Is(err, ErrInvalidWitness))
	})
}

func TestPublicInputsEncodingStable(t *testing.T) {
	w := Witness{Commitment: cm}
	a := NewPublicInputs(1, idA, w).Encode()
	b := NewPublicInputs(1, idA, w).Encode()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NewPublicInputs(1, idB, w).Encode())
	assert.NotEqual(t, a, NewPublicInputs(2, idA, w).Encode())
}

func TestKeyRingRotation(t *testing.T) {
	v1 := mustKeys(t, 1)
	v2 := mustKeys(t, 2)
	ring := NewKeyRing(v1)
	assert.Equal(t, Version(1), ring.ActiveVersion())

	old, _ := mustProve(t, idA, ring.Active())

	ring.AddProving(v2)
	assert.Equal(t, Version(1), ring.ActiveVersion())
	require.NoError(t, ring.Rotate(2))
	assert.Equal(t, Version(2), ring.ActiveVersion())
	assert.Error(t, ring.Rotate(9))

	fresh, _ := mustProve(t, idA, ring.Active())
	assert.Equal(t, Version(2), fresh.PublicInputs.Version)

	for _, b := range []*Bundle{old, fresh} {
		ok, err := ring.VerifyFor(b, idA)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, []Version{1, 2}, ring.Versions())
}

func TestKeyFiles(t *testing.T) {
	dir := t.TempDir()
	v1 := mustKeys(t, 1)
	v2 := mustKeys(t, 2)
	require.NoError(t, WriteKeys(dir, v1))
	require.NoError(t, WriteKeys(dir, v2))
	require.NoError(t, SetActive(dir, 1))

	ring, err := LoadKeyRing(dir)
	require.NoError(t, err)
	assert.Equal(t, Version(1), ring.ActiveVersion())

	b, _ := mustProve(t, idA, v2)
	ok, err := ring.Verify(b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProverAsync(t *testing.T) {
	p := NewProver(NewKeyRing(mustKeys(t, 1)), 2, nil)
	w, err := NewWitness(cm)
	require.NoError(t, err)

	select {
	case res := <-p.Prove(context.Background(), idA, w):
		require.NoError(t, res.Err)
		assert.Equal(t, idA, res.Bundle.PublicInputs.Identity)
		assert.Equal(t, w.Hash(), res.Bundle.PublicInputs.CommitmentHash)
	case <-time.After(10 * time.Second):
		t.Fatal("proof did not complete")
	}
}

func TestProverCancelled(t *testing.T) {
	p := NewProver(NewKeyRing(mustKeys(t, 1)), 1, nil)
	w, err := NewWitness(cm)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-p.Prove(ctx, idA, w)
	assert.True(t, errors.Is(res.Err, ErrTransient))
	assert.True(t, errors.Is(res.Err, context.Canceled))
}
