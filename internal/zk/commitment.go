package zk

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

const commitmentDomain = "aerorelay/commitment/v1"

// CommitmentHash hashes the private transfer fields with a salt so that the
// public inputs do not reveal guessable amounts or addresses.
func CommitmentHash(c packet.Commitment, salt [32]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(commitmentDomain))
	h.Write(salt[:])
	for _, f := range []string{c.Amount, c.Denom, c.Receiver, c.Sender} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(f)))
		h.Write(l[:])
		h.Write([]byte(f))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewWitness salts c with fresh randomness.
func NewWitness(c packet.Commitment) (Witness, error) {
	w := Witness{Commitment: c}
	if _, err := io.ReadFull(rand.Reader, w.Salt[:]); err != nil {
		return Witness{}, err
	}
	return w, nil
}

// Hash returns the witness commitment hash.
func (w Witness) Hash() [32]byte {
	return CommitmentHash(w.Commitment, w.Salt)
}

// NewPublicInputs derives the public inputs for id under version v.
func NewPublicInputs(v Version, id packet.Identity, w Witness) PublicInputs {
	return PublicInputs{Version: v, Identity: id, CommitmentHash: w.Hash()}
}
