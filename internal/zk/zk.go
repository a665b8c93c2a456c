// Package zk builds and checks proofs that a relayer handled a packet's
// private transfer fields faithfully. Proofs bind to the packet identity and
// a hiding commitment; the private fields themselves never leave the witness.
package zk

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Version tags a proof parameter set. Bundles carry the version they were
// produced under so older bundles stay verifiable after rotation.
type Version uint16

// ProofSize is the length of a scheme v1 proof.
const ProofSize = 160

const publicInputsDomain = "aerorelay/public-inputs/v1"

// PublicInputs is everything a verifier sees.
type PublicInputs struct {
	Version        Version         `json:"version"`
	Identity       packet.Identity `json:"identity"`
	CommitmentHash [32]byte        `json:"commitment_hash"`
}

// Encode returns the canonical byte form. It is stable for a given version.
func (pi PublicInputs) Encode() []byte {
	id := pi.Identity
	b := make([]byte, 0, len(publicInputsDomain)+2+6+len(id.SourceChain)+len(id.DestChain)+len(id.Channel)+8+32)
	b = append(b, publicInputsDomain...)
	b = binary.BigEndian.AppendUint16(b, uint16(pi.Version))
	b = appendString(b, id.SourceChain)
	b = appendString(b, id.DestChain)
	b = appendString(b, id.Channel)
	b = binary.BigEndian.AppendUint64(b, id.Sequence)
	return append(b, pi.CommitmentHash[:]...)
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// Witness is the private input to the prover.
type Witness struct {
	Commitment packet.Commitment `json:"commitment"`
	Salt       [32]byte          `json:"salt"`
}

// Bundle is an immutable proof for one packet.
type Bundle struct {
	Proof        []byte       `json:"proof"`
	PublicInputs PublicInputs `json:"public_inputs"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Digest identifies the bundle contents.
func (b *Bundle) Digest() string {
	h, _ := blake2b.New256(nil)
	h.Write(b.Proof)
	h.Write(b.PublicInputs.Encode())
	return hex.EncodeToString(h.Sum(nil))
}

var (
	// ErrTransient marks proving failures that may succeed on retry.
	ErrTransient = errors.New("transient proving failure")
	// ErrInvalidWitness marks witnesses that can never produce a proof.
	ErrInvalidWitness = errors.New("invalid witness")
	// ErrIdentityMismatch is returned when a bundle names a different packet
	// than the one it is being checked for.
	ErrIdentityMismatch = errors.New("bundle identity mismatch")
	// ErrUnknownVersion is returned for bundles or keys of an unknown version.
	ErrUnknownVersion = errors.New("unknown proof version")
)

// ProofError wraps a proving failure. Kind is ErrTransient or ErrInvalidWitness.
type ProofError struct {
	Kind error
	Err  error
}

func (e *ProofError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ProofError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidWitness(format string, args ...any) error {
	return &ProofError{Kind: ErrInvalidWitness, Err: fmt.Errorf(format, args...)}
}

func transient(err error) error {
	return &ProofError{Kind: ErrTransient, Err: err}
}

// VerifyError reports a bundle that could not be checked at all, as opposed
// to one that was checked and found invalid.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return "verify: " + e.Reason
	}
	return fmt.Sprintf("verify: %s: %v", e.Reason, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }
