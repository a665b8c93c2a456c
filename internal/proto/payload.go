package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// PacketProof carries one packet's proof bundle to a peer. The private
// transfer fields travel only inside SealedWitness.
type PacketProof struct {
	Bundle        zk.Bundle
	SealedWitness []byte
	SenderKey     []byte
}

// Identity is the packet the proof is for.
func (p *PacketProof) Identity() packet.Identity { return p.Bundle.PublicInputs.Identity }

// Heartbeat keeps a session live when no packets flow.
type Heartbeat struct {
	Seq    uint64
	SentAt time.Time
}

// AckStatus is the receiver's verdict on a PacketProof.
type AckStatus uint8

const (
	AckAccepted  AckStatus = 0
	AckDuplicate AckStatus = 1
	AckRejected  AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckAccepted:
		return "accepted"
	case AckDuplicate:
		return "duplicate"
	case AckRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ack acknowledges a PacketProof by identity.
type Ack struct {
	Identity packet.Identity
	Status   AckStatus
	Reason   string
}

var errTruncated = errors.New("payload truncated")

// MarshalBinary encodes the PacketProof payload.
func (p *PacketProof) MarshalBinary() ([]byte, error) {
	if len(p.Bundle.Proof) > math.MaxUint16 || len(p.SenderKey) > math.MaxUint16 {
		return nil, errors.New("proof or sender key too long")
	}
	b := appendIdentity(nil, p.Identity())
	b = binary.BigEndian.AppendUint16(b, uint16(p.Bundle.PublicInputs.Version))
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Bundle.Proof)))
	b = append(b, p.Bundle.Proof...)
	b = append(b, p.Bundle.PublicInputs.CommitmentHash[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(p.Bundle.CreatedAt.UnixNano()))
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.SealedWitness)))
	b = append(b, p.SealedWitness...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.SenderKey)))
	return append(b, p.SenderKey...), nil
}

// UnmarshalBinary decodes a PacketProof payload.
func (p *PacketProof) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	id := r.identity()
	version := r.u16()
	proof := r.bytes(int(r.u16()))
	var hash [32]byte
	copy(hash[:], r.bytes(32))
	created := int64(r.u64())
	witness := r.bytes(int(r.u32()))
	sender := r.bytes(int(r.u16()))
	if err := r.done(); err != nil {
		return fmt.Errorf("packet proof: %w", err)
	}
	*p = PacketProof{
		Bundle: zk.Bundle{
			Proof:        proof,
			PublicInputs: zk.PublicInputs{Version: zk.Version(version), Identity: id, CommitmentHash: hash},
			CreatedAt:    time.Unix(0, created).UTC(),
		},
		SealedWitness: witness,
		SenderKey:     sender,
	}
	return nil
}

// MarshalBinary encodes the Heartbeat payload.
func (h *Heartbeat) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint64(nil, h.Seq)
	return binary.BigEndian.AppendUint64(b, uint64(h.SentAt.UnixNano())), nil
}

// UnmarshalBinary decodes a Heartbeat payload.
func (h *Heartbeat) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	h.Seq = r.u64()
	h.SentAt = time.Unix(0, int64(r.u64())).UTC()
	if err := r.done(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// MarshalBinary encodes the Ack payload.
func (a *Ack) MarshalBinary() ([]byte, error) {
	reason := a.Reason
	if len(reason) > math.MaxUint16 {
		reason = reason[:math.MaxUint16]
	}
	b := appendIdentity(nil, a.Identity)
	b = append(b, byte(a.Status))
	return appendString(b, reason), nil
}

// UnmarshalBinary decodes an Ack payload.
func (a *Ack) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	a.Identity = r.identity()
	a.Status = AckStatus(r.u8())
	a.Reason = r.str()
	if err := r.done(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendIdentity(b []byte, id packet.Identity) []byte {
	b = appendString(b, id.SourceChain)
	b = appendString(b, id.DestChain)
	b = appendString(b, id.Channel)
	return binary.BigEndian.AppendUint64(b, id.Sequence)
}

// reader consumes big-endian fields and remembers the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = errTruncated
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[:n])
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) str() string { return string(r.bytes(int(r.u16()))) }

func (r *reader) identity() packet.Identity {
	return packet.Identity{
		SourceChain: r.str(),
		DestChain:   r.str(),
		Channel:     r.str(),
		Sequence:    r.u64(),
	}
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%d trailing bytes", len(r.b))
	}
	return nil
}
