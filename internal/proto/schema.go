package proto

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// Message is any payload that can ride in an envelope.
type Message interface {
	encoding.BinaryMarshaler
	Type() MsgType
}

func (*PacketProof) Type() MsgType { return TypePacketProof }
func (*Heartbeat) Type() MsgType   { return TypeHeartbeat }
func (*Ack) Type() MsgType         { return TypeAck }

// Seal wraps m in an envelope for session.
func Seal(session uuid.UUID, m Message) (*Envelope, error) {
	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: m.Type(), Session: session, Payload: payload}, nil
}

// Open decodes the envelope payload into its typed message.
func Open(e *Envelope) (Message, error) {
	switch e.Type {
	case TypePacketProof:
		var p PacketProof
		if err := p.UnmarshalBinary(e.Payload); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeHeartbeat:
		var h Heartbeat
		if err := h.UnmarshalBinary(e.Payload); err != nil {
			return nil, err
		}
		return &h, nil
	case TypeAck:
		var a Ack
		if err := a.UnmarshalBinary(e.Payload); err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(e.Type))
	}
}

// ValidatePacketProof checks the structural rules a receiver enforces before
// spending time on verification. maxPayload bounds the packet data inside the
// sealed witness; non-positive selects DefaultMaxPayload.
func ValidatePacketProof(p *PacketProof, maxPayload int) error {
	id := p.Identity()
	if id.SourceChain == "" || id.DestChain == "" || id.Channel == "" {
		return errors.New("packet proof: incomplete identity")
	}
	for _, s := range []string{id.SourceChain, id.DestChain, id.Channel} {
		if len(s) > MaxIdentityLen {
			return fmt.Errorf("packet proof: identity field longer than %d bytes", MaxIdentityLen)
		}
	}
	if id.Sequence == 0 {
		return errors.New("packet proof: zero sequence")
	}
	if p.Bundle.PublicInputs.Version == 0 {
		return errors.New("packet proof: missing version")
	}
	if len(p.Bundle.Proof) != zk.ProofSize {
		return fmt.Errorf("packet proof: proof is %d bytes, want %d", len(p.Bundle.Proof), zk.ProofSize)
	}
	if limit := MaxSealedWitness(maxPayload); len(p.SealedWitness) > limit {
		return fmt.Errorf("packet proof: sealed payload %d exceeds %d", len(p.SealedWitness), limit)
	}
	if n := len(p.SenderKey); n != 0 && n != 32 {
		return fmt.Errorf("packet proof: sender key is %d bytes", n)
	}
	if n := len(p.SealedWitness); n != 0 && len(p.SenderKey) == 0 {
		return errors.New("packet proof: sealed payload without sender key")
	}
	return nil
}
