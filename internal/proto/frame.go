// Package proto defines the relayer-to-relayer wire format. Every frame is a
// 4-byte big-endian length followed by a fixed envelope header and a
// type-specific binary payload.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// ProtocolVersion is the only envelope version this build speaks.
const ProtocolVersion = 1

// MsgType selects the payload codec.
type MsgType uint8

const (
	TypePacketProof MsgType = 1
	TypeHeartbeat   MsgType = 2
	TypeAck         MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case TypePacketProof:
		return "packet_proof"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// HeaderSize is version + type + session id.
const HeaderSize = 1 + 1 + 16

// DefaultMaxPayload bounds the packet data sealed into a PacketProof.
const DefaultMaxPayload = packet.DefaultMaxData

// MaxIdentityLen bounds each identity string of a PacketProof.
const MaxIdentityLen = 256

// WitnessOverhead is the largest sealed witness size beyond its packet data:
// box overhead, salt, four length-prefixed commitment fields and the data
// length prefix.
const WitnessOverhead = crypto.Overhead + 32 + 4*(2+packet.MaxFieldLen) + 4

// packetProofOverhead covers the fixed fields and length prefixes of a
// PacketProof around its sealed witness.
const packetProofOverhead = 3*(2+MaxIdentityLen) + 8 + 2 + 2 + 160 + 32 + 8 + 4 + 2 + 32

// MaxSealedWitness returns the largest sealed witness carrying at most
// maxPayload bytes of packet data.
func MaxSealedWitness(maxPayload int) int {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return maxPayload + WitnessOverhead
}

// MaxFrameSize returns the largest envelope accepted when packet data is
// limited to maxPayload bytes.
func MaxFrameSize(maxPayload int) int {
	return HeaderSize + packetProofOverhead + MaxSealedWitness(maxPayload)
}

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrVersion       = errors.New("unsupported protocol version")
	ErrUnknownType   = errors.New("unknown message type")
	ErrShortFrame    = errors.New("frame too short")
)

// Envelope is one decoded frame.
type Envelope struct {
	Type    MsgType
	Session uuid.UUID
	Payload []byte
}

// WriteEnvelope encodes e with its length prefix in a single write.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	n := HeaderSize + len(e.Payload)
	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[4] = ProtocolVersion
	buf[5] = byte(e.Type)
	copy(buf[6:22], e.Session[:])
	copy(buf[22:], e.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadEnvelope reads one frame, rejecting any larger than maxSize.
func ReadEnvelope(r io.Reader, maxSize int) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	if length < HeaderSize {
		return nil, ErrShortFrame
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, data[0])
	}
	e := &Envelope{Type: MsgType(data[1]), Payload: data[HeaderSize:]}
	copy(e.Session[:], data[2:18])
	switch e.Type {
	case TypePacketProof, TypeHeartbeat, TypeAck:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, data[1])
	}
	return e, nil
}
