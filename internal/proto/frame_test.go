package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

var testID = packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: 42}

func testProof() *PacketProof {
	return &PacketProof{
		Bundle: zk.Bundle{
			Proof:        bytes.Repeat([]byte{7}, zk.ProofSize),
			PublicInputs: zk.PublicInputs{Version: 1, Identity: testID, CommitmentHash: [32]byte{1, 2, 3}},
			CreatedAt:    time.Unix(1700000000, 5).UTC(),
		},
		SealedWitness: []byte("sealed"),
		SenderKey:     bytes.Repeat([]byte{9}, 32),
	}
}

func TestEnvelopeLayout(t *testing.T) {
	session := uuid.New()
	env, err := Seal(session, &Heartbeat{Seq: 3, SentAt: time.Unix(0, 10)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))
	raw := buf.Bytes()

	require.Len(t, raw, 4+HeaderSize+16)
	assert.Equal(t, uint32(HeaderSize+16), binary.BigEndian.Uint32(raw[:4]))
	assert.Equal(t, byte(ProtocolVersion), raw[4])
	assert.Equal(t, byte(TypeHeartbeat), raw[5])
	assert.Equal(t, session[:], raw[6:22])
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(raw[22:30]))
	assert.Equal(t, uint64(10), binary.BigEndian.Uint64(raw[30:38]))
}

func TestPacketProofThroughEnvelope(t *testing.T) {
	in := testProof()
	env, err := Seal(uuid.New(), in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))
	got, err := ReadEnvelope(&buf, MaxFrameSize(0))
	require.NoError(t, err)
	assert.Equal(t, env.Session, got.Session)

	msg, err := Open(got)
	require.NoError(t, err)
	out, ok := msg.(*PacketProof)
	require.True(t, ok)
	assert.Equal(t, in, out)
	assert.NoError(t, ValidatePacketProof(out, DefaultMaxPayload))
}

func TestAckThroughEnvelope(t *testing.T) {
	in := &Ack{Identity: testID, Status: AckRejected, Reason: "bad proof"}
	env, err := Seal(uuid.New(), in)
	require.NoError(t, err)
	msg, err := Open(env)
	require.NoError(t, err)
	assert.Equal(t, in, msg)
}

func TestReadEnvelopeLimits(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteEnvelope(&buf, &Envelope{Type: TypeAck, Payload: make([]byte, 100)}))
		_, err := ReadEnvelope(&buf, 64)
		assert.True(t, errors.Is(err, ErrFrameTooLarge))
	})
	t.Run("bad version", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteEnvelope(&buf, &Envelope{Type: TypeAck}))
		raw := buf.Bytes()
		raw[4] = 9
		_, err := ReadEnvelope(bytes.NewReader(raw), 1024)
		assert.True(t, errors.Is(err, ErrVersion))
	})
	t.Run("unknown type", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteEnvelope(&buf, &Envelope{Type: 42}))
		_, err := ReadEnvelope(&buf, 1024)
		assert.True(t, errors.Is(err, ErrUnknownType))
	})
	t.Run("short", func(t *testing.T) {
		raw := binary.BigEndian.AppendUint32(nil, 3)
		raw = append(raw, 1, 2, 3)
		_, err := ReadEnvelope(bytes.NewReader(raw), 1024)
		assert.True(t, errors.Is(err, ErrShortFrame))
	})
}

func TestTruncatedPayload(t *testing.T) {
	payload, err := testProof().MarshalBinary()
	require.NoError(t, err)
	var p PacketProof
	assert.Error(t, p.UnmarshalBinary(payload[:len(payload)-1]))
	assert.Error(t, p.UnmarshalBinary(append(payload, 0)))
}

func TestValidatePacketProof(t *testing.T) {
	p := testProof()
	p.Bundle.Proof = p.Bundle.Proof[:10]
	assert.Error(t, ValidatePacketProof(p, 0))

	p = testProof()
	p.SealedWitness = make([]byte, 10+WitnessOverhead)
	assert.NoError(t, ValidatePacketProof(p, 10))
	p.SealedWitness = make([]byte, 11+WitnessOverhead)
	assert.Error(t, ValidatePacketProof(p, 10))

	p = testProof()
	p.Bundle.PublicInputs.Identity.Channel = strings.Repeat("c", MaxIdentityLen+1)
	assert.Error(t, ValidatePacketProof(p, 0))

	p = testProof()
	p.SenderKey = nil
	assert.Error(t, ValidatePacketProof(p, 0))
}

func TestLargestPacketProofFitsFrame(t *testing.T) {
	long := strings.Repeat("x", MaxIdentityLen)
	p := testProof()
	p.Bundle.PublicInputs.Identity = packet.Identity{SourceChain: long, DestChain: long, Channel: long, Sequence: 1}
	p.SealedWitness = make([]byte, MaxSealedWitness(0))
	require.NoError(t, ValidatePacketProof(p, 0))

	env, err := Seal(uuid.New(), p)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))
	got, err := ReadEnvelope(&buf, MaxFrameSize(0))
	require.NoError(t, err)
	msg, err := Open(got)
	require.NoError(t, err)
	assert.Equal(t, p.SealedWitness, msg.(*PacketProof).SealedWitness)
}
