package relay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

func TestLargestWitnessFitsFrame(t *testing.T) {
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	field := strings.Repeat("f", packet.MaxFieldLen)
	w, err := zk.NewWitness(packet.Commitment{Sender: field, Receiver: field, Amount: strings.Repeat("9", packet.MaxFieldLen), Denom: field})
	require.NoError(t, err)
	sw := SealedWitness{Witness: w, Data: bytes.Repeat([]byte{'d'}, packet.DefaultMaxData)}
	sealed, senderKey, err := SealWitness(sw, recipient.Public, sender)
	require.NoError(t, err)
	assert.Len(t, sealed, proto.MaxSealedWitness(0))

	pk := testKeys(t, 1)
	p := &proto.PacketProof{Bundle: *testBundle(t, testID, pk), SealedWitness: sealed, SenderKey: senderKey}
	require.NoError(t, proto.ValidatePacketProof(p, 0))
	env, err := proto.Seal(uuid.New(), p)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, proto.WriteEnvelope(&buf, env))
	got, err := proto.ReadEnvelope(&buf, proto.MaxFrameSize(0))
	require.NoError(t, err)
	msg, err := proto.Open(got)
	require.NoError(t, err)

	in := msg.(*proto.PacketProof)
	opened, err := OpenWitness(in.SealedWitness, in.SenderKey, recipient)
	require.NoError(t, err)
	assert.Equal(t, sw.Witness, opened.Witness)
	assert.Equal(t, sw.Data, opened.Data)
}

func TestSealWitnessRejectsLongField(t *testing.T) {
	recipient, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cm := testCm
	cm.Denom = strings.Repeat("u", packet.MaxFieldLen+1)
	_, _, err = SealWitness(SealedWitness{Witness: zk.Witness{Commitment: cm}}, recipient.Public, sender)
	assert.Error(t, err)
}

func TestWitnessUnmarshalRejectsTrailingBytes(t *testing.T) {
	w, err := zk.NewWitness(testCm)
	require.NoError(t, err)
	raw, err := SealedWitness{Witness: w, Data: []byte("data")}.MarshalBinary()
	require.NoError(t, err)

	var out SealedWitness
	require.NoError(t, out.UnmarshalBinary(raw))
	assert.Equal(t, w, out.Witness)
	assert.Error(t, out.UnmarshalBinary(append(raw, 0)))
	assert.Error(t, out.UnmarshalBinary(raw[:len(raw)-1]))
}
