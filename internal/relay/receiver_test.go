package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

func TestReceiverCheck(t *testing.T) {
	pk := testKeys(t, 1)
	r := NewReceiver(zk.NewKeyRing(pk), 0, nil, nil)
	p := &proto.PacketProof{Bundle: *testBundle(t, testID, pk)}

	status, err := r.Check(p)
	require.NoError(t, err)
	assert.Equal(t, proto.AckAccepted, status)

	status, err = r.Check(p)
	require.NoError(t, err)
	assert.Equal(t, proto.AckDuplicate, status)

	forged := &proto.PacketProof{Bundle: *testBundle(t, withSeq(testID, 43), pk)}
	forged.Bundle.PublicInputs.CommitmentHash[0] ^= 0xff
	status, err = r.Check(forged)
	assert.ErrorIs(t, err, ErrInvalidProof)
	assert.Equal(t, proto.AckRejected, status)
}

func TestReceiverRejectsUnknownVersion(t *testing.T) {
	r := NewReceiver(zk.NewKeyRing(testKeys(t, 1)), 0, nil, nil)
	p := &proto.PacketProof{Bundle: *testBundle(t, testID, testKeys(t, 5))}
	status, err := r.Check(p)
	assert.ErrorIs(t, err, zk.ErrUnknownVersion)
	assert.Equal(t, proto.AckRejected, status)
}

func TestReceiverLaneFilter(t *testing.T) {
	pk := testKeys(t, 1)
	allow := func(id packet.Identity) bool { return id.DestChain == "chain-B" }
	r := NewReceiver(zk.NewKeyRing(pk), 0, allow, nil)

	other := packet.Identity{SourceChain: "chain-A", DestChain: "chain-C", Channel: "channel-7", Sequence: 1}
	status, err := r.Check(&proto.PacketProof{Bundle: *testBundle(t, other, pk)})
	assert.Error(t, err)
	assert.Equal(t, proto.AckRejected, status)
}

func TestReceiverForgetsOldest(t *testing.T) {
	pk := testKeys(t, 1)
	r := NewReceiver(zk.NewKeyRing(pk), 2, nil, nil)
	proofs := make([]*proto.PacketProof, 3)
	for i := range proofs {
		proofs[i] = &proto.PacketProof{Bundle: *testBundle(t, withSeq(testID, uint64(i+1)), pk)}
		status, err := r.Check(proofs[i])
		require.NoError(t, err)
		require.Equal(t, proto.AckAccepted, status)
	}
	status, err := r.Check(proofs[0])
	require.NoError(t, err)
	assert.Equal(t, proto.AckAccepted, status)
}

func TestReceiverRunDeliversAccepted(t *testing.T) {
	pk := testKeys(t, 1)
	r := NewReceiver(zk.NewKeyRing(pk), 0, nil, nil)
	p := &proto.PacketProof{Bundle: *testBundle(t, testID, pk)}

	in := make(chan transport.Inbound, 2)
	in <- transport.Inbound{Proof: p, Peer: "relayer-a"}
	in <- transport.Inbound{Proof: p, Peer: "relayer-a"}
	close(in)

	var got []VerifiedProof
	r.Run(context.Background(), in, func(vp VerifiedProof) { got = append(got, vp) })
	require.Len(t, got, 1)
	assert.Equal(t, "relayer-a", got[0].Peer)
	assert.Equal(t, testID, got[0].Proof.Identity())
}
