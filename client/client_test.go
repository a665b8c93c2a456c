package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

var (
	testID = packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: 42}
	testCm = packet.Commitment{Sender: "cosmos1sender", Receiver: "osmo1receiver", Amount: "100", Denom: "uatom"}
)

type pipeLink struct{ net.Conn }

func (pipeLink) RemoteAddr() string { return "pipe" }

func fastTransport() transport.Config {
	return transport.Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		BackoffInitial:    5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
	}
}

func TestClientVerifiesAndDeduplicates(t *testing.T) {
	pk, err := zk.GenerateKeys(1, nil)
	require.NoError(t, err)
	box, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	relayerBox, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c, err := New(context.Background(), Config{Keys: zk.NewKeyRing(pk), BoxKey: box, Transport: fastTransport()})
	require.NoError(t, err)
	defer c.Close()

	sender := transport.NewManager(fastTransport(), transport.DialerFunc(func(ctx context.Context, addr string) (transport.Link, error) {
		a, b := net.Pipe()
		go c.ServeLink(pipeLink{b})
		return pipeLink{a}, nil
	}), nil, nil)
	defer sender.Close()

	w, err := zk.NewWitness(testCm)
	require.NoError(t, err)
	bundle, err := zk.Prove(w, zk.NewPublicInputs(1, testID, w), pk)
	require.NoError(t, err)
	sealed, senderKey, err := relay.SealWitness(relay.SealedWitness{Witness: w}, box.Public, relayerBox)
	require.NoError(t, err)
	p := &proto.PacketProof{Bundle: *bundle, SealedWitness: sealed, SenderKey: senderKey}

	require.NoError(t, sender.Send(context.Background(), "client", p))
	var vp VerifiedProof
	select {
	case vp = <-c.Proofs():
	case <-time.After(2 * time.Second):
		t.Fatal("no verified proof")
	}
	assert.Equal(t, testID, vp.Proof.Identity())

	opened, err := c.OpenWitness(vp)
	require.NoError(t, err)
	assert.Equal(t, testCm, opened.Witness.Commitment)

	// A resend is acked as duplicate and not delivered again.
	require.NoError(t, sender.Send(context.Background(), "client", p))
	s, ok := sender.Session("client")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		pending, inflight := s.Queued()
		return pending == 0 && inflight == 0
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case dup := <-c.Proofs():
		t.Fatalf("duplicate delivered: %v", dup.Proof.Identity())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestCloseClosesProofs(t *testing.T) {
	pk, err := zk.GenerateKeys(1, nil)
	require.NoError(t, err)
	c, err := New(context.Background(), Config{Keys: zk.NewKeyRing(pk)})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, ok := <-c.Proofs()
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}
