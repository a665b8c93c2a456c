package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

const peerB = "relayer-b"

func testConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
		ReconnectAttempts: 3,
		BackoffInitial:    5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		QueueSize:         16,
	}
}

func proofFor(seq uint64) *proto.PacketProof {
	id := packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: seq}
	return &proto.PacketProof{Bundle: zk.Bundle{
		Proof:        bytes.Repeat([]byte{1}, zk.ProofSize),
		PublicInputs: zk.PublicInputs{Version: 1, Identity: id},
		CreatedAt:    time.Now().UTC(),
	}}
}

type pipeLink struct{ net.Conn }

func (pipeLink) RemoteAddr() string { return "pipe" }

// pipeNet dials in-memory links and hands the far ends to accepted.
type pipeNet struct {
	dials    atomic.Int32
	fail     atomic.Bool
	accepted chan net.Conn
}

func newPipeNet() *pipeNet {
	return &pipeNet{accepted: make(chan net.Conn, 16)}
}

func (p *pipeNet) Dial(ctx context.Context, addr string) (Link, error) {
	p.dials.Add(1)
	if p.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c, s := net.Pipe()
	p.accepted <- s
	return pipeLink{c}, nil
}

func (p *pipeNet) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

// fakePeer reads every frame from its end of a pipe.
type fakePeer struct {
	conn   net.Conn
	frames chan proto.Message
	wmu    sync.Mutex
}

func newFakePeer(conn net.Conn, echoHeartbeats bool) *fakePeer {
	p := &fakePeer{conn: conn, frames: make(chan proto.Message, 64)}
	go func() {
		defer close(p.frames)
		for {
			env, err := proto.ReadEnvelope(conn, proto.MaxFrameSize(0))
			if err != nil {
				return
			}
			m, err := proto.Open(env)
			if err != nil {
				return
			}
			if hb, ok := m.(*proto.Heartbeat); ok {
				if echoHeartbeats {
					p.write(hb)
				}
				continue
			}
			p.frames <- m
		}
	}()
	return p
}

func (p *fakePeer) write(m proto.Message) error {
	env, err := proto.Seal(uuid.Nil, m)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return proto.WriteEnvelope(p.conn, env)
}

func (p *fakePeer) nextSeq(t *testing.T) uint64 {
	t.Helper()
	select {
	case m, ok := <-p.frames:
		require.True(t, ok, "link closed")
		pp, ok := m.(*proto.PacketProof)
		require.True(t, ok)
		return pp.Identity().Sequence
	case <-time.After(2 * time.Second):
		t.Fatal("no packet proof received")
		return 0
	}
}

func (p *fakePeer) ack(t *testing.T, seq uint64) {
	t.Helper()
	require.NoError(t, p.write(&proto.Ack{Identity: proofFor(seq).Identity(), Status: proto.AckAccepted}))
}

func TestSessionResendsInFlightInOrderAfterReconnect(t *testing.T) {
	pn := newPipeNet()
	m := NewManager(testConfig(), pn, nil, nil)
	defer m.Close()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, m.Send(ctx, peerB, proofFor(seq)))
	}
	first := newFakePeer(pn.accept(t), true)
	for seq := uint64(1); seq <= 3; seq++ {
		assert.Equal(t, seq, first.nextSeq(t))
	}
	first.ack(t, 1)

	s, ok := m.Session(peerB)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, inflight := s.Queued()
		return inflight == 2
	}, time.Second, 5*time.Millisecond)

	first.conn.Close()
	require.NoError(t, m.Send(ctx, peerB, proofFor(4)))

	second := newFakePeer(pn.accept(t), true)
	for _, want := range []uint64{2, 3, 4} {
		assert.Equal(t, want, second.nextSeq(t))
	}
	same, ok := m.Session(peerB)
	require.True(t, ok)
	assert.Equal(t, s.ID, same.ID)
}

func TestSessionDuplicateSendQueuedOnce(t *testing.T) {
	pn := newPipeNet()
	m := NewManager(testConfig(), pn, nil, nil)
	defer m.Close()

	require.NoError(t, m.Send(context.Background(), peerB, proofFor(1)))
	require.NoError(t, m.Send(context.Background(), peerB, proofFor(1)))
	require.NoError(t, m.Send(context.Background(), peerB, proofFor(2)))

	peer := newFakePeer(pn.accept(t), true)
	assert.Equal(t, uint64(1), peer.nextSeq(t))
	assert.Equal(t, uint64(2), peer.nextSeq(t))
}

func TestHeartbeatsKeepIdleSessionActive(t *testing.T) {
	pn := newPipeNet()
	m := NewManager(testConfig(), pn, nil, nil)
	defer m.Close()

	require.NoError(t, m.Send(context.Background(), peerB, proofFor(1)))
	peer := newFakePeer(pn.accept(t), true)
	assert.Equal(t, uint64(1), peer.nextSeq(t))
	peer.ack(t, 1)

	time.Sleep(5 * testConfig().HeartbeatTimeout)
	s, ok := m.Session(peerB)
	require.True(t, ok)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, int32(1), pn.dials.Load())
}

func TestSilentPeerDegradesAndReconnects(t *testing.T) {
	pn := newPipeNet()
	m := NewManager(testConfig(), pn, nil, nil)
	defer m.Close()

	go func() {
		for c := range pn.accepted {
			newFakePeer(c, false)
		}
	}()
	require.NoError(t, m.Send(context.Background(), peerB, proofFor(1)))

	require.Eventually(t, func() bool { return pn.dials.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnreachablePeerReportsFailure(t *testing.T) {
	pn := newPipeNet()
	pn.fail.Store(true)
	m := NewManager(testConfig(), pn, nil, nil)
	defer m.Close()

	require.NoError(t, m.Send(context.Background(), peerB, proofFor(7)))

	select {
	case f := <-m.Failures():
		assert.Equal(t, peerB, f.Peer)
		assert.Equal(t, PeerUnreachable, f.Err.Kind)
		assert.True(t, IsKind(f.Err, PeerUnreachable))
		require.Len(t, f.Identities, 1)
		assert.Equal(t, uint64(7), f.Identities[0].Sequence)
	case <-time.After(3 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.Equal(t, int32(testConfig().ReconnectAttempts+1), pn.dials.Load())

	require.Eventually(t, func() bool {
		_, ok := m.Session(peerB)
		return !ok
	}, time.Second, 5*time.Millisecond)

	pn.fail.Store(false)
	require.NoError(t, m.Send(context.Background(), peerB, proofFor(8)))
	peer := newFakePeer(pn.accept(t), true)
	assert.Equal(t, uint64(8), peer.nextSeq(t))
}

func TestSendTimesOutWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	pn := newPipeNet()
	m := NewManager(cfg, pn, nil, nil)
	defer m.Close()

	require.NoError(t, m.Send(context.Background(), peerB, proofFor(1)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, peerB, proofFor(2))
	assert.True(t, IsKind(err, Timeout), "got %v", err)
}

func TestManagersExchangeProofAndAck(t *testing.T) {
	server := NewManager(testConfig(), nil, nil, nil)
	defer server.Close()

	dialer := DialerFunc(func(ctx context.Context, addr string) (Link, error) {
		c, s := net.Pipe()
		go server.ServeLink(pipeLink{s})
		return pipeLink{c}, nil
	})
	client := NewManager(testConfig(), dialer, nil, nil)
	defer client.Close()

	bad := proofFor(2)
	bad.Bundle.Proof = bad.Bundle.Proof[:8]
	require.NoError(t, client.Send(context.Background(), peerB, proofFor(1)))
	assert.True(t, IsKind(client.Send(context.Background(), peerB, bad), Invalid))

	select {
	case in := <-server.Inbound():
		assert.Equal(t, uint64(1), in.Proof.Identity().Sequence)
		require.NoError(t, in.Reply(proto.AckAccepted, ""))
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound proof")
	}

	s, ok := client.Session(peerB)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		pending, inflight := s.Queued()
		return pending == 0 && inflight == 0
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case d := <-client.Deliveries():
		assert.Equal(t, peerB, d.Peer)
		assert.Equal(t, uint64(1), d.Identity.Sequence)
		assert.Equal(t, proto.AckAccepted, d.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery report")
	}

	select {
	case in := <-server.Inbound():
		t.Fatalf("invalid proof delivered: %v", in.Proof.Identity())
	default:
	}
}

func TestSendRejectsOversizedWitness(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayload = 16
	pn := newPipeNet()
	m := NewManager(cfg, pn, nil, nil)
	defer m.Close()

	p := proofFor(1)
	p.SenderKey = bytes.Repeat([]byte{2}, 32)
	p.SealedWitness = make([]byte, proto.MaxSealedWitness(16)+1)
	err := m.Send(context.Background(), peerB, p)
	assert.True(t, IsKind(err, Invalid))
	_, ok := m.Session(peerB)
	assert.False(t, ok)
	assert.Zero(t, pn.dials.Load())

	p.SealedWitness = p.SealedWitness[:proto.MaxSealedWitness(16)]
	assert.NoError(t, m.Send(context.Background(), peerB, p))
}

func TestServerRejectsInvalidProof(t *testing.T) {
	server := NewManager(testConfig(), nil, nil, nil)
	defer server.Close()
	c, srv := net.Pipe()
	defer c.Close()
	go server.ServeLink(pipeLink{srv})

	bad := proofFor(3)
	bad.Bundle.Proof = bad.Bundle.Proof[:8]
	env, err := proto.Seal(uuid.New(), bad)
	require.NoError(t, err)
	require.NoError(t, proto.WriteEnvelope(c, env))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack *proto.Ack
	for ack == nil {
		got, err := proto.ReadEnvelope(c, proto.MaxFrameSize(0))
		require.NoError(t, err)
		msg, err := proto.Open(got)
		require.NoError(t, err)
		// Heartbeats may arrive first.
		ack, _ = msg.(*proto.Ack)
	}
	assert.Equal(t, proto.AckRejected, ack.Status)
	assert.Equal(t, uint64(3), ack.Identity.Sequence)
}

func TestSendAfterCloseFails(t *testing.T) {
	m := NewManager(testConfig(), newPipeNet(), nil, nil)
	require.NoError(t, m.Close())
	err := m.Send(context.Background(), peerB, proofFor(1))
	assert.True(t, IsKind(err, SessionClosed))
}
