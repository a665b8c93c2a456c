package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// ErrInvalidProof is returned for a bundle that does not verify.
var ErrInvalidProof = errors.New("proof does not verify")

// VerifiedProof is an inbound proof that passed verification.
type VerifiedProof struct {
	Proof      *proto.PacketProof
	Peer       string
	ReceivedAt time.Time
}

// Receiver verifies PacketProofs arriving from peer relayers and answers
// each with an Ack. A proof for a packet already accepted is acknowledged
// as a duplicate and not delivered again.
type Receiver struct {
	ring  *zk.KeyRing
	allow func(packet.Identity) bool
	log   *slog.Logger

	mu       sync.Mutex
	seen     map[packet.Identity]struct{}
	order    []packet.Identity
	capacity int
}

// NewReceiver returns a receiver remembering up to capacity accepted
// packets. allow filters the lanes accepted; nil accepts every lane.
func NewReceiver(ring *zk.KeyRing, capacity int, allow func(packet.Identity) bool, logger *slog.Logger) *Receiver {
	if capacity <= 0 {
		capacity = 65536
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		ring:     ring,
		allow:    allow,
		log:      logger.With("component", "receiver"),
		seen:     make(map[packet.Identity]struct{}),
		capacity: capacity,
	}
}

// Check verifies p and returns the Ack status it deserves.
func (r *Receiver) Check(p *proto.PacketProof) (proto.AckStatus, error) {
	id := p.Identity()
	r.mu.Lock()
	_, dup := r.seen[id]
	r.mu.Unlock()
	if dup {
		return proto.AckDuplicate, nil
	}
	if r.allow != nil && !r.allow(id) {
		return proto.AckRejected, errors.New("lane not accepted: " + id.Lane())
	}
	ok, err := r.ring.VerifyFor(&p.Bundle, id)
	if err != nil {
		return proto.AckRejected, err
	}
	if !ok {
		return proto.AckRejected, ErrInvalidProof
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return proto.AckDuplicate, nil
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.capacity {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return proto.AckAccepted, nil
}

// Handle checks an inbound proof, replies to the sender and reports whether
// the proof should be delivered.
func (r *Receiver) Handle(in transport.Inbound) (*VerifiedProof, bool) {
	status, err := r.Check(in.Proof)
	reason := ""
	if err != nil {
		reason = err.Error()
		r.log.Warn("rejected proof", "id", in.Proof.Identity().String(), "peer", in.Peer, "err", err)
	}
	if rerr := in.Reply(status, reason); rerr != nil {
		r.log.Debug("ack not sent", "peer", in.Peer, "err", rerr)
	}
	if status != proto.AckAccepted {
		return nil, false
	}
	return &VerifiedProof{Proof: in.Proof, Peer: in.Peer, ReceivedAt: time.Now()}, true
}

// Run handles inbound proofs until ctx is done or inbound is closed.
func (r *Receiver) Run(ctx context.Context, inbound <-chan transport.Inbound, deliver func(VerifiedProof)) {
	for {
		select {
		case in, ok := <-inbound:
			if !ok {
				return
			}
			if vp, ok := r.Handle(in); ok {
				deliver(*vp)
			}
		case <-ctx.Done():
			return
		}
	}
}
