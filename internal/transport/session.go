package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
)

// State is the liveness of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errSilent = errors.New("peer silent past heartbeat timeout")

type outbound struct {
	id  packet.Identity
	msg *proto.PacketProof
}

// Session delivers PacketProofs to one peer in order, at least once. Messages
// written but not yet acknowledged are resent first after a reconnect.
type Session struct {
	ID   uuid.UUID
	peer string
	m    *Manager
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	slots  chan struct{}

	mu       sync.Mutex
	state    State
	pending  []*outbound
	inflight []*outbound
	queued   map[packet.Identity]struct{}
	closeErr *TransportError
}

func newSession(m *Manager, peer string) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	id := uuid.New()
	return &Session{
		ID:     id,
		peer:   peer,
		m:      m,
		log:    m.log.With("peer", peer, "session", id.String()),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		slots:  make(chan struct{}, m.cfg.QueueSize),
		queued: make(map[packet.Identity]struct{}),
	}
}

// Peer returns the peer name the session was opened for.
func (s *Session) Peer() string { return s.peer }

// State returns the current liveness state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queued returns the number of messages not yet written and the number
// written but not yet acknowledged.
func (s *Session) Queued() (pending, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.inflight)
}

// Close shuts the session down and reports any undelivered identities.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) closedErr() *TransportError {
	if s.closeErr != nil {
		return s.closeErr
	}
	return &TransportError{Kind: SessionClosed, Peer: s.peer}
}

// enqueue accepts p for delivery. A packet already queued on this session is
// accepted without being queued twice.
func (s *Session) enqueue(ctx context.Context, p *proto.PacketProof) error {
	id := p.Identity()
	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closedErr()
		s.mu.Unlock()
		return err
	}
	if _, dup := s.queued[id]; dup {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return &TransportError{Kind: Timeout, Peer: s.peer, Err: ctx.Err()}
	case <-s.done:
		return s.closedErr()
	}

	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closedErr()
		s.mu.Unlock()
		<-s.slots
		return err
	}
	if _, dup := s.queued[id]; dup {
		s.mu.Unlock()
		<-s.slots
		return nil
	}
	s.queued[id] = struct{}{}
	s.pending = append(s.pending, &outbound{id: id, msg: p})
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	cfg := s.m.cfg
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if s.ctx.Err() != nil {
			s.finish(SessionClosed, s.ctx.Err())
			return
		}
		link, err := s.dial()
		if err != nil {
			failures++
			if failures > cfg.ReconnectAttempts {
				s.finish(PeerUnreachable, err)
				return
			}
			s.log.Debug("dial failed", "attempt", failures, "err", err)
			if !s.sleep(bo.NextBackOff()) {
				s.finish(SessionClosed, s.ctx.Err())
				return
			}
			continue
		}

		s.activate()
		s.log.Info("session active", "remote", link.RemoteAddr())
		fl := &framedLink{link: link, maxFrame: proto.MaxFrameSize(cfg.MaxPayload), session: s.ID}
		heard := false
		err = serveLink(s.ctx, fl, cfg, func(m proto.Message) {
			heard = true
			s.onFrame(fl, m)
		}, func() error { return s.flush(fl) }, s.wake)

		if s.ctx.Err() != nil {
			s.finish(SessionClosed, s.ctx.Err())
			return
		}
		if errors.Is(err, ErrPeerClosed) {
			s.finish(PeerUnreachable, err)
			return
		}
		s.setState(StateDegraded)
		s.log.Warn("session degraded", "err", err)
		if heard {
			failures = 0
			bo.Reset()
		} else {
			failures++
			if failures > cfg.ReconnectAttempts {
				s.finish(PeerUnreachable, err)
				return
			}
		}
		if !s.sleep(bo.NextBackOff()) {
			s.finish(SessionClosed, s.ctx.Err())
			return
		}
	}
}

func (s *Session) dial() (Link, error) {
	addr, err := s.m.resolver.Resolve(s.peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.HeartbeatTimeout)
	defer cancel()
	return s.m.dialer.Dial(ctx, addr)
}

func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// activate marks the session live and puts unacknowledged messages back at
// the head of the queue, in their original order.
func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	if len(s.inflight) > 0 {
		s.pending = append(s.inflight, s.pending...)
		s.inflight = nil
	}
}

func (s *Session) flush(fl *framedLink) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		ob := s.pending[0]
		s.pending = s.pending[1:]
		s.inflight = append(s.inflight, ob)
		s.mu.Unlock()
		if err := fl.send(ob.msg); err != nil {
			return err
		}
	}
}

func (s *Session) onFrame(fl *framedLink, m proto.Message) {
	switch m := m.(type) {
	case *proto.Ack:
		s.ack(m)
	case *proto.PacketProof:
		s.m.deliver(fl, s.peer, m)
	case *proto.Heartbeat:
	}
}

func (s *Session) ack(a *proto.Ack) {
	s.mu.Lock()
	found := false
	for i, ob := range s.inflight {
		if ob.id == a.Identity {
			s.inflight = append(s.inflight[:i:i], s.inflight[i+1:]...)
			found = true
			break
		}
	}
	if found {
		delete(s.queued, a.Identity)
	}
	s.mu.Unlock()
	if !found {
		return
	}
	<-s.slots
	s.m.delivered(Delivery{Peer: s.peer, Identity: a.Identity, Status: a.Status, Reason: a.Reason})
	if a.Status == proto.AckRejected {
		s.log.Warn("peer rejected packet proof", "id", a.Identity.String(), "reason", a.Reason)
	} else {
		s.log.Debug("packet proof acknowledged", "id", a.Identity.String(), "status", a.Status.String())
	}
}

func (s *Session) finish(kind ErrorKind, err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	te := &TransportError{Kind: kind, Peer: s.peer, Err: err}
	s.closeErr = te
	var ids []packet.Identity
	for _, ob := range s.inflight {
		ids = append(ids, ob.id)
	}
	for _, ob := range s.pending {
		ids = append(ids, ob.id)
	}
	s.inflight, s.pending = nil, nil
	s.queued = make(map[packet.Identity]struct{})
	s.mu.Unlock()

	s.m.forget(s)
	if kind == PeerUnreachable {
		s.log.Error("session closed", "err", te, "lost", len(ids))
	} else {
		s.log.Info("session closed", "lost", len(ids))
	}
	if len(ids) > 0 {
		s.m.fail(Failure{Peer: s.peer, Identities: ids, Err: te})
	}
}

// serveLink pumps frames on one link until it fails, ctx ends, or the peer
// stays silent past the heartbeat timeout. The link is closed on return.
// flush and wake may be nil.
func serveLink(ctx context.Context, fl *framedLink, cfg Config, onFrame func(proto.Message), flush func() error, wake <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		fl.close()
	}()

	frames := make(chan proto.Message, 16)
	errc := make(chan error, 1)
	go func() {
		for {
			m, _, err := fl.recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	hb := time.NewTicker(cfg.HeartbeatInterval)
	defer hb.Stop()
	lastSeen := time.Now()
	var seq uint64
	for {
		if flush != nil {
			if err := flush(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case m := <-frames:
			lastSeen = time.Now()
			onFrame(m)
		case err := <-errc:
			// Frames read before the error still count.
			for {
				select {
				case m := <-frames:
					onFrame(m)
				default:
					return err
				}
			}
		case now := <-hb.C:
			if now.Sub(lastSeen) > cfg.HeartbeatTimeout {
				return errSilent
			}
			seq++
			if err := fl.send(&proto.Heartbeat{Seq: seq, SentAt: now}); err != nil {
				return err
			}
		}
	}
}
