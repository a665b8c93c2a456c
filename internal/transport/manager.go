// Package transport carries PacketProofs between relayer instances over QUIC.
// A Manager keeps at most one live session per peer, reconnects with bounded
// backoff, and reports packets it could not deliver.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/proto"
)

// Config tunes sessions. Zero values select defaults.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectAttempts int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	QueueSize         int
	MaxPayload        int
	KeepAlive         time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = proto.DefaultMaxPayload
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = c.HeartbeatInterval
	}
}

// Inbound is a PacketProof received from a peer. Reply sends the Ack back on
// the link it arrived on.
type Inbound struct {
	Proof *proto.PacketProof
	Peer  string
	link  *framedLink
}

// Reply acknowledges the proof.
func (in Inbound) Reply(status proto.AckStatus, reason string) error {
	if in.link == nil {
		return errors.New("inbound has no link")
	}
	return in.link.send(&proto.Ack{Identity: in.Proof.Identity(), Status: status, Reason: reason})
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	Peer     string
	ID       uuid.UUID
	State    State
	Pending  int
	InFlight int
}

// Manager owns every session of this relayer.
type Manager struct {
	cfg      Config
	dialer   Dialer
	resolver Resolver
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	servers  []*Server
	closed   bool

	inbound    chan Inbound
	deliveries chan Delivery
	failures   chan Failure
	wg         sync.WaitGroup
}

// NewManager returns a manager that opens outbound sessions with dialer.
// A nil resolver dials peer names as addresses.
func NewManager(cfg Config, dialer Dialer, resolver Resolver, logger *slog.Logger) *Manager {
	cfg.setDefaults()
	if resolver == nil {
		resolver = passthroughResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		resolver: resolver,
		log:      logger.With("component", "transport"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		inbound:    make(chan Inbound, 256),
		deliveries: make(chan Delivery, 256),
		failures:   make(chan Failure, 256),
	}
}

// Inbound delivers PacketProofs received from peers.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Deliveries reports acknowledgements of sent proofs. Reports are dropped
// when nobody keeps up with the channel.
func (m *Manager) Deliveries() <-chan Delivery { return m.deliveries }

// Failures reports identities lost with sessions that closed.
func (m *Manager) Failures() <-chan Failure { return m.failures }

// Send queues p for peer. A nil error means the proof was accepted into the
// peer's session queue, not that the peer received it. Proofs the peer would
// reject as malformed or oversized fail with kind Invalid.
func (m *Manager) Send(ctx context.Context, peer string, p *proto.PacketProof) error {
	if err := proto.ValidatePacketProof(p, m.cfg.MaxPayload); err != nil {
		return &TransportError{Kind: Invalid, Peer: peer, Err: err}
	}
	for attempt := 0; attempt < 2; attempt++ {
		s, err := m.session(peer)
		if err != nil {
			return err
		}
		err = s.enqueue(ctx, p)
		if err == nil || !IsKind(err, SessionClosed) {
			return err
		}
		m.forget(s)
	}
	return &TransportError{Kind: SessionClosed, Peer: peer}
}

func (m *Manager) session(peer string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &TransportError{Kind: SessionClosed, Peer: peer}
	}
	if s, ok := m.sessions[peer]; ok && s.State() != StateClosed {
		return s, nil
	}
	s := newSession(m, peer)
	m.sessions[peer] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.peer]; ok && cur == s {
		delete(m.sessions, s.peer)
	}
}

func (m *Manager) fail(f Failure) {
	select {
	case m.failures <- f:
	case <-m.ctx.Done():
	}
}

func (m *Manager) delivered(d Delivery) {
	select {
	case m.deliveries <- d:
	default:
		m.log.Debug("delivery report dropped", "peer", d.Peer, "id", d.Identity.String())
	}
}

func (m *Manager) deliver(fl *framedLink, peer string, p *proto.PacketProof) {
	if err := proto.ValidatePacketProof(p, m.cfg.MaxPayload); err != nil {
		m.log.Warn("invalid packet proof", "peer", peer, "err", err)
		if err := fl.send(&proto.Ack{Identity: p.Identity(), Status: proto.AckRejected, Reason: err.Error()}); err != nil {
			m.log.Debug("ack failed", "peer", peer, "err", err)
		}
		return
	}
	select {
	case m.inbound <- Inbound{Proof: p, Peer: peer, link: fl}:
	case <-m.ctx.Done():
	}
}

// Session returns the live session for peer, if any.
func (m *Manager) Session(peer string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// Sessions snapshots every live session.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		p, f := s.Queued()
		out = append(out, SessionInfo{Peer: s.peer, ID: s.ID, State: s.State(), Pending: p, InFlight: f})
	}
	return out
}

// Listen accepts peer sessions over QUIC on addr and returns the bound address.
func (m *Manager) Listen(addr string) (string, error) {
	srv, err := ListenQUIC(m.ctx, addr, m.cfg.KeepAlive, func(c *Conn) { m.ServeLink(c) })
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.servers = append(m.servers, srv)
	m.mu.Unlock()
	m.log.Info("transport listening", "addr", srv.LocalAddr())
	return srv.LocalAddr(), nil
}

// ServeLink serves an accepted link until it fails or the manager closes.
func (m *Manager) ServeLink(link Link) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		link.Close()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	peer := link.RemoteAddr()
	fl := &framedLink{link: link, maxFrame: proto.MaxFrameSize(m.cfg.MaxPayload), session: uuid.New()}
	err := serveLink(m.ctx, fl, m.cfg, func(msg proto.Message) {
		if p, ok := msg.(*proto.PacketProof); ok {
			m.deliver(fl, peer, p)
		}
	}, nil, nil)
	if errors.Is(err, proto.ErrVersion) {
		if r, ok := link.(interface{ Reject(string) error }); ok {
			r.Reject(err.Error())
		}
	}
	m.log.Debug("inbound link closed", "peer", peer, "err", err)
}

// Close stops every session and listener.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	servers := m.servers
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
