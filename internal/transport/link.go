package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
)

// Link is one ordered, reliable byte stream to a peer.
type Link interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Dialer opens links to peer addresses.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Link, error) { return f(ctx, addr) }

// Resolver maps a configured peer name to a dialable address.
type Resolver interface {
	Resolve(peer string) (string, error)
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(peer string) (string, error) { return peer, nil }

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// Timeout means the message was not accepted before the caller's deadline.
	Timeout ErrorKind = iota + 1
	// PeerUnreachable means no session to the peer could be kept up.
	PeerUnreachable
	// SessionClosed means the session or manager was shut down.
	SessionClosed
	// Invalid means the message can never be sent; retrying will not help.
	Invalid
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case PeerUnreachable:
		return "peer unreachable"
	case SessionClosed:
		return "session closed"
	case Invalid:
		return "invalid message"
	default:
		return "unknown"
	}
}

// TransportError is returned by Manager.Send and carried in Failure.
type TransportError struct {
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Peer, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Peer, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsKind reports whether err is a TransportError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == k
}

// ErrPeerClosed matches errors raised when the peer closes a session with an
// application error.
var ErrPeerClosed = errors.New("peer closed session")

type peerClosedError struct{ reason string }

func (e *peerClosedError) Error() string { return "peer closed session: " + e.reason }
func (e *peerClosedError) Is(target error) bool {
	return target == ErrPeerClosed
}

// Delivery reports a peer's acknowledgement of a PacketProof.
type Delivery struct {
	Peer     string
	Identity packet.Identity
	Status   proto.AckStatus
	Reason   string
}

// Failure reports packets lost with a session that could not be recovered.
type Failure struct {
	Peer       string
	Identities []packet.Identity
	Err        *TransportError
}

// framedLink serializes envelope writes on a link.
type framedLink struct {
	link      Link
	maxFrame  int
	wmu       sync.Mutex
	session   uuid.UUID
	closeOnce sync.Once
}

func (f *framedLink) close() {
	f.closeOnce.Do(func() { f.link.Close() })
}

func (f *framedLink) send(m proto.Message) error {
	env, err := proto.Seal(f.session, m)
	if err != nil {
		return err
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return proto.WriteEnvelope(f.link, env)
}

func (f *framedLink) recv() (proto.Message, uuid.UUID, error) {
	env, err := proto.ReadEnvelope(f.link, f.maxFrame)
	if err != nil {
		return nil, uuid.Nil, err
	}
	m, err := proto.Open(env)
	if err != nil {
		return nil, env.Session, err
	}
	return m, env.Session, nil
}
