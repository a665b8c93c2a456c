// Package client is the verifying peer SDK: it accepts PacketProofs from
// relayers, verifies them against a proof key ring, acknowledges each one and
// delivers every verified packet once on Proofs().
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

const (
	// DefaultProofBuffer is the buffer size for the Proofs() channel.
	DefaultProofBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// VerifiedProof is a proof that passed verification.
type VerifiedProof = relay.VerifiedProof

// Config configures the client.
type Config struct {
	// ListenAddr is the local QUIC listen address (e.g. ":4242"). Empty
	// starts no listener; feed links with ServeLink instead.
	ListenAddr string
	// Keys verifies proofs. If nil, keys are loaded from KeyDir.
	Keys   *zk.KeyRing
	KeyDir string
	// Lanes limits the accepted lanes; empty accepts all.
	Lanes []string
	// BoxKey opens sealed witnesses addressed to this client.
	BoxKey *crypto.KeyPair
	// ReplayCapacity bounds how many accepted identities are remembered.
	ReplayCapacity int
	// ProofBuffer sets the capacity of Proofs(); 0 uses DefaultProofBuffer.
	ProofBuffer int
	Transport   transport.Config
	Logger      *slog.Logger
}

// Client receives and verifies proofs. Read them from Proofs().
type Client struct {
	mgr    *transport.Manager
	recv   *relay.Receiver
	box    *crypto.KeyPair
	addr   string
	proofs chan VerifiedProof

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// New starts a client. ctx bounds the client's lifetime as well as Close.
func New(ctx context.Context, cfg Config) (*Client, error) {
	ring := cfg.Keys
	if ring == nil {
		if cfg.KeyDir == "" {
			return nil, errors.New("client: Keys or KeyDir is required")
		}
		var err error
		if ring, err = zk.LoadKeyRing(cfg.KeyDir); err != nil {
			return nil, err
		}
	}
	var allow func(packet.Identity) bool
	if len(cfg.Lanes) > 0 {
		lanes := make(map[string]bool, len(cfg.Lanes))
		for _, l := range cfg.Lanes {
			lanes[l] = true
		}
		allow = func(id packet.Identity) bool { return lanes[id.Lane()] }
	}
	buf := cfg.ProofBuffer
	if buf <= 0 {
		buf = DefaultProofBuffer
	}

	mgr := transport.NewManager(cfg.Transport, nil, nil, cfg.Logger)
	c := &Client{
		mgr:    mgr,
		recv:   relay.NewReceiver(ring, cfg.ReplayCapacity, allow, cfg.Logger),
		box:    cfg.BoxKey,
		proofs: make(chan VerifiedProof, buf),
		done:   make(chan struct{}),
	}
	if cfg.ListenAddr != "" {
		addr, err := mgr.Listen(cfg.ListenAddr)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		c.addr = addr
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.recv.Run(ctx, mgr.Inbound(), func(vp VerifiedProof) {
			select {
			case c.proofs <- vp:
			case <-ctx.Done():
			}
		})
	}()
	return c, nil
}

// Proofs returns the channel of verified proofs. It is closed by Close.
func (c *Client) Proofs() <-chan VerifiedProof {
	return c.proofs
}

// Addr returns the QUIC listen address, or "" without a listener.
func (c *Client) Addr() string {
	return c.addr
}

// ServeLink serves an already established link, e.g. an in-memory pipe.
func (c *Client) ServeLink(link transport.Link) {
	c.mgr.ServeLink(link)
}

// OpenWitness decrypts the sealed witness carried by vp.
func (c *Client) OpenWitness(vp VerifiedProof) (*relay.SealedWitness, error) {
	if c.box == nil {
		return nil, errors.New("client: no box key configured")
	}
	if len(vp.Proof.SealedWitness) == 0 {
		return nil, errors.New("client: proof carries no witness")
	}
	return relay.OpenWitness(vp.Proof.SealedWitness, vp.Proof.SenderKey, c.box)
}

// Close stops the client and closes the Proofs() channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.mgr.Close()
	<-c.done
	close(c.proofs)
	return err
}
