// Package discovery finds peer relayers on the local network over mDNS and
// resolves their node names to QUIC addresses.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_aerorelay._udp"
	Domain      = "local."
)

// Peer is a relayer seen on the local network.
type Peer struct {
	Name string
	Addr string
}

// Registry maps node names to addresses. It implements transport.Resolver.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]string)}
}

// Add records or updates a peer.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.Name] = p.Addr
}

// Peers returns a snapshot of the known peers.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for n, a := range r.peers {
		out = append(out, Peer{Name: n, Addr: a})
	}
	return out
}

// Resolve returns the address of a discovered node name. A peer given as
// host:port is returned unchanged.
func (r *Registry) Resolve(peer string) (string, error) {
	r.mu.RLock()
	addr, ok := r.peers[peer]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer, nil
	}
	return "", fmt.Errorf("peer %q not discovered", peer)
}

// Discovery publishes this node and browses for other relayers.
type Discovery struct {
	client *zeroconf.Client
}

// New publishes nodeName on port and adds every relayer found to reg.
func New(nodeName string, port int, reg *Registry, logger *slog.Logger) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	if logger == nil {
		logger = slog.Default()
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, nodeName, uint16(port))

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			if e.Name == nodeName {
				return
			}
			if p, ok := peerFromEvent(e); ok {
				logger.Debug("peer discovered", "peer", p.Name, "addr", p.Addr)
				reg.Add(p)
			}
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// peerFromEvent prefers an IPv4 address.
func peerFromEvent(e zeroconf.Event) (Peer, bool) {
	addr := ""
	for _, a := range e.Addrs {
		if !a.IsValid() {
			continue
		}
		hp := net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port)))
		if addr == "" || a.Is4() {
			addr = hp
		}
		if a.Is4() {
			break
		}
	}
	if addr == "" {
		return Peer{}, false
	}
	return Peer{Name: e.Name, Addr: addr}, true
}

// Close stops discovery.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
