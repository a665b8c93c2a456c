package relay

import (
	"context"
	"slices"
	"sync"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// workQueue is an unbounded FIFO of identities awaiting evaluation. An
// identity is queued at most once at a time.
type workQueue struct {
	mu    sync.Mutex
	items []packet.Identity
	set   map[packet.Identity]struct{}
	ready chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{set: make(map[packet.Identity]struct{}), ready: make(chan struct{}, 1)}
}

func (q *workQueue) push(id packet.Identity) {
	q.mu.Lock()
	if _, ok := q.set[id]; ok {
		q.mu.Unlock()
		return
	}
	q.set[id] = struct{}{}
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.signal()
}

func (q *workQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop(ctx context.Context) (packet.Identity, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			delete(q.set, id)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return id, true
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return packet.Identity{}, false
		}
	}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// keyedMutex serializes work per identity.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[packet.Identity]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[packet.Identity]*refMutex)}
}

func (k *keyedMutex) lock(id packet.Identity) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// lanes tracks, per lane, the sequences not yet handed to the transport.
// Only the lowest of them may be sent.
type lanes struct {
	mu      sync.Mutex
	pending map[string][]uint64
}

func newLanes() *lanes {
	return &lanes{pending: make(map[string][]uint64)}
}

func (l *lanes) add(id packet.Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seqs := l.pending[id.Lane()]
	i, found := slices.BinarySearch(seqs, id.Sequence)
	if !found {
		l.pending[id.Lane()] = slices.Insert(seqs, i, id.Sequence)
	}
}

// remove drops id and returns the identity now at the head of its lane.
func (l *lanes) remove(id packet.Identity) (packet.Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane := id.Lane()
	seqs := l.pending[lane]
	if i, found := slices.BinarySearch(seqs, id.Sequence); found {
		seqs = slices.Delete(seqs, i, i+1)
	}
	if len(seqs) == 0 {
		delete(l.pending, lane)
		return packet.Identity{}, false
	}
	l.pending[lane] = seqs
	head := id
	head.Sequence = seqs[0]
	return head, true
}

// head reports whether id is the lowest pending sequence of its lane.
func (l *lanes) head(id packet.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	seqs := l.pending[id.Lane()]
	return len(seqs) == 0 || seqs[0] >= id.Sequence
}
