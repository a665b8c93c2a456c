package messaging

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a closed in-memory topic.
var ErrClosed = errors.New("topic closed")

// MemoryTopic is an in-process topic usable as both Producer and Consumer.
// A nacked message is redelivered after the messages already queued.
type MemoryTopic struct {
	mu     sync.Mutex
	queue  []Message
	acked  []Message
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryTopic returns an empty topic.
func NewMemoryTopic() *MemoryTopic {
	return &MemoryTopic{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (t *MemoryTopic) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *MemoryTopic) Publish(ctx context.Context, msg Message) error {
	return t.PublishBatch(ctx, []Message{msg})
}

func (t *MemoryTopic) PublishBatch(ctx context.Context, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.queue = append(t.queue, msgs...)
	t.signal()
	return nil
}

func (t *MemoryTopic) Consume(ctx context.Context) (*Message, func(bool), error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue = t.queue[1:]
			if len(t.queue) > 0 {
				t.signal()
			}
			t.mu.Unlock()
			var once sync.Once
			ack := func(success bool) {
				once.Do(func() {
					t.mu.Lock()
					defer t.mu.Unlock()
					if success {
						t.acked = append(t.acked, msg)
						return
					}
					if !t.closed {
						t.queue = append(t.queue, msg)
						t.signal()
					}
				})
			}
			return &msg, ack, nil
		}
		t.mu.Unlock()
		select {
		case <-t.ready:
		case <-t.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Pending returns the messages not yet consumed.
func (t *MemoryTopic) Pending() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.queue...)
}

// Acked returns the messages acknowledged so far.
func (t *MemoryTopic) Acked() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.acked...)
}

func (t *MemoryTopic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

var (
	_ Producer = (*MemoryTopic)(nil)
	_ Consumer = (*MemoryTopic)(nil)
)
