package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

var testRoute = Route{Name: "a-to-b", SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Port: "transfer"}

type fakeRPC struct {
	mu      sync.Mutex
	latest  uint64
	events  map[uint64][]packet.RawEvent
	errs    map[uint64]error
	down    bool
	fetched []uint64
}

func newFakeRPC(latest uint64) *fakeRPC {
	return &fakeRPC{latest: latest, events: map[uint64][]packet.RawEvent{}, errs: map[uint64]error{}}
}

func (f *fakeRPC) LatestHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, &RetryableIngestError{Op: "status", Err: errors.New("connection refused")}
	}
	return f.latest, nil
}

func (f *fakeRPC) GetBlock(_ context.Context, h uint64) (*Block, error) {
	return &Block{ChainID: "chain-A", Height: h, Time: time.Unix(int64(h), 0)}, nil
}

func (f *fakeRPC) GetEvents(_ context.Context, from, to uint64) ([]packet.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []packet.RawEvent
	for h := from; h <= to; h++ {
		f.fetched = append(f.fetched, h)
		if err := f.errs[h]; err != nil {
			return nil, err
		}
		out = append(out, f.events[h]...)
	}
	return out, nil
}

func sendPacket(channel string, seq, height uint64) packet.RawEvent {
	ev := packet.SendPacketEvent(
		packet.Identity{SourceChain: "x", DestChain: "y", Channel: channel, Sequence: seq},
		packet.Commitment{Sender: "cosmos1s", Receiver: "cosmos1r", Amount: "100", Denom: "uatom"},
		"", packet.Timeout{Timestamp: 1}, height)
	ev.SourceChain, ev.DestChain = "", ""
	return ev
}

func collect(t *testing.T, p *Poller, since uint64) ([]packet.RawEvent, []error, uint64) {
	t.Helper()
	seq, next, err := p.Poll(context.Background(), since)
	require.NoError(t, err)
	var evs []packet.RawEvent
	var errs []error
	for ev, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		evs = append(evs, ev)
	}
	return evs, errs, next
}

func TestPollFiltersAndStamps(t *testing.T) {
	rpc := newFakeRPC(10)
	rpc.events[3] = []packet.RawEvent{
		sendPacket("channel-7", 1, 3),
		sendPacket("channel-9", 1, 3),
		{Kind: "transfer", Attributes: map[string]string{packet.AttrSrcChannel: "channel-7"}},
	}
	rpc.events[5] = []packet.RawEvent{sendPacket("channel-7", 2, 5)}

	p := NewPoller(rpc, testRoute, 0, nil)
	evs, errs, next := collect(t, p, 1)
	require.Empty(t, errs)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(11), next)
	for _, ev := range evs {
		assert.Equal(t, "chain-A", ev.SourceChain)
		assert.Equal(t, "chain-B", ev.DestChain)
	}
	assert.Equal(t, "1", evs[0].Attributes[packet.AttrSequence])
	assert.Equal(t, "2", evs[1].Attributes[packet.AttrSequence])
}

func TestPollIsIdempotent(t *testing.T) {
	rpc := newFakeRPC(4)
	rpc.events[2] = []packet.RawEvent{sendPacket("channel-7", 1, 2)}
	p := NewPoller(rpc, testRoute, 0, nil)

	first, _, _ := collect(t, p, 1)
	second, _, _ := collect(t, p, 1)
	assert.Equal(t, first, second)
}

func TestPollBoundsRange(t *testing.T) {
	rpc := newFakeRPC(1000)
	p := NewPoller(rpc, testRoute, 10, nil)
	_, _, next := collect(t, p, 100)
	assert.Equal(t, uint64(110), next)
	assert.Equal(t, []uint64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}, rpc.fetched)
}

func TestPollAheadOfChain(t *testing.T) {
	rpc := newFakeRPC(5)
	p := NewPoller(rpc, testRoute, 0, nil)
	evs, errs, next := collect(t, p, 6)
	assert.Empty(t, evs)
	assert.Empty(t, errs)
	assert.Equal(t, uint64(6), next)
}

func TestPollFatalHeightSkipped(t *testing.T) {
	rpc := newFakeRPC(3)
	rpc.errs[2] = &FatalIngestError{Height: 2, Op: "block_results", Err: errors.New("bad shape")}
	rpc.events[3] = []packet.RawEvent{sendPacket("channel-7", 1, 3)}
	p := NewPoller(rpc, testRoute, 0, nil)

	evs, errs, next := collect(t, p, 1)
	require.Len(t, errs, 1)
	var fatal *FatalIngestError
	require.ErrorAs(t, errs[0], &fatal)
	assert.Equal(t, uint64(2), fatal.Height)
	assert.Len(t, evs, 1)
	assert.Equal(t, uint64(4), next)
}

func TestPollRetryableStops(t *testing.T) {
	rpc := newFakeRPC(5)
	rpc.errs[3] = errors.New("connection reset")
	rpc.events[4] = []packet.RawEvent{sendPacket("channel-7", 1, 4)}
	p := NewPoller(rpc, testRoute, 0, nil)

	evs, errs, _ := collect(t, p, 1)
	assert.Empty(t, evs)
	require.Len(t, errs, 1)
	var re *RetryableIngestError
	require.ErrorAs(t, errs[0], &re)
	assert.Equal(t, uint64(3), re.Height)
}

type memCursors struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (c *memCursors) SaveCursor(route string, next uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[route] = next
	return nil
}

func (c *memCursors) LoadCursor(route string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.m[route]
	return h, ok, nil
}

type recordingSink struct {
	mu       sync.Mutex
	events   []packet.RawEvent
	observed packet.Height
}

func (s *recordingSink) Ingest(_ context.Context, ev packet.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ObserveHeight(_ string, h packet.Height) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = h
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type healthLog struct {
	mu     sync.Mutex
	states []bool
}

func (h *healthLog) SetIngesting(_ string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, ok)
}

func (h *healthLog) last() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return false, 0
	}
	return h.states[len(h.states)-1], len(h.states)
}

func fastIngest() IngestorConfig {
	return IngestorConfig{
		PollInterval:   5 * time.Millisecond,
		PauseAfter:     3,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		StartHeight:    1,
	}
}

func TestIngestorResumesFromCursor(t *testing.T) {
	rpc := newFakeRPC(6)
	rpc.events[2] = []packet.RawEvent{sendPacket("channel-7", 1, 2)}
	rpc.events[6] = []packet.RawEvent{sendPacket("channel-7", 2, 6)}
	cursors := &memCursors{m: map[string]uint64{testRoute.Name: 5}}
	sink := &recordingSink{}

	in := NewIngestor(NewPoller(rpc, testRoute, 0, nil), sink, cursors, nil, fastIngest(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return in.Cursor() == 7 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "2", sink.events[0].Attributes[packet.AttrSequence])
	assert.Equal(t, uint64(6), sink.observed.RevisionHeight)
	h, _, _ := cursors.LoadCursor(testRoute.Name)
	assert.Equal(t, uint64(7), h)
}

func TestIngestorPausesAndResumes(t *testing.T) {
	rpc := newFakeRPC(3)
	rpc.down = true
	health := &healthLog{}
	sink := &recordingSink{}
	in := NewIngestor(NewPoller(rpc, testRoute, 0, nil), sink, &memCursors{m: map[string]uint64{}}, health, fastIngest(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	require.Eventually(t, in.Paused, time.Second, 5*time.Millisecond)
	ok, _ := health.last()
	assert.False(t, ok)

	rpc.mu.Lock()
	rpc.down = false
	rpc.events[2] = []packet.RawEvent{sendPacket("channel-7", 9, 2)}
	rpc.mu.Unlock()

	require.Eventually(t, func() bool { return !in.Paused() }, time.Second, 5*time.Millisecond)
	ok, n := health.last()
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCometRPC(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":-1,"result":{"node_info":{"network":"chain-A"},"sync_info":{"latest_block_height":"120"}}}`)
	})
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		h := r.URL.Query().Get("height")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"result":{"block_id":{"hash":"ABCD"},"block":{"header":{"chain_id":"chain-A","height":%q,"time":"2024-05-01T10:00:00Z"}}}}`, h)
	})
	mux.HandleFunc("/block_results", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("height") {
		case "100":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":-1,"result":{"height":"100","txs_results":[{"events":[
				{"type":"send_packet","attributes":[{"key":"packet_sequence","value":"42"},{"key":"packet_src_channel","value":"channel-7"}]},
				{"type":"message","attributes":[{"key":"action","value":"transfer"}]}]}]}}`)
		case "101":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":-1,"result":{"height":"101","txs_results":"oops"}}`)
		case "102":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":-1,"error":{"code":-32603,"message":"Internal error","data":"height 200 must be less than or equal to the current blockchain height 120"}}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rpc, err := NewCometRPC(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	latest, err := rpc.LatestHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), latest)
	id, err := rpc.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chain-A", id)

	blk, err := rpc.GetBlock(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), blk.Height)
	assert.Equal(t, "ABCD", blk.Hash)

	evs, err := rpc.GetEvents(ctx, 100, 100)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "send_packet", evs[0].Kind)
	assert.Equal(t, "42", evs[0].Attributes["packet_sequence"])
	assert.Equal(t, uint64(100), evs[0].Height)

	_, err = rpc.GetEvents(ctx, 101, 101)
	var fatal *FatalIngestError
	assert.ErrorAs(t, err, &fatal)

	_, err = rpc.GetEvents(ctx, 102, 102)
	assert.True(t, IsRetryable(err))

	_, err = rpc.GetEvents(ctx, 200, 200)
	assert.True(t, IsRetryable(err))
}

func TestCometRPCUnreachable(t *testing.T) {
	rpc, err := NewCometRPC("http://127.0.0.1:1", 200*time.Millisecond)
	require.NoError(t, err)
	_, err = rpc.LatestHeight(context.Background())
	assert.True(t, IsRetryable(err))

	_, err = NewCometRPC("ftp://node", 0)
	assert.Error(t, err)
}
