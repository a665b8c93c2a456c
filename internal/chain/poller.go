package chain

import (
	"context"
	"errors"
	"iter"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Route is one source chain channel relayed to a destination chain.
type Route struct {
	Name        string
	SourceChain string
	DestChain   string
	Channel     string
	Port        string
}

// DefaultMaxRange bounds how many blocks a single Poll covers.
const DefaultMaxRange = 100

// Poller surfaces the packet events of one route.
type Poller struct {
	rpc      RPC
	route    Route
	maxRange uint64
	kinds    map[string]struct{}
}

// NewPoller returns a poller for route. An empty kinds list selects
// send_packet only.
func NewPoller(rpc RPC, route Route, maxRange uint64, kinds []string) *Poller {
	if maxRange == 0 {
		maxRange = DefaultMaxRange
	}
	if len(kinds) == 0 {
		kinds = []string{packet.EventSendPacket}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &Poller{rpc: rpc, route: route, maxRange: maxRange, kinds: set}
}

// Route returns the route polled.
func (p *Poller) Route() Route { return p.route }

// Poll covers the heights [since, min(latest, since+maxRange-1)] and returns
// the events found there plus the height to poll from next. Blocks are
// fetched as the sequence is consumed.
//
// A *FatalIngestError for one height is yielded in place and iteration
// continues with the next height. A *RetryableIngestError ends the sequence;
// its Height is where polling must resume.
func (p *Poller) Poll(ctx context.Context, since uint64) (iter.Seq2[packet.RawEvent, error], uint64, error) {
	latest, err := p.rpc.LatestHeight(ctx)
	if err != nil {
		return nil, since, err
	}
	if since == 0 {
		since = 1
	}
	if since > latest {
		return func(func(packet.RawEvent, error) bool) {}, since, nil
	}
	to := min(latest, since+p.maxRange-1)

	seq := func(yield func(packet.RawEvent, error) bool) {
		for h := since; h <= to; h++ {
			if err := ctx.Err(); err != nil {
				yield(packet.RawEvent{}, &RetryableIngestError{Height: h, Op: "poll", Err: err})
				return
			}
			events, err := p.rpc.GetEvents(ctx, h, h)
			if err != nil {
				var fatal *FatalIngestError
				if errors.As(err, &fatal) {
					if !yield(packet.RawEvent{}, err) {
						return
					}
					continue
				}
				var re *RetryableIngestError
				if !errors.As(err, &re) {
					err = &RetryableIngestError{Height: h, Op: "events", Err: err}
				} else if re.Height != h {
					err = &RetryableIngestError{Height: h, Op: re.Op, Err: re.Err}
				}
				yield(packet.RawEvent{}, err)
				return
			}
			for _, ev := range events {
				if !p.match(ev) {
					continue
				}
				ev.SourceChain = p.route.SourceChain
				ev.DestChain = p.route.DestChain
				if ev.Height == 0 {
					ev.Height = h
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
	return seq, to + 1, nil
}

func (p *Poller) match(ev packet.RawEvent) bool {
	if _, ok := p.kinds[ev.Kind]; !ok {
		return false
	}
	if p.route.Channel != "" && ev.Attributes[packet.AttrSrcChannel] != p.route.Channel {
		return false
	}
	if p.route.Port != "" && ev.Attributes[packet.AttrSrcPort] != p.route.Port {
		return false
	}
	return true
}
