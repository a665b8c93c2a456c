package packet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event attribute keys emitted by ibc-go for send_packet.
const (
	AttrSequence         = "packet_sequence"
	AttrSrcPort          = "packet_src_port"
	AttrSrcChannel       = "packet_src_channel"
	AttrDstPort          = "packet_dst_port"
	AttrDstChannel       = "packet_dst_channel"
	AttrTimeoutHeight    = "packet_timeout_height"
	AttrTimeoutTimestamp = "packet_timeout_timestamp"
	AttrDataHex          = "packet_data_hex"
	AttrData             = "packet_data"
)

const (
	DefaultMaxDepth        = 8
	DefaultMaxInstructions = 64
	// DefaultMaxData bounds the raw packet data of a relayable packet.
	DefaultMaxData = 64 * 1024
	// MaxFieldLen bounds each commitment field (sender, receiver, amount, denom).
	MaxFieldLen = 1024
)

// Decoder parses raw events. It holds no state and is safe for concurrent use.
type Decoder struct {
	MaxDepth        int
	MaxInstructions int
	// MaxData bounds packet data in bytes. Non-positive selects DefaultMaxData.
	MaxData int
}

// NewDecoder returns a decoder with the given limits; non-positive values
// select the defaults.
func NewDecoder(maxDepth, maxInstructions int) *Decoder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxInstructions <= 0 {
		maxInstructions = DefaultMaxInstructions
	}
	return &Decoder{MaxDepth: maxDepth, MaxInstructions: maxInstructions}
}

// Identify extracts only the packet identity.
func (d *Decoder) Identify(ev RawEvent) (Identity, error) {
	if ev.SourceChain == "" || ev.DestChain == "" {
		return Identity{}, malformed("chain", errors.New("event missing chain ids"))
	}
	ch := ev.Attributes[AttrSrcChannel]
	if ch == "" {
		return Identity{}, malformed(AttrSrcChannel, errors.New("missing"))
	}
	seqStr, ok := ev.Attributes[AttrSequence]
	if !ok {
		return Identity{}, malformed(AttrSequence, errors.New("missing"))
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Identity{}, malformed(AttrSequence, err)
	}
	if seq == 0 {
		return Identity{}, malformed(AttrSequence, errors.New("sequence must be positive"))
	}
	return Identity{SourceChain: ev.SourceChain, DestChain: ev.DestChain, Channel: ch, Sequence: seq}, nil
}

// Decode parses ev into a Packet. A packet whose timeout has already passed at
// the observed height or now is returned with Expired set, not as an error.
func (d *Decoder) Decode(ev RawEvent, observed Height, now time.Time) (*Packet, error) {
	id, err := d.Identify(ev)
	if err != nil {
		return nil, err
	}
	p := &Packet{Identity: id, Height: ev.Height}
	for _, f := range []struct {
		attr string
		dst  *string
	}{
		{AttrSrcPort, &p.SourcePort},
		{AttrDstPort, &p.DestPort},
		{AttrDstChannel, &p.DestChannel},
	} {
		v := ev.Attributes[f.attr]
		if v == "" {
			return nil, malformed(f.attr, errors.New("missing"))
		}
		*f.dst = v
	}

	p.Timeout, err = parseTimeout(ev.Attributes)
	if err != nil {
		return nil, err
	}

	p.Data, err = packetData(ev.Attributes)
	if err != nil {
		return nil, err
	}
	maxData := d.MaxData
	if maxData <= 0 {
		maxData = DefaultMaxData
	}
	if len(p.Data) > maxData {
		return nil, malformed("data", fmt.Errorf("%d bytes exceeds %d", len(p.Data), maxData))
	}
	td, err := parseTransfer(p.Data)
	if err != nil {
		return nil, malformed("data", err)
	}
	if err := validAmount(td.Amount); err != nil {
		return nil, malformed("data.amount", err)
	}
	if td.Denom == "" || td.Sender == "" || td.Receiver == "" {
		return nil, malformed("data", errors.New("denom, sender and receiver are required"))
	}
	for _, f := range []struct{ name, v string }{
		{"sender", td.Sender}, {"receiver", td.Receiver}, {"amount", td.Amount}, {"denom", td.Denom},
	} {
		if len(f.v) > MaxFieldLen {
			return nil, malformed("data."+f.name, fmt.Errorf("%d bytes exceeds %d", len(f.v), MaxFieldLen))
		}
	}
	p.Commitment = Commitment{Sender: td.Sender, Receiver: td.Receiver, Amount: td.Amount, Denom: td.Denom}
	p.Memo = td.Memo

	p.Instructions, err = walkMemo(td.Memo, d.MaxDepth, d.MaxInstructions)
	if err != nil {
		return nil, err
	}

	at := ObservedHeight(id.SourceChain, ev.Height)
	if observed.GTE(at) {
		at = observed
	}
	p.Expired = p.Timeout.Elapsed(at, now)
	return p, nil
}

func parseTimeout(attrs map[string]string) (Timeout, error) {
	var t Timeout
	hs, hok := attrs[AttrTimeoutHeight]
	ts, tok := attrs[AttrTimeoutTimestamp]
	if !hok && !tok {
		return t, malformed("timeout", errors.New("missing"))
	}
	if hok && hs != "" {
		h, err := ParseHeight(hs)
		if err != nil {
			return t, malformed(AttrTimeoutHeight, err)
		}
		t.Height = h
	}
	if tok && ts != "" {
		v, err := strconv.ParseUint(ts, 10, 64)
		if err != nil {
			return t, malformed(AttrTimeoutTimestamp, err)
		}
		t.Timestamp = v
	}
	if t.IsZero() {
		return t, malformed("timeout", errors.New("height and timestamp both disabled"))
	}
	return t, nil
}

func packetData(attrs map[string]string) ([]byte, error) {
	if h, ok := attrs[AttrDataHex]; ok && h != "" {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, malformed(AttrDataHex, err)
		}
		return b, nil
	}
	if d, ok := attrs[AttrData]; ok && d != "" {
		return []byte(d), nil
	}
	return nil, malformed("data", errors.New("missing"))
}
