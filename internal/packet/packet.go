// Package packet turns raw IBC chain events into structured packets: identity,
// timeout, commitment fields and the instruction chain carried in the memo.
package packet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Identity names one packet. Sequences strictly increase per channel.
type Identity struct {
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	Channel     string `json:"channel"`
	Sequence    uint64 `json:"sequence"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s->%s/%s/%d", id.SourceChain, id.DestChain, id.Channel, id.Sequence)
}

// Lane identifies the ordered channel a packet travels on.
func (id Identity) Lane() string {
	return id.SourceChain + "/" + id.DestChain + "/" + id.Channel
}

// Key returns a byte key that sorts by lane, then by sequence.
func (id Identity) Key() []byte {
	lane := id.Lane()
	k := make([]byte, 0, len(lane)+9)
	k = append(k, lane...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, id.Sequence)
}

// Commitment holds the private transfer fields. They never cross the
// transport in cleartext.
type Commitment struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Denom    string `json:"denom"`
}

// RawEvent is one chain event as surfaced by the poller.
type RawEvent struct {
	Kind        string            `json:"kind"`
	SourceChain string            `json:"source_chain"`
	DestChain   string            `json:"dest_chain"`
	Height      uint64            `json:"height"`
	TxHash      string            `json:"tx_hash,omitempty"`
	Attributes  map[string]string `json:"attributes"`
}

// InstructionKind classifies one step of a memo instruction chain.
type InstructionKind uint8

const (
	KindUnknown InstructionKind = iota
	KindForward
	KindContract
	KindSwap
)

func (k InstructionKind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindContract:
		return "contract"
	case KindSwap:
		return "swap"
	default:
		return "unknown"
	}
}

// Instruction is one node of the memo chain, stored in a flat arena.
// Parent is -1 for top-level instructions.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Parent int             `json:"parent"`
	Depth  int             `json:"depth"`
}

// Packet is the decoded form of a send_packet event.
type Packet struct {
	Identity     Identity      `json:"identity"`
	SourcePort   string        `json:"source_port"`
	DestPort     string        `json:"dest_port"`
	DestChannel  string        `json:"dest_channel"`
	Data         []byte        `json:"data"`
	Commitment   Commitment    `json:"commitment"`
	Memo         string        `json:"memo,omitempty"`
	Instructions []Instruction `json:"instructions,omitempty"`
	Timeout      Timeout       `json:"timeout"`
	Height       uint64        `json:"height"`
	Expired      bool          `json:"expired"`
}

// Children returns the arena indices of the instructions nested under parent.
func (p *Packet) Children(parent int) []int {
	var out []int
	for i, in := range p.Instructions {
		if in.Parent == parent {
			out = append(out, i)
		}
	}
	return out
}
