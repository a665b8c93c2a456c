package packet

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// EventSendPacket is the event kind that announces an outbound packet.
const EventSendPacket = "send_packet"

// SendPacketEvent builds the send_packet event ibc-go would emit for an
// ICS-20 transfer. Used by local simulators and tests.
func SendPacketEvent(id Identity, c Commitment, memo string, timeout Timeout, height uint64) RawEvent {
	data, _ := json.Marshal(transferData{
		Denom:    c.Denom,
		Amount:   c.Amount,
		Sender:   c.Sender,
		Receiver: c.Receiver,
		Memo:     memo,
	})
	attrs := map[string]string{
		AttrSequence:         strconv.FormatUint(id.Sequence, 10),
		AttrSrcPort:          "transfer",
		AttrSrcChannel:       id.Channel,
		AttrDstPort:          "transfer",
		AttrDstChannel:       id.Channel,
		AttrTimeoutHeight:    timeout.Height.String(),
		AttrTimeoutTimestamp: strconv.FormatUint(timeout.Timestamp, 10),
		AttrDataHex:          hex.EncodeToString(data),
	}
	return RawEvent{
		Kind:        EventSendPacket,
		SourceChain: id.SourceChain,
		DestChain:   id.DestChain,
		Height:      height,
		Attributes:  attrs,
	}
}
