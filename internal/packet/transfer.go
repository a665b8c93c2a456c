package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// transferData is ICS-20 FungibleTokenPacketData.
type transferData struct {
	Denom    string `json:"denom"`
	Amount   string `json:"amount"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Memo     string `json:"memo,omitempty"`
}

// Protobuf field numbers of FungibleTokenPacketData.
const (
	fieldDenom    protowire.Number = 1
	fieldAmount   protowire.Number = 2
	fieldSender   protowire.Number = 3
	fieldReceiver protowire.Number = 4
	fieldMemo     protowire.Number = 5
)

// parseTransfer accepts the JSON encoding used by ibc-go and the protobuf
// encoding used by some non-Go implementations.
func parseTransfer(data []byte) (transferData, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var td transferData
		if err := json.Unmarshal(trimmed, &td); err != nil {
			return transferData{}, err
		}
		return td, nil
	}
	return parseTransferProto(data)
}

func parseTransferProto(b []byte) (transferData, error) {
	var td transferData
	if len(b) == 0 {
		return td, errors.New("empty packet data")
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return td, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return td, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return td, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldDenom:
			td.Denom = string(v)
		case fieldAmount:
			td.Amount = string(v)
		case fieldSender:
			td.Sender = string(v)
		case fieldReceiver:
			td.Receiver = string(v)
		case fieldMemo:
			td.Memo = string(v)
		}
	}
	return td, nil
}

// EncodeTransferProto encodes transfer fields as FungibleTokenPacketData.
func EncodeTransferProto(c Commitment, memo string) []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		val string
	}{
		{fieldDenom, c.Denom},
		{fieldAmount, c.Amount},
		{fieldSender, c.Sender},
		{fieldReceiver, c.Receiver},
		{fieldMemo, memo},
	} {
		if f.val == "" {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	return b
}

func validAmount(s string) error {
	if s == "" {
		return errors.New("empty amount")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fmt.Errorf("amount %q is not a decimal integer", s)
		}
	}
	return nil
}
