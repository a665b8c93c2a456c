package relay

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// SealedWitness is what the submitter needs to rebuild the destination
// message: the private commitment fields, their salt and the raw packet data.
type SealedWitness struct {
	Witness zk.Witness `json:"witness"`
	Data    []byte     `json:"data"`
}

// MarshalBinary encodes the salt, the four commitment fields with 16-bit
// length prefixes and the data with a 32-bit length prefix.
func (w SealedWitness) MarshalBinary() ([]byte, error) {
	cm := w.Witness.Commitment
	fields := []string{cm.Sender, cm.Receiver, cm.Amount, cm.Denom}
	for _, f := range fields {
		if len(f) > packet.MaxFieldLen {
			return nil, fmt.Errorf("witness field of %d bytes exceeds %d", len(f), packet.MaxFieldLen)
		}
	}
	var b cryptobyte.Builder
	b.AddBytes(w.Witness.Salt[:])
	for _, f := range fields {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(f)) })
	}
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(w.Data) })
	return b.Bytes()
}

// UnmarshalBinary decodes the MarshalBinary layout.
func (w *SealedWitness) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var out SealedWitness
	var fields [4]cryptobyte.String
	var body []byte
	if !s.CopyBytes(out.Witness.Salt[:]) {
		return errors.New("witness: truncated salt")
	}
	for i := range fields {
		if !s.ReadUint16LengthPrefixed(&fields[i]) {
			return errors.New("witness: truncated field")
		}
	}
	var n uint32
	if !s.ReadUint32(&n) || !s.ReadBytes(&body, int(n)) || !s.Empty() {
		return errors.New("witness: malformed data")
	}
	out.Witness.Commitment = packet.Commitment{
		Sender:   string(fields[0]),
		Receiver: string(fields[1]),
		Amount:   string(fields[2]),
		Denom:    string(fields[3]),
	}
	out.Data = append([]byte(nil), body...)
	*w = out
	return nil
}

// SealWitness boxes w for recipient. It returns the ciphertext and the
// sender public key the recipient opens it with.
func SealWitness(w SealedWitness, recipient *[crypto.PublicKeySize]byte, sender *crypto.KeyPair) ([]byte, []byte, error) {
	if recipient == nil || sender == nil {
		return nil, nil, errors.New("seal witness: missing key")
	}
	plain, err := w.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("seal witness: %w", err)
	}
	sealed, err := crypto.Seal(plain, recipient, sender.Private)
	if err != nil {
		return nil, nil, fmt.Errorf("seal witness: %w", err)
	}
	return sealed, append([]byte(nil), sender.Public[:]...), nil
}

// OpenWitness reverses SealWitness.
func OpenWitness(sealed, senderKey []byte, recipient *crypto.KeyPair) (*SealedWitness, error) {
	if len(senderKey) != crypto.PublicKeySize {
		return nil, fmt.Errorf("open witness: sender key is %d bytes", len(senderKey))
	}
	var pub [crypto.PublicKeySize]byte
	copy(pub[:], senderKey)
	plain, err := crypto.Open(sealed, &pub, recipient.Private)
	if err != nil {
		return nil, fmt.Errorf("open witness: %w", err)
	}
	var w SealedWitness
	if err := w.UnmarshalBinary(plain); err != nil {
		return nil, fmt.Errorf("open witness: %w", err)
	}
	return &w, nil
}
