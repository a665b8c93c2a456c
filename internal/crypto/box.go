// Package crypto seals private packet fields so only the intended submitter
// can read them. It uses X25519 box with a random nonce prepended.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	NonceSize      = 24
	// Overhead is the ciphertext expansion of Seal.
	Overhead = NonceSize + box.Overhead
)

// ErrOpen is returned when a sealed message fails authentication.
var ErrOpen = errors.New("sealed message failed authentication")

// KeyPair holds an X25519 key pair.
type KeyPair struct {
	Public  *[PublicKeySize]byte
	Private *[PrivateKeySize]byte
}

// GenerateKeyPair creates a new key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

// Seal encrypts plaintext for recipient.
func Seal(plaintext []byte, recipient *[PublicKeySize]byte, sender *[PrivateKeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plaintext, &nonce, recipient, sender), nil
}

// Open decrypts a message produced by Seal.
func Open(sealed []byte, sender *[PublicKeySize]byte, recipient *[PrivateKeySize]byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrOpen
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := box.Open(nil, sealed[NonceSize:], &nonce, sender, recipient)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// KeyID returns the first 8 bytes of a public key, used in logs and to route
// sealed witnesses to the right key.
func KeyID(pub *[PublicKeySize]byte) string {
	return hex.EncodeToString(pub[:8])
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (*[PublicKeySize]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key: %d bytes, want %d", len(b), PublicKeySize)
	}
	pub := new([PublicKeySize]byte)
	copy(pub[:], b)
	return pub, nil
}

// LoadOrCreateKeyPair reads a key file holding the hex private key, creating
// one if the file does not exist. An empty path yields an ephemeral pair.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600); err != nil {
			return nil, err
		}
		return kp, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(b) != PrivateKeySize {
		return nil, fmt.Errorf("key file %s: expected %d hex bytes", path, PrivateKeySize)
	}
	kp := &KeyPair{Public: new([PublicKeySize]byte), Private: new([PrivateKeySize]byte)}
	copy(kp.Private[:], b)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}
