package zk

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// ProvingKey signs proof transcripts.
type ProvingKey struct {
	Version Version
	secret  *big.Int
	vk      *VerifyingKey
}

// VerifyingKey checks proofs of one version.
type VerifyingKey struct {
	Version Version
	public  bls12381.G2Affine
}

// VerifyingKey returns the matching verifying key.
func (pk *ProvingKey) VerifyingKey() *VerifyingKey { return pk.vk }

// GenerateKeys creates a fresh key pair for version v.
func GenerateKeys(v Version, rnd io.Reader) (*ProvingKey, error) {
	if v == 0 {
		return nil, errors.New("version must be positive")
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	limit := new(big.Int).Sub(fr.Modulus(), big.NewInt(1))
	s, err := rand.Int(rnd, limit)
	if err != nil {
		return nil, err
	}
	return newProvingKey(v, s.Add(s, big.NewInt(1))), nil
}

func newProvingKey(v Version, secret *big.Int) *ProvingKey {
	_, _, _, g2 := bls12381.Generators()
	vk := &VerifyingKey{Version: v}
	vk.public.ScalarMultiplication(&g2, secret)
	return &ProvingKey{Version: v, secret: secret, vk: vk}
}

// MarshalText encodes the secret scalar as hex.
func (pk *ProvingKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk.secret.FillBytes(make([]byte, scalarSize)))), nil
}

// MarshalText encodes the compressed public point as hex.
func (vk *VerifyingKey) MarshalText() ([]byte, error) {
	b := vk.public.Bytes()
	return []byte(hex.EncodeToString(b[:])), nil
}

// ParseProvingKey decodes a key written by MarshalText.
func ParseProvingKey(v Version, text []byte) (*ProvingKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("proving key v%d: %w", v, err)
	}
	if len(b) != scalarSize {
		return nil, fmt.Errorf("proving key v%d: %d bytes, want %d", v, len(b), scalarSize)
	}
	s := new(big.Int).SetBytes(b)
	if s.Sign() == 0 || s.Cmp(fr.Modulus()) >= 0 {
		return nil, fmt.Errorf("proving key v%d: scalar out of range", v)
	}
	return newProvingKey(v, s), nil
}

// ParseVerifyingKey decodes a key written by MarshalText.
func ParseVerifyingKey(v Version, text []byte) (*VerifyingKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("verifying key v%d: %w", v, err)
	}
	vk := &VerifyingKey{Version: v}
	if _, err := vk.public.SetBytes(b); err != nil {
		return nil, fmt.Errorf("verifying key v%d: %w", v, err)
	}
	return vk, nil
}

// KeyRing holds every known parameter version and the one new proofs use.
// Switching the active version never drops older verifying keys.
type KeyRing struct {
	mu        sync.RWMutex
	proving   map[Version]*ProvingKey
	verifying map[Version]*VerifyingKey
	active    Version
}

// NewKeyRing returns a ring holding keys, with the highest version active.
func NewKeyRing(keys ...*ProvingKey) *KeyRing {
	r := &KeyRing{
		proving:   make(map[Version]*ProvingKey),
		verifying: make(map[Version]*VerifyingKey),
	}
	for _, k := range keys {
		r.proving[k.Version] = k
		r.verifying[k.Version] = k.vk
	}
	r.active = r.highestLocked()
	return r
}

// AddProving registers a proving key. It becomes active only if the ring had
// no active version; otherwise use Rotate.
func (r *KeyRing) AddProving(pk *ProvingKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proving[pk.Version] = pk
	r.verifying[pk.Version] = pk.vk
	if r.active == 0 {
		r.active = pk.Version
	}
}

// AddVerifying registers a verify-only key.
func (r *KeyRing) AddVerifying(vk *VerifyingKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifying[vk.Version] = vk
}

func (r *KeyRing) highestLocked() Version {
	var h Version
	for v := range r.proving {
		if v > h {
			h = v
		}
	}
	return h
}

// Rotate makes v the version used for new proofs.
func (r *KeyRing) Rotate(v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proving[v]; !ok {
		return fmt.Errorf("rotate to v%d: %w", v, ErrUnknownVersion)
	}
	r.active = v
	return nil
}

// Active returns the proving key for new proofs, or nil.
func (r *KeyRing) Active() *ProvingKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proving[r.active]
}

// ActiveVersion returns the version new proofs use.
func (r *KeyRing) ActiveVersion() Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// VerifyingKey returns the key for v.
func (r *KeyRing) VerifyingKey(v Version) (*VerifyingKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vk, ok := r.verifying[v]
	return vk, ok
}

// Versions lists the known versions in ascending order.
func (r *KeyRing) Versions() []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Version, 0, len(r.verifying))
	for v := range r.verifying {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Verify checks b with the key matching its version.
func (r *KeyRing) Verify(b *Bundle) (bool, error) {
	if b == nil {
		return false, &VerifyError{Reason: "missing bundle"}
	}
	vk, ok := r.VerifyingKey(b.PublicInputs.Version)
	if !ok {
		return false, &VerifyError{Reason: fmt.Sprintf("v%d", b.PublicInputs.Version), Err: ErrUnknownVersion}
	}
	return Verify(b, vk)
}

// VerifyFor checks b with the key matching its version and rejects bundles
// produced for another packet.
func (r *KeyRing) VerifyFor(b *Bundle, expected packet.Identity) (bool, error) {
	if b == nil {
		return false, &VerifyError{Reason: "missing bundle"}
	}
	vk, ok := r.VerifyingKey(b.PublicInputs.Version)
	if !ok {
		return false, &VerifyError{Reason: fmt.Sprintf("v%d", b.PublicInputs.Version), Err: ErrUnknownVersion}
	}
	return VerifyFor(b, vk, expected)
}

// Key directory layout: v<N>.pk and v<N>.vk hold hex keys; the optional file
// "active" names the version new proofs use.
const activeFile = "active"

// WriteKeys stores pk and its verifying key under dir.
func WriteKeys(dir string, pk *ProvingKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pkText, _ := pk.MarshalText()
	vkText, _ := pk.vk.MarshalText()
	base := filepath.Join(dir, fmt.Sprintf("v%d", pk.Version))
	if err := os.WriteFile(base+".pk", append(pkText, '\n'), 0o600); err != nil {
		return err
	}
	return os.WriteFile(base+".vk", append(vkText, '\n'), 0o644)
}

// SetActive records v as the active version in dir.
func SetActive(dir string, v Version) error {
	return os.WriteFile(filepath.Join(dir, activeFile), []byte(strconv.Itoa(int(v))+"\n"), 0o644)
}

// LoadKeyRing reads every key in dir. Directories with only verifying keys
// produce a verify-only ring.
func LoadKeyRing(dir string) (*KeyRing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read key dir: %w", err)
	}
	r := NewKeyRing()
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || (ext != ".pk" && ext != ".vk") || !strings.HasPrefix(name, "v") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name[1:], ext), 10, 16)
		if err != nil || n == 0 {
			continue
		}
		text, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		v := Version(n)
		switch ext {
		case ".pk":
			pk, err := ParseProvingKey(v, text)
			if err != nil {
				return nil, err
			}
			r.AddProving(pk)
		case ".vk":
			vk, err := ParseVerifyingKey(v, text)
			if err != nil {
				return nil, err
			}
			if _, ok := r.VerifyingKey(v); !ok {
				r.AddVerifying(vk)
			}
		}
	}

	r.mu.Lock()
	r.active = r.highestLocked()
	r.mu.Unlock()
	if r.ActiveVersion() == 0 {
		return r, nil
	}
	if text, err := os.ReadFile(filepath.Join(dir, activeFile)); err == nil {
		n, err := strconv.ParseUint(strings.TrimSpace(string(text)), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("active version: %w", err)
		}
		if err := r.Rotate(Version(n)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
