package zk

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"golang.org/x/crypto/blake2b"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Scheme v1 over BLS12-381:
//
//	C = m·G + r·H                 Pedersen commitment to the commitment hash m
//	T = k·H, e = Hc(pi, C, T)     Schnorr proof of knowledge of the blinding r
//	z = k + e·r
//	σ = sk·Hs(pi, C, e, z)        signature by the proving key over the transcript
//
// proof = C(48) ‖ e(32) ‖ z(32) ‖ σ(48)
const (
	pointSize  = bls12381.SizeOfG1AffineCompressed
	scalarSize = 32

	dstGenerator = "AERORELAY-V1-PEDERSEN-H_XMD:SHA-256_SSWU_RO_"
	dstSignature = "AERORELAY-V1-SIG_XMD:SHA-256_SSWU_RO_"
	challengeTag = "aerorelay/challenge/v1"
)

var blindingGenerator = sync.OnceValues(func() (bls12381.G1Affine, error) {
	return bls12381.HashToG1([]byte("aerorelay pedersen blinding generator"), []byte(dstGenerator))
})

// Prove produces a bundle for pi using pk. The witness must hash to
// pi.CommitmentHash.
func Prove(w Witness, pi PublicInputs, pk *ProvingKey) (*Bundle, error) {
	if pk == nil {
		return nil, transient(errors.New("no proving key"))
	}
	if pk.Version != pi.Version {
		return nil, transient(fmt.Errorf("proving key v%d cannot prove v%d inputs", pk.Version, pi.Version))
	}
	if err := checkWitness(w, pi); err != nil {
		return nil, err
	}
	h, err := blindingGenerator()
	if err != nil {
		return nil, transient(err)
	}
	order := fr.Modulus()
	m := hashScalar(pi.CommitmentHash[:])

	r, err := randomScalar()
	if err != nil {
		return nil, transient(err)
	}
	k, err := randomScalar()
	if err != nil {
		return nil, transient(err)
	}

	var mG, rH, c, t bls12381.G1Affine
	mG.ScalarMultiplicationBase(m)
	rH.ScalarMultiplication(&h, r)
	c.Add(&mG, &rH)
	t.ScalarMultiplication(&h, k)

	piBytes := pi.Encode()
	e := challenge(piBytes, &c, &t)
	z := new(big.Int).Mul(e, r)
	z.Add(z, k)
	z.Mod(z, order)

	proof := make([]byte, 0, ProofSize)
	cb := c.Bytes()
	proof = append(proof, cb[:]...)
	proof = append(proof, e.FillBytes(make([]byte, scalarSize))...)
	proof = append(proof, z.FillBytes(make([]byte, scalarSize))...)

	s, err := bls12381.HashToG1(signedMessage(piBytes, proof), []byte(dstSignature))
	if err != nil {
		return nil, transient(err)
	}
	var sigma bls12381.G1Affine
	sigma.ScalarMultiplication(&s, pk.secret)
	sb := sigma.Bytes()
	proof = append(proof, sb[:]...)

	return &Bundle{Proof: proof, PublicInputs: pi, CreatedAt: time.Now().UTC()}, nil
}

// Verify checks b against vk. A false result with nil error means the proof
// was well formed but does not hold.
func Verify(b *Bundle, vk *VerifyingKey) (bool, error) {
	if b == nil || vk == nil {
		return false, &VerifyError{Reason: "missing bundle or key"}
	}
	if vk.Version != b.PublicInputs.Version {
		return false, &VerifyError{Reason: fmt.Sprintf("key v%d for bundle v%d", vk.Version, b.PublicInputs.Version), Err: ErrUnknownVersion}
	}
	if len(b.Proof) != ProofSize {
		return false, &VerifyError{Reason: fmt.Sprintf("proof is %d bytes, want %d", len(b.Proof), ProofSize)}
	}
	h, err := blindingGenerator()
	if err != nil {
		return false, &VerifyError{Reason: "generator", Err: err}
	}
	order := fr.Modulus()

	var c, sigma bls12381.G1Affine
	if _, err := c.SetBytes(b.Proof[:pointSize]); err != nil {
		return false, &VerifyError{Reason: "commitment point", Err: err}
	}
	e := new(big.Int).SetBytes(b.Proof[pointSize : pointSize+scalarSize])
	z := new(big.Int).SetBytes(b.Proof[pointSize+scalarSize : pointSize+2*scalarSize])
	if e.Cmp(order) >= 0 || z.Cmp(order) >= 0 {
		return false, nil
	}
	if _, err := sigma.SetBytes(b.Proof[pointSize+2*scalarSize:]); err != nil {
		return false, &VerifyError{Reason: "signature point", Err: err}
	}

	// T' = z·H - e·(C - m·G)
	m := hashScalar(b.PublicInputs.CommitmentHash[:])
	var mG, d, eD, zH, t bls12381.G1Affine
	mG.ScalarMultiplicationBase(m)
	d.Sub(&c, &mG)
	eD.ScalarMultiplication(&d, e)
	zH.ScalarMultiplication(&h, z)
	t.Sub(&zH, &eD)

	piBytes := b.PublicInputs.Encode()
	if challenge(piBytes, &c, &t).Cmp(e) != 0 {
		return false, nil
	}

	s, err := bls12381.HashToG1(signedMessage(piBytes, b.Proof[:pointSize+2*scalarSize]), []byte(dstSignature))
	if err != nil {
		return false, &VerifyError{Reason: "signature message", Err: err}
	}
	_, _, _, g2 := bls12381.Generators()
	var negS bls12381.G1Affine
	negS.Neg(&s)
	ok, err := bls12381.PairingCheck([]bls12381.G1Affine{sigma, negS}, []bls12381.G2Affine{g2, vk.public})
	if err != nil {
		return false, &VerifyError{Reason: "pairing", Err: err}
	}
	return ok, nil
}

// VerifyFor is Verify plus a check that b was produced for expected. It stops
// a valid bundle for one packet being replayed as proof for another.
func VerifyFor(b *Bundle, vk *VerifyingKey, expected packet.Identity) (bool, error) {
	if b != nil && b.PublicInputs.Identity != expected {
		return false, &VerifyError{Reason: fmt.Sprintf("bundle for %s presented for %s", b.PublicInputs.Identity, expected), Err: ErrIdentityMismatch}
	}
	return Verify(b, vk)
}

func checkWitness(w Witness, pi PublicInputs) error {
	c := w.Commitment
	if c.Denom == "" {
		return invalidWitness("empty denom")
	}
	if c.Amount == "" {
		return invalidWitness("empty amount")
	}
	amount, ok := new(big.Int).SetString(c.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return invalidWitness("amount %q is not a non-negative integer", c.Amount)
	}
	if amount.Cmp(fr.Modulus()) >= 0 {
		return invalidWitness("amount %s exceeds the field modulus", c.Amount)
	}
	if w.Hash() != pi.CommitmentHash {
		return invalidWitness("witness does not match commitment hash")
	}
	return nil
}

func signedMessage(pi, transcript []byte) []byte {
	msg := make([]byte, 0, len(pi)+len(transcript))
	msg = append(msg, pi...)
	return append(msg, transcript...)
}

func hashScalar(b []byte) *big.Int {
	s := new(big.Int).SetBytes(b)
	return s.Mod(s, fr.Modulus())
}

func challenge(pi []byte, c, t *bls12381.G1Affine) *big.Int {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(challengeTag))
	h.Write(pi)
	cb, tb := c.Bytes(), t.Bytes()
	h.Write(cb[:])
	h.Write(tb[:])
	return hashScalar(h.Sum(nil))
}

// randomScalar returns a uniform scalar in [1, r).
func randomScalar() (*big.Int, error) {
	limit := new(big.Int).Sub(fr.Modulus(), big.NewInt(1))
	s, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	return s.Add(s, big.NewInt(1)), nil
}
