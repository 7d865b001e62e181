package cryptoutils

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// KEM is the pluggable key-encapsulation primitive. The default
// implementation is ML-KEM-768 (FIPS 203); the interface exists so a
// deployment can swap in another post-quantum scheme without touching the
// rest of the core.
type KEM interface {
	// GenerateKeyPair returns an encoded (public, private) key pair.
	GenerateKeyPair(rand io.Reader) (pk, sk []byte, err error)

	// Encapsulate produces a ciphertext and shared secret for a public key.
	Encapsulate(rand io.Reader, pk []byte) (ciphertext, sharedSecret []byte, err error)

	// Decapsulate recovers the shared secret from a ciphertext.
	Decapsulate(sk, ciphertext []byte) (sharedSecret []byte, err error)

	// CiphertextSize is the fixed encapsulation ciphertext length.
	CiphertextSize() int

	// Name identifies the scheme for logging and blob metadata.
	Name() string
}

// MLKEM768 implements KEM with CIRCL's ML-KEM-768.
type MLKEM768 struct{}

// NewMLKEM768 returns the default post-quantum KEM.
func NewMLKEM768() *MLKEM768 { return &MLKEM768{} }

// Name implements KEM.
func (MLKEM768) Name() string { return "ml-kem-768" }

// CiphertextSize implements KEM.
func (MLKEM768) CiphertextSize() int { return mlkem768.CiphertextSize }

// GenerateKeyPair generates an ML-KEM-768 key pair from rand. Passing a
// deterministic reader yields a deterministic key pair, which the tests use
// with fixed randomness sources.
func (MLKEM768) GenerateKeyPair(rand io.Reader) ([]byte, []byte, error) {
	seed := make([]byte, mlkem768.KeySeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, fmt.Errorf("kem keygen: %w", err)
	}
	pub, priv := mlkem768.NewKeyFromSeed(seed)
	Wipe(seed)

	pk := make([]byte, mlkem768.PublicKeySize)
	sk := make([]byte, mlkem768.PrivateKeySize)
	pub.Pack(pk)
	priv.Pack(sk)
	return pk, sk, nil
}

// Encapsulate implements KEM.
func (MLKEM768) Encapsulate(rand io.Reader, pkBytes []byte) ([]byte, []byte, error) {
	if len(pkBytes) != mlkem768.PublicKeySize {
		return nil, nil, fmt.Errorf("kem encapsulate: %w", ErrInvalidPublicKey)
	}
	pk := new(mlkem768.PublicKey)
	pk.Unpack(pkBytes)

	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, fmt.Errorf("kem encapsulate: %w", err)
	}
	defer Wipe(seed)

	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	pk.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

// Decapsulate implements KEM. ML-KEM performs implicit rejection: a
// malformed-but-well-sized ciphertext yields a random-looking secret rather
// than an error, and the AEAD layer above catches the mismatch.
func (MLKEM768) Decapsulate(skBytes, ciphertext []byte) ([]byte, error) {
	if len(skBytes) != mlkem768.PrivateKeySize {
		return nil, fmt.Errorf("kem decapsulate: %w", ErrInvalidPrivateKey)
	}
	if len(ciphertext) != mlkem768.CiphertextSize {
		return nil, fmt.Errorf("kem decapsulate: %w", ErrInvalidCiphertext)
	}
	sk := new(mlkem768.PrivateKey)
	sk.Unpack(skBytes)

	ss := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(ss, ciphertext)
	return ss, nil
}
