// Package cryptoutils implements the cryptographic primitives of the
// recovery core: a pluggable post-quantum KEM, hybrid authenticated sealing
// of payloads, and memory-hard password key derivation. No function in this
// package ever returns raw key material through logs or error messages.
package cryptoutils

import "errors"

// Sentinel errors for cryptographic operations.
var (
	// ErrInvalidPublicKey indicates a malformed encapsulation key.
	ErrInvalidPublicKey = errors.New("cryptoutils: invalid public key")

	// ErrInvalidPrivateKey indicates a malformed decapsulation key.
	ErrInvalidPrivateKey = errors.New("cryptoutils: invalid private key")

	// ErrInvalidCiphertext indicates a malformed KEM ciphertext.
	ErrInvalidCiphertext = errors.New("cryptoutils: invalid ciphertext")

	// ErrInvalidSealedBlob indicates a sealed blob too short or structurally
	// broken to parse.
	ErrInvalidSealedBlob = errors.New("cryptoutils: invalid sealed blob")

	// ErrInvalidKeySize indicates key material of the wrong length.
	ErrInvalidKeySize = errors.New("cryptoutils: invalid key size")

	// ErrAuthenticationFailed indicates an AEAD tag or AAD binding mismatch:
	// tampering or a wrong key. Open never returns partial plaintext.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// Wipe overwrites the slice with zeros. Callers use it to erase secret
// material the moment it is no longer needed.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SecretBuffer holds secret key material in a caller-controlled buffer that
// is zeroed on Close. It exists so secrets have exactly one owner and an
// explicit end of life instead of lingering on the heap.
type SecretBuffer struct {
	data []byte
}

// NewSecretBuffer takes ownership of data. The caller must not retain or
// reuse the slice afterwards.
func NewSecretBuffer(data []byte) *SecretBuffer {
	return &SecretBuffer{data: data}
}

// Bytes exposes the secret for immediate use. The returned slice aliases
// the buffer and becomes invalid after Close.
func (b *SecretBuffer) Bytes() []byte { return b.data }

// Len returns the secret length.
func (b *SecretBuffer) Len() int { return len(b.data) }

// Close zeroes the buffer. Safe to call more than once.
func (b *SecretBuffer) Close() {
	Wipe(b.data)
	b.data = nil
}
