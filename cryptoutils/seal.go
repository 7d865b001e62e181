package cryptoutils

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed blob layout, all lengths fixed by the scheme:
//
//	[kem ct length (2 bytes, big endian)][kem ciphertext][nonce (12)][aead ciphertext+tag]
//
// The format mirrors the length-prefixed framing used elsewhere in the
// service so blobs are self-describing without an envelope structure.

const sealNonceSize = chacha20poly1305.NonceSize

// Seal encrypts plaintext to the holder of the KEM private key matching pk.
// A fresh encapsulation happens per call, so every blob has an independent
// data key. The optional aad is bound into the AEAD tag; Open fails unless
// the identical aad is supplied.
func Seal(kem KEM, rand io.Reader, pk, plaintext, aad []byte) ([]byte, error) {
	ct, ss, err := kem.Encapsulate(rand, pk)
	if err != nil {
		return nil, err
	}
	defer Wipe(ss)

	key, err := DeriveKey("recovery-seal-v1", ss, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)

	blob := make([]byte, 2+len(ct)+sealNonceSize+len(sealed))
	binary.BigEndian.PutUint16(blob[0:2], uint16(len(ct)))
	copy(blob[2:2+len(ct)], ct)
	copy(blob[2+len(ct):2+len(ct)+sealNonceSize], nonce)
	copy(blob[2+len(ct)+sealNonceSize:], sealed)
	return blob, nil
}

// Open decrypts a blob produced by Seal using the KEM private key. It
// returns ErrAuthenticationFailed when the tag or AAD binding does not
// match; no partial plaintext is ever returned.
func Open(kem KEM, sk, blob, aad []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrInvalidSealedBlob
	}
	ctLen := int(binary.BigEndian.Uint16(blob[0:2]))
	if ctLen != kem.CiphertextSize() || len(blob) < 2+ctLen+sealNonceSize {
		return nil, ErrInvalidSealedBlob
	}

	ct := blob[2 : 2+ctLen]
	nonce := blob[2+ctLen : 2+ctLen+sealNonceSize]
	sealed := blob[2+ctLen+sealNonceSize:]

	ss, err := kem.Decapsulate(sk, ct)
	if err != nil {
		return nil, err
	}
	defer Wipe(ss)

	key, err := DeriveKey("recovery-seal-v1", ss, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// SealSymmetric encrypts plaintext under a 32-byte key. Used for at-rest
// wrapping of setup private keys under the service master key.
func SealSymmetric(rand io.Reader, key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal symmetric: %w", err)
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, fmt.Errorf("seal symmetric: nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, aad)...), nil
}

// OpenSymmetric reverses SealSymmetric.
func OpenSymmetric(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(blob) < sealNonceSize {
		return nil, ErrInvalidSealedBlob
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("open symmetric: %w", err)
	}
	plaintext, err := aead.Open(nil, blob[:sealNonceSize], blob[sealNonceSize:], aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
