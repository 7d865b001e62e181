package cryptoutils

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
)

// Argon2Params are the memory-hard KDF parameters for password-based
// derivation. The defaults follow the Argon2id recommendations for
// interactive use.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params returns time=1, memory=64MiB, threads=4, 32-byte key.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32}
}

// DeriveKeyFromPassword derives a key from a password and salt with
// Argon2id. The salt must be unique per account; 16 bytes or more.
func DeriveKeyFromPassword(password, salt []byte, params Argon2Params) ([]byte, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("derive key: %w: salt must be at least 16 bytes", ErrInvalidKeySize)
	}
	if params.KeyLen == 0 {
		return nil, fmt.Errorf("derive key: %w: zero output length", ErrInvalidKeySize)
	}
	return argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, params.KeyLen), nil
}

// DeriveKey expands input into outputLen bytes with SHAKE-256 under a
// domain separation string. Length prefixes are 4-byte big endian so the
// encoding is unambiguous.
func DeriveKey(domain string, input []byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<16 {
		return nil, fmt.Errorf("derive key: %w: bad output length %d", ErrInvalidKeySize, outputLen)
	}

	shake := sha3.NewShake256()
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(domain)))
	shake.Write(lenBuf[:])
	shake.Write([]byte(domain))

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(input)))
	shake.Write(lenBuf[:])
	shake.Write(input)

	out := make([]byte, outputLen)
	if _, err := shake.Read(out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}
