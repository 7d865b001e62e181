// Package cryptoutils provides the cryptographic building blocks for the
// recovery service.
//
// # Key encapsulation
//
// The KEM interface wraps a post-quantum key encapsulation mechanism. The
// default is ML-KEM-768 (NIST FIPS 203) via CIRCL. The scheme is pluggable
// on purpose: the rest of the core only sees encoded keys and fixed-size
// ciphertexts.
//
// # Hybrid sealing
//
// Seal/Open implement KEM + ChaCha20-Poly1305 hybrid encryption. Every call
// to Seal encapsulates a fresh shared secret, expands it through a
// domain-separated SHAKE-256 KDF, and authenticates the payload together
// with caller-supplied associated data. Open either returns the exact
// plaintext or ErrAuthenticationFailed, never anything in between.
//
// # Password derivation
//
// DeriveKeyFromPassword uses Argon2id with memory-hard parameters for
// wrapping keys derived from user secrets.
//
// Secret lifetimes are explicit: shared secrets and derived keys are wiped
// as soon as they are used, and SecretBuffer gives callers a zero-on-close
// container for longer-lived material.
package cryptoutils
