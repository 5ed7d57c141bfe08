// Package crypto implements the stream cipher layer for tcpbridge.
//
// The relay obscures forwarded traffic with a symmetric, self-inverse
// stream cipher keyed by a pre-shared secret. Each direction of a
// bridge owns one independent cipher instance; the two instances are
// seeded from the same key but advance their keystreams independently,
// so the remote peer must run the same cipher with the same key to
// recover the plaintext.
//
// Available ciphers:
//
//   - [None]: identity transform (used when no key is configured)
//   - [XORKeystream]: XOR with the key bytes, rotating over the key
//   - [RC4]: classic RC4 keystream (KSA + PRGA)
//   - [ChaCha20]: ChaCha20 keystream, key stretched with SHA-256
//
// None of these provide integrity, authentication, or forward secrecy.
// They defeat casual passive inspection only.
package crypto
