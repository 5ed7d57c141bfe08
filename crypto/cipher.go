package crypto

import (
	"errors"
	"fmt"
)

// Cipher is a stateful streaming byte transform. Transform mutates the
// buffer in place, consuming exactly len(p) bytes of the instance's
// keystream. State carries across calls, so a stream may be processed
// in arbitrary chunks. A Cipher instance is owned by exactly one
// direction of one bridge and must not be shared.
type Cipher interface {
	// Transform applies the cipher to p in place.
	Transform(p []byte)

	// Name returns the cipher's identifier for diagnostics.
	Name() string
}

// Cipher identifiers accepted by New.
const (
	CipherNone     = "none"
	CipherXOR      = "xor"
	CipherRC4      = "rc4"
	CipherChaCha20 = "chacha20"
)

// ErrEmptyKey is returned when a keyed cipher is constructed without
// key material.
var ErrEmptyKey = errors.New("cipher key must not be empty")

// noneCipher is the identity transform.
type noneCipher struct{}

// None returns the identity cipher. It has no state and leaves every
// buffer unchanged.
func None() Cipher {
	return noneCipher{}
}

func (noneCipher) Transform(p []byte) {}

func (noneCipher) Name() string { return CipherNone }

// NewForKey applies the default selection policy: an empty key selects
// the identity cipher, any other key selects RC4.
func NewForKey(key []byte) Cipher {
	if len(key) == 0 {
		return None()
	}
	c, _ := NewRC4(key)
	return c
}

// New constructs the named cipher. An empty name falls back to the
// NewForKey selection policy.
func New(name string, key []byte) (Cipher, error) {
	switch name {
	case "":
		return NewForKey(key), nil
	case CipherNone:
		return None(), nil
	case CipherXOR:
		return NewXORKeystream(key)
	case CipherRC4:
		return NewRC4(key)
	case CipherChaCha20:
		return NewChaCha20(key)
	default:
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
}
