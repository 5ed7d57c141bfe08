package crypto

// XORKeystream XORs each byte with the key, rotating through the key
// bytes. The key index persists across Transform calls, so chunked and
// whole-buffer processing produce identical output.
type XORKeystream struct {
	key []byte
	idx int
}

// NewXORKeystream creates an XOR keystream cipher seeded with key.
func NewXORKeystream(key []byte) (*XORKeystream, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XORKeystream{key: k}, nil
}

// Transform XORs p in place with the rotating key.
func (x *XORKeystream) Transform(p []byte) {
	for i := range p {
		p[i] ^= x.key[x.idx]
		x.idx = (x.idx + 1) % len(x.key)
	}
}

// Name returns the cipher identifier.
func (x *XORKeystream) Name() string { return CipherXOR }
