package crypto

// RC4 implements the RC4 stream cipher. The key schedule runs once at
// construction; every output byte consumes and mutates the internal
// permutation, which is never reset between calls.
//
// RC4 is cryptographically broken and is used here purely as a traffic
// obfuscator compatible with the original proxy wire format.
type RC4 struct {
	s    [256]byte
	i, j uint8
}

// NewRC4 creates an RC4 cipher seeded from key via the standard
// key-scheduling algorithm.
func NewRC4(key []byte) (*RC4, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	c := &RC4{}
	for i := 0; i < 256; i++ {
		c.s[i] = byte(i)
	}

	var j uint8
	for i := 0; i < 256; i++ {
		j += key[i%len(key)] + c.s[i]
		c.s[i], c.s[j] = c.s[j], c.s[i]
	}

	return c, nil
}

// Transform XORs p in place with the RC4 keystream.
func (c *RC4) Transform(p []byte) {
	i, j := c.i, c.j
	for n := range p {
		i++
		j += c.s[i]
		c.s[i], c.s[j] = c.s[j], c.s[i]
		p[n] ^= c.s[c.s[i]+c.s[j]]
	}
	c.i, c.j = i, j
}

// Name returns the cipher identifier.
func (c *RC4) Name() string { return CipherRC4 }
