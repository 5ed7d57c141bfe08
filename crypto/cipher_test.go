package crypto

import (
	"bytes"
	"testing"
)

// newPair creates two independent instances of the same cipher so the
// tests can mirror the encrypt and decrypt sides of a bridge.
func newPair(t *testing.T, name string, key []byte) (Cipher, Cipher) {
	t.Helper()

	enc, err := New(name, key)
	if err != nil {
		t.Fatalf("New(%q) error: %v", name, err)
	}
	dec, err := New(name, key)
	if err != nil {
		t.Fatalf("New(%q) error: %v", name, err)
	}
	return enc, dec
}

func TestCiphersSelfInverse(t *testing.T) {
	key := []byte("secret")
	plaintext := []byte("The quick brown fox jumps over the lazy dog")

	for _, name := range []string{CipherNone, CipherXOR, CipherRC4, CipherChaCha20} {
		t.Run(name, func(t *testing.T) {
			enc, dec := newPair(t, name, key)

			buf := make([]byte, len(plaintext))
			copy(buf, plaintext)

			enc.Transform(buf)
			if name != CipherNone && bytes.Equal(buf, plaintext) {
				t.Errorf("%s left the buffer unchanged", name)
			}

			dec.Transform(buf)
			if !bytes.Equal(buf, plaintext) {
				t.Errorf("%s round trip mismatch: got %x, want %x", name, buf, plaintext)
			}
		})
	}
}

func TestCiphersChunkBoundaryInsensitive(t *testing.T) {
	key := []byte("chunky")
	plaintext := make([]byte, 257)
	for i := range plaintext {
		plaintext[i] = byte(i * 7)
	}

	partitions := [][]int{
		{1, 256},
		{256, 1},
		{13, 13, 13, 218},
		{100, 100, 57},
	}

	for _, name := range []string{CipherXOR, CipherRC4, CipherChaCha20} {
		t.Run(name, func(t *testing.T) {
			whole, err := New(name, key)
			if err != nil {
				t.Fatalf("New(%q) error: %v", name, err)
			}
			want := make([]byte, len(plaintext))
			copy(want, plaintext)
			whole.Transform(want)

			for _, sizes := range partitions {
				chunked, err := New(name, key)
				if err != nil {
					t.Fatalf("New(%q) error: %v", name, err)
				}
				got := make([]byte, len(plaintext))
				copy(got, plaintext)

				off := 0
				for _, n := range sizes {
					chunked.Transform(got[off : off+n])
					off += n
				}
				if off != len(plaintext) {
					t.Fatalf("partition %v does not cover the buffer", sizes)
				}

				if !bytes.Equal(got, want) {
					t.Errorf("partition %v output differs from whole-buffer output", sizes)
				}
			}
		})
	}
}

func TestNoneIsIdentity(t *testing.T) {
	buf := []byte{0x00, 0x41, 0xff, 0x80}
	want := []byte{0x00, 0x41, 0xff, 0x80}

	c := None()
	c.Transform(buf)
	c.Transform(buf)

	if !bytes.Equal(buf, want) {
		t.Errorf("None modified the buffer: got %x, want %x", buf, want)
	}
}

func TestXORKeystreamRotation(t *testing.T) {
	c, err := NewXORKeystream([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("NewXORKeystream error: %v", err)
	}

	buf := []byte{0x00, 0x00, 0x00}
	c.Transform(buf)
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x01}) {
		t.Errorf("first chunk: got %x, want 010201", buf)
	}

	// Index carries over: the next byte pairs with key[1].
	buf = []byte{0x00}
	c.Transform(buf)
	if buf[0] != 0x02 {
		t.Errorf("key index did not persist across calls: got %x, want 02", buf[0])
	}
}

func TestNewForKeySelectionPolicy(t *testing.T) {
	if got := NewForKey(nil).Name(); got != CipherNone {
		t.Errorf("empty key selected %q, want %q", got, CipherNone)
	}
	if got := NewForKey([]byte("k")).Name(); got != CipherRC4 {
		t.Errorf("non-empty key selected %q, want %q", got, CipherRC4)
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name      string
		cipher    string
		key       []byte
		wantError bool
	}{
		{name: "default empty key", cipher: "", key: nil, wantError: false},
		{name: "default with key", cipher: "", key: []byte("k"), wantError: false},
		{name: "none ignores key", cipher: CipherNone, key: nil, wantError: false},
		{name: "xor empty key", cipher: CipherXOR, key: nil, wantError: true},
		{name: "rc4 empty key", cipher: CipherRC4, key: nil, wantError: true},
		{name: "chacha20 empty key", cipher: CipherChaCha20, key: nil, wantError: true},
		{name: "unknown cipher", cipher: "rot13", key: []byte("k"), wantError: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cipher, tc.key)
			if tc.wantError && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantError && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIndependentInstancesDiverge(t *testing.T) {
	// Two instances seeded from the same key diverge in keystream
	// offset as soon as they consume different amounts of data.
	a, err := NewRC4([]byte("secret"))
	if err != nil {
		t.Fatalf("NewRC4 error: %v", err)
	}
	b, err := NewRC4([]byte("secret"))
	if err != nil {
		t.Fatalf("NewRC4 error: %v", err)
	}

	a.Transform(make([]byte, 10))

	bufA := make([]byte, 4)
	bufB := make([]byte, 4)
	a.Transform(bufA)
	b.Transform(bufB)

	if bytes.Equal(bufA, bufB) {
		t.Error("instances at different offsets produced identical keystream")
	}
}
