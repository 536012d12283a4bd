package cryptor

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"shadow-tunnel/internal/domain"
)

// Cryptor holds one connection's cipher state. Encrypt and Decrypt must each
// be called once per chunk, in stream order; the stream position never
// rewinds. A Cryptor is not safe for concurrent use of the same direction,
// but the two directions are independent.
type Cryptor struct {
	method *Method
	key    []byte
	rand   io.Reader

	enc cipher.Stream
	dec cipher.Stream
}

type Option func(*Cryptor)

// WithRand replaces the IV source, which defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *Cryptor) { c.rand = r }
}

func New(method string, password []byte, opts ...Option) (*Cryptor, error) {
	m, err := PickMethod(method)
	if err != nil {
		return nil, err
	}
	key, _ := DeriveKey(password, m.KeySize, m.IVSize)

	c := &Cryptor{method: m, key: key, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cryptor) IVSize() int { return c.method.IVSize }

// DecryptReady reports whether the peer's IV has been consumed.
func (c *Cryptor) DecryptReady() bool { return c.dec != nil }

// Encrypt enciphers p. The first call draws a fresh IV and returns it in
// front of the ciphertext; the IV is never sent again.
func (c *Cryptor) Encrypt(p []byte) ([]byte, error) {
	if c.enc != nil {
		out := make([]byte, len(p))
		c.enc.XORKeyStream(out, p)
		return out, nil
	}

	ivSize := c.method.IVSize
	out := make([]byte, ivSize+len(p))
	iv := out[:ivSize]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("%w: generate iv: %w", domain.ErrTransform, err)
	}
	enc, err := c.method.NewEncrypter(c.key, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransform, err)
	}
	c.enc = enc
	c.enc.XORKeyStream(out[ivSize:], p)
	return out, nil
}

// Decrypt deciphers p. The first call takes the peer's IV from the front of
// p, so it must carry at least IVSize bytes.
func (c *Cryptor) Decrypt(p []byte) ([]byte, error) {
	if c.dec == nil {
		ivSize := c.method.IVSize
		if len(p) < ivSize {
			return nil, fmt.Errorf("%w: first chunk is %d bytes, iv needs %d", domain.ErrTransform, len(p), ivSize)
		}
		dec, err := c.method.NewDecrypter(c.key, p[:ivSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransform, err)
		}
		c.dec = dec
		p = p[ivSize:]
	}

	out := make([]byte, len(p))
	c.dec.XORKeyStream(out, p)
	return out, nil
}
