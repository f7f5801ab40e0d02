package cache

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// Cryptor wraps every value written to the fast-path cache with
// compress-then-encrypt, and decrypt-then-decompress on read. Wipe
// destroys the working key for a protective lockdown; after that every
// operation fails until a fresh adapter is built on restart.
type Cryptor struct {
	mu   sync.Mutex
	key  []byte
	aead cipher.AEAD
}

// NewCryptor builds an adapter around a 32-byte AES-256 key.
func NewCryptor(key []byte) (*Cryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("storage key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Cryptor{key: k, aead: aead}, nil
}

// Seal compresses and encrypts a value. The nonce is prepended to the
// ciphertext.
func (c *Cryptor) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	aead := c.aead
	c.mu.Unlock()
	if aead == nil {
		return nil, fmt.Errorf("storage key has been wiped")
	}

	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %v", err)
	}
	if _, err := zw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to compress value: %v", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressor: %v", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	return aead.Seal(nonce, nonce, buf.Bytes(), nil), nil
}

// Open decrypts and decompresses a value produced by Seal.
func (c *Cryptor) Open(sealed []byte) ([]byte, error) {
	c.mu.Lock()
	aead := c.aead
	c.mu.Unlock()
	if aead == nil {
		return nil, fmt.Errorf("storage key has been wiped")
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	compressed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt value: %v", err)
	}

	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()
	plaintext, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %v", err)
	}
	return plaintext, nil
}

// Wipe zeroes the in-memory key. Part of the lockdown path; not
// recoverable within this process.
func (c *Cryptor) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.key {
		c.key[i] = 0
	}
	c.key = nil
	c.aead = nil
}

// Wiped reports whether the working key has been destroyed.
func (c *Cryptor) Wiped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aead == nil
}
