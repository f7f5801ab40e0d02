package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptorRoundTrip(t *testing.T) {
	c := testCryptor(t)
	plaintext := []byte(`{"id":"abc","amount":1.5}`)

	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCryptorRejectsTamperedCiphertext(t *testing.T) {
	c := testCryptor(t)
	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestCryptorRejectsShortInput(t *testing.T) {
	c := testCryptor(t)
	_, err := c.Open([]byte("short"))
	assert.Error(t, err)
}

func TestCryptorRequires32ByteKey(t *testing.T) {
	_, err := NewCryptor(bytes.Repeat([]byte{1}, 16))
	assert.Error(t, err)
}

func TestWipeDisablesCryptor(t *testing.T) {
	c := testCryptor(t)
	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	require.False(t, c.Wiped())
	c.Wipe()
	require.True(t, c.Wiped())

	_, err = c.Seal([]byte("payload"))
	assert.Error(t, err)
	_, err = c.Open(sealed)
	assert.Error(t, err)
}
