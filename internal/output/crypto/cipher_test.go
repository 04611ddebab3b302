package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "cardreader/pkg/domain-errors"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestCipher_SealOpen(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.Seal("3100600123456")
	require.NoError(t, err)
	b, err := c.Seal("3100600123456")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per call")

	for _, token := range []string{a, b} {
		plain, err := c.Open(token)
		require.NoError(t, err)
		assert.Equal(t, "3100600123456", plain)

		raw, err := base64.StdEncoding.DecodeString(token)
		require.NoError(t, err)
		assert.Len(t, raw, NonceSize+len("3100600123456")+16)
	}
}

func TestCipher_SealUnicodeAndEmpty(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	for _, in := range []string{"", "จังหวัดกรุงเทพมหานคร"} {
		token, err := c.Seal(in)
		require.NoError(t, err)
		out, err := c.Open(token)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestCipher_OpenRejectsTampering(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)
	token, err := c.Seal("secret")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(token)
	raw[len(raw)-1] ^= 0x01
	_, err = c.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	other, err := NewCipher(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)
	_, err = other.Open(token)
	assert.Error(t, err)

	_, err = c.Open("AAAA")
	assert.Error(t, err)
}

func TestKeyHandling(t *testing.T) {
	t.Run("wrong key size is a config error", func(t *testing.T) {
		_, err := NewCipher([]byte("short"))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeEncryptionConfig))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := ParseKey("  ")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeEncryptionConfig))
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := ParseKey("not base64!")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeEncryptionConfig))
	})

	t.Run("generated key parses", func(t *testing.T) {
		encoded, err := GenerateKey()
		require.NoError(t, err)
		key, err := ParseKey(encoded)
		require.NoError(t, err)
		assert.Len(t, key, KeySize)
	})
}
