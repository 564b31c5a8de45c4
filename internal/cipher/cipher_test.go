package cipher_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/apperr"
	"github.com/mastra-agents/chatgateway/internal/cipher"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := "super-secret-bearer-token"
	blob, err := cipher.Encrypt(plaintext, "key-material")
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(blob, ":"))

	got, err := cipher.Decrypt(blob, "key-material")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptTamperedFails(t *testing.T) {
	blob, err := cipher.Encrypt("token", "key-material")
	require.NoError(t, err)

	last := blob[len(blob)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := blob[:len(blob)-1] + string(flipped)
	_, err = cipher.Decrypt(tampered, "key-material")
	require.ErrorIs(t, err, cipher.ErrDecrypt)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	blob, err := cipher.Encrypt("token", "key-a")
	require.NoError(t, err)

	_, err = cipher.Decrypt(blob, "key-b")
	require.ErrorIs(t, err, cipher.ErrDecrypt)
}

func TestDecryptMalformedBlob(t *testing.T) {
	_, err := cipher.Decrypt("not-a-valid-blob", "k")
	require.ErrorIs(t, err, cipher.ErrDecrypt)
	require.True(t, apperr.Is(err, apperr.KindDecrypt))
}

func TestEncryptProducesFreshSaltPerCall(t *testing.T) {
	a, err := cipher.Encrypt("token", "k")
	require.NoError(t, err)
	b, err := cipher.Encrypt("token", "k")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
