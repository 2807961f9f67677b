package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	require.True(t, encryptor.Enabled())

	testCases := []struct {
		name      string
		plaintext string
	}{
		{name: "simple text", plaintext: "hello world"},
		{name: "empty string", plaintext: ""},
		{name: "unicode text", plaintext: "Grüße aus Köln 🌍"},
		{name: "token", plaintext: "EAAG-long-lived-access-token-0123456789"},
		{name: "special characters", plaintext: "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}
			assert.True(t, strings.HasPrefix(ciphertext, cipherPrefix))
			assert.NotContains(t, ciphertext, tc.plaintext)

			decrypted, err := encryptor.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_RandomNonce(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	a, err := encryptor.Encrypt("same input")
	require.NoError(t, err)
	b, err := encryptor.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_Disabled(t *testing.T) {
	encryptor, err := NewEncryptor("")
	require.NoError(t, err)
	assert.False(t, encryptor.Enabled())

	out, err := encryptor.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	enabled, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	sealed, err := enabled.Encrypt("secret")
	require.NoError(t, err)

	_, err = encryptor.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrEncryptionDisabled)
}

func TestEncryptor_PlaintextPassthrough(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	out, err := encryptor.Decrypt("stored-before-encryption")
	require.NoError(t, err)
	assert.Equal(t, "stored-before-encryption", out)
}

func TestEncryptor_InvalidData(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	other, err := NewEncryptor(strings.Repeat("x", MinSecretLength))
	require.NoError(t, err)
	sealed, err := other.Encrypt("hello")
	require.NoError(t, err)

	for name, value := range map[string]string{
		"bad base64": cipherPrefix + "!!!",
		"too short":  cipherPrefix + "AAAA",
		"wrong key":  sealed,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := encryptor.Decrypt(value)
			assert.Error(t, err)
		})
	}
}

func TestNewEncryptor_ShortSecret(t *testing.T) {
	_, err := NewEncryptor("too-short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}
