package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"omnidesk/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32     // AES-256
	nonceSize  = 12     // GCM standard nonce size
	iterations = 100000 // PBKDF2 iterations

	// MinSecretLength is the shortest accepted encryption secret.
	MinSecretLength = constants.MinEncryptionSecretLength

	encryptionSalt = "omnidesk-channel-credentials-v1"
	cipherPrefix   = "enc:v1:"
)

// ErrEncryptionDisabled is returned when an encrypted value is read without a key.
var ErrEncryptionDisabled = errors.New("value is encrypted but no encryption secret is configured")

// Encryptor seals channel secrets with AES-GCM. A zero-key Encryptor passes
// values through unchanged.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor derives an AES key from secret. An empty secret disables
// encryption.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return &Encryptor{}, nil
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", MinSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(encryptionSalt), iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Enabled reports whether values are encrypted on write.
func (e *Encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens values written by Encrypt. Values without the cipher prefix
// were stored before encryption was enabled and are returned as-is.
func (e *Encryptor) Decrypt(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, cipherPrefix)
	if !ok {
		return value, nil
	}
	if !e.Enabled() {
		return "", ErrEncryptionDisabled
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
