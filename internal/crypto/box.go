package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"
)

// Box encrypts and decrypts secret strings at rest using AES-256-GCM.
// The wire format is nonce:authTag:ciphertext with every part hex encoded,
// so rows written by earlier deployments stay readable.
type Box struct {
	aead cipher.AEAD
}

// New derives a 32-byte key from the configured passphrase. When the
// passphrase is empty a random ephemeral key is generated; values encrypted
// with it cannot be decrypted after a restart, so this is flagged loudly.
func New(passphrase string, logger *zap.Logger) (*Box, error) {
	if logger == nil {
		logger = zap.L()
	}
	if strings.TrimSpace(passphrase) == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		passphrase = hex.EncodeToString(buf)
		logger.Warn("ENCRYPTION_KEY not set, using ephemeral key; stored secrets will be unreadable after restart")
	}

	key, err := scrypt.Key([]byte(passphrase), []byte("salt"), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext. Empty input maps to empty output so nullable
// columns round-trip without special casing at call sites.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - b.aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens a nonce:authTag:ciphertext string. Empty input maps to
// empty output.
func (b *Box) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("decrypt: invalid format")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decrypt: decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decrypt: decode auth tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decrypt: decode ciphertext: %w", err)
	}
	if len(nonce) != b.aead.NonceSize() {
		return "", fmt.Errorf("decrypt: invalid nonce size")
	}

	plaintext, err := b.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
