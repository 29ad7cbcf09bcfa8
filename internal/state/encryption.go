package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EncryptionKeyEnvVar holds the passphrase that seals state files at rest.
// When unset, state is written in the clear.
const EncryptionKeyEnvVar = "STACKD_STATE_ENCRYPTION_KEY"

// encryptedHeader marks a sealed state file so readers can tell ciphertext
// from plain rows.
const encryptedHeader = "# STACKD_ENCRYPTED_STATE\n"

// EncryptState seals state bytes with AES-256-GCM when a passphrase is
// configured, and passes them through otherwise. The output is the header
// line followed by base64 of nonce||ciphertext.
func EncryptState(content []byte) ([]byte, error) {
	aead, err := stateAEAD()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return content, nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, content, nil)

	return []byte(encryptedHeader + base64.StdEncoding.EncodeToString(sealed) + "\n"), nil
}

// DecryptState opens sealed state bytes; unencrypted content passes through.
func DecryptState(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	aead, err := stateAEAD()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), encryptedHeader))
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("encrypted state is truncated")
	}

	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether state content carries the sealed header.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

// stateAEAD builds the cipher from the configured passphrase, or returns nil
// when none is set. The passphrase is hashed with SHA-256 so every byte of it
// contributes to the AES-256 key regardless of its length.
func stateAEAD() (cipher.AEAD, error) {
	passphrase := os.Getenv(EncryptionKeyEnvVar)
	if passphrase == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
