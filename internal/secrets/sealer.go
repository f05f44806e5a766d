package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// StateKeyEnvVar holds the key sealing persisted resource state.
	StateKeyEnvVar = "RECONCILR_STATE_ENCRYPTION_KEY"

	// FileKeyEnvVar holds the key sealing the file secret store.
	FileKeyEnvVar = "RECONCILR_SECRETS_ENCRYPTION_KEY"

	sealedHeader = "# RECONCILR_SEALED\n"
)

// Sealer encrypts payloads with AES-256-GCM. A Sealer without a key passes
// plaintext through unchanged.
type Sealer struct {
	key    []byte
	envVar string
}

// NewSealer returns a sealer for key. An empty key disables sealing.
func NewSealer(key string) *Sealer {
	return &Sealer{key: deriveKey(key)}
}

// SealerFromEnv reads the key from envVar.
func SealerFromEnv(envVar string) *Sealer {
	s := NewSealer(os.Getenv(envVar))
	s.envVar = envVar
	return s
}

// Enabled reports whether a key is configured.
func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

// Seal encrypts content. Returns the original content if no key is configured.
func (s *Sealer) Seal(content []byte) ([]byte, error) {
	if !s.Enabled() {
		return content, nil
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(sealedHeader + encoded + "\n"), nil
}

// Open decrypts content if it is sealed and returns it unchanged otherwise.
func (s *Sealer) Open(content []byte) ([]byte, error) {
	if !IsSealed(content) {
		return content, nil
	}
	if !s.Enabled() {
		if s != nil && s.envVar != "" {
			return nil, fmt.Errorf("content is encrypted but %s is not set", s.envVar)
		}
		return nil, fmt.Errorf("content is encrypted but no key is configured")
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), sealedHeader))
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed content: %w", err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt (wrong key?): %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// IsSealed checks if content was produced by Seal.
func IsSealed(content []byte) bool {
	return strings.HasPrefix(string(content), sealedHeader)
}

// deriveKey pads or truncates key to 32 bytes; empty means no key.
func deriveKey(key string) []byte {
	if key == "" {
		return nil
	}
	k := make([]byte, 32)
	copy(k, []byte(key))
	return k
}
