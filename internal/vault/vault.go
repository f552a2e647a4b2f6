// Package vault encrypts trigger secrets at rest. Secrets are a flat
// map[string]string; the encrypted form is a single opaque string stored in
// the project_triggers row.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// Vault seals and opens secret maps with a symmetric key.
type Vault struct {
	key [keySize]byte
}

// New returns a Vault using the given 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", keySize, len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// NewFromEnv reads the base64-encoded key from the SECRETS_KEY environment
// variable.
func NewFromEnv() (*Vault, error) {
	raw := os.Getenv("SECRETS_KEY")
	if raw == "" {
		return nil, fmt.Errorf("SECRETS_KEY not set")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode SECRETS_KEY: %w", err)
	}
	return New(key)
}

// Seal encrypts the secret map into an opaque base64 string.
func (v *Vault) Seal(secrets map[string]string) (string, error) {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return "", fmt.Errorf("marshal secrets: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a string produced by Seal. An empty input yields an empty
// map, so triggers created without secrets read back cleanly.
func (v *Vault) Open(ciphertext string) (map[string]string, error) {
	if ciphertext == "" {
		return map[string]string{}, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("secrets ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.key)
	if !ok {
		return nil, fmt.Errorf("secrets authentication failed")
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return secrets, nil
}

// ValidateSecrets rejects secret payloads whose values are not plain strings.
// Callers decode request JSON into map[string]any and pass it here; the
// returned map is safe to Seal.
func ValidateSecrets(raw map[string]any) (map[string]string, error) {
	secrets := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("secret value for %q must be a string", k)
		}
		secrets[k] = s
	}
	return secrets, nil
}
