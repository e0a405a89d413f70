package connector

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// SealedPrefix marks a secretbox-sealed credential.
const SealedPrefix = "secretbox:"

// SecretOpener turns a stored credential into its plaintext bytes.
type SecretOpener interface {
	Open(value string) ([]byte, error)
}

// PlainSecrets returns values unchanged and rejects sealed ones.
type PlainSecrets struct{}

func (PlainSecrets) Open(value string) ([]byte, error) {
	if strings.HasPrefix(value, SealedPrefix) {
		return nil, errors.New("sealed credential found but no credential key configured")
	}
	return []byte(value), nil
}

// SecretBox seals and opens credentials with a 32-byte key.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox parses a hex-encoded 32-byte key.
func NewSecretBox(hexKey string) (*SecretBox, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(raw))
	}
	sb := &SecretBox{}
	copy(sb.key[:], raw)
	return sb, nil
}

// Seal encrypts plaintext into SealedPrefix + base64(nonce||box).
func (s *SecretBox) Seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts sealed values; unsealed values pass through.
func (s *SecretBox) Open(value string) ([]byte, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return []byte(value), nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("sealed credential: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return nil, errors.New("sealed credential too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("sealed credential failed authentication")
	}
	return plain, nil
}
