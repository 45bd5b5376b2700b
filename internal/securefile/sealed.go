package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed is an AEAD ciphertext with its nonce, both base64 encoded.
type Sealed struct {
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// SealWithKey encrypts plain under a 32 byte key with a fresh random nonce.
func SealWithKey(key, plain, aad []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plain, aad)
	return &Sealed{
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CTB64:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// OpenWithKey reverses SealWithKey. Any authentication failure is reported as
// ErrInvalidPasswordOrCorrupt.
func OpenWithKey(key []byte, s *Sealed, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidPasswordOrCorrupt
	}
	nonce, err := base64.StdEncoding.DecodeString(s.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.CTB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidPasswordOrCorrupt
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrInvalidPasswordOrCorrupt
	}
	return plain, nil
}
