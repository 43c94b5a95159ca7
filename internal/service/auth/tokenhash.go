package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Keyed token hasher
// Refresh tokens are stored as digests only; the pepper stays in process
// memory, so leaked rows alone cannot be replayed.
type TokenHasher struct {
	pepper []byte
}

func NewTokenHasher(pepper string) (TokenHasher, error) {
	if len(pepper) > 64 {
		return TokenHasher{}, fmt.Errorf("pepper must be at most 64 bytes, got %d", len(pepper))
	}

	return TokenHasher{pepper: []byte(pepper)}, nil
}

// Hash returns the hex encoded keyed BLAKE2b-256 digest of the token
func (h TokenHasher) Hash(token string) (string, error) {
	mac, err := blake2b.New256(h.pepper)
	if err != nil {
		return "", fmt.Errorf("error while preparing token digest. Err: %w", err)
	}

	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Compare checks the raw token against the stored digest in constant time
func (h TokenHasher) Compare(hashed string, token string) error {
	computed, err := h.Hash(token)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(hashed)) != 1 {
		return fmt.Errorf("token digest mismatch")
	}

	return nil
}
