package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the stored metadata of an issued refresh token. Only a
// keyed hash of the signed token is kept, never the token itself.
type RefreshToken struct {
	ID        string // random 256-bit hex, doubles as the token's jti
	UserID    uuid.UUID
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time // nil while the token may still be rotated
	UserAgent string
	IP        string
}

// Valid reports whether the record may still be exchanged for a new pair.
func (t RefreshToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by TokenCodec, AuthService
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
