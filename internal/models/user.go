package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleEnduser = "enduser"
	RoleAdmin   = "admin"
)

// User is the local shadow of an identity-provider account. The provider
// stays authoritative; this record only lets the gateway authorize without
// a provider round-trip.
type User struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
	Subject   string // identity-provider subject id, unique
	Name      string
	Email     string
	Role      string
	Active    bool
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Principal is the normalized identity attached to authenticated requests.
// Token keeps the raw bearer credential for on-behalf-of ledger calls,
// SessionID is the refresh record id the access token was issued with.
type Principal struct {
	User      User
	Token     string
	SessionID string
}
