package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/akostin/flowgate/internal/models"
)

// Storage aggregates the repositories over one database handle.
// InTx runs fn with a Storage bound to a single transaction: commit when fn
// returns nil, rollback otherwise.
type Storage interface {
	User() UserRepo
	RefreshToken() RefreshTokenRepo
	Message() MessageRepo

	InTx(ctx context.Context, fn func(Storage) error) error
}

type UpsertUserParams struct {
	Subject string
	Name    string
	Email   string
	Role    string
	Active  bool
}

type SyncUserParams struct {
	Subject string
	Name    string
	Email   string
	Role    string
}

// User repository interface
type UserRepo interface {
	// Create or update the shadow record keyed by subject, idempotently.
	// The identity provider stays authoritative, so every field except the
	// local id may be overwritten on each call.
	UpsertBySubject(ctx context.Context, arg UpsertUserParams) (models.User, error)

	// Like UpsertBySubject but sourced from token claims: profile fields are
	// refreshed, the active flag of an existing record is left alone.
	SyncBySubject(ctx context.Context, arg SyncUserParams) (models.User, error)

	// Get user by subject or local id
	// If user not found must return apperrors.ErrUserNotFound
	GetBySubject(ctx context.Context, subject string) (models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	// Save token record, id must be unique
	Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Return the record by token id even if expired or revoked
	// If absent must return apperrors.ErrRefreshTokenNotFound
	Get(ctx context.Context, tokenID string) (models.RefreshToken, error)

	// Revoke the record exactly once.
	// Revocation must not overwrite an existing RevokedAt; a second call
	// has to return the record together with apperrors.ErrRefreshTokenRevoked
	// so concurrent callers can tell they lost the race.
	Revoke(ctx context.Context, tokenID string) (models.RefreshToken, error)

	// Revoke every active record of the user, return how many were revoked
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)

	// Delete records that expired before the deadline, return how many
	PurgeExpired(ctx context.Context, deadline time.Time) (int64, error)
}

// Message repository interface for persisted completion turns
type MessageRepo interface {
	Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)

	// List the subject's messages of one session, oldest first
	ListBySession(ctx context.Context, sessionID string, userSubject string) ([]models.ChatMessage, error)
}
