package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const saveToken = `-- name: SaveRefreshToken
INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip
`

func (r *RefreshTokenRepo) Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, saveToken,
		token.ID, token.UserID, token.TokenHash, token.CreatedAt, token.ExpiresAt, token.RevokedAt, token.UserAgent, token.IP)
	saved, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return saved, fmt.Errorf("token id already exists: %w", err)
		}

		return saved, fmt.Errorf("db error: %w", err)
	}

	return saved, nil
}

const getToken = `-- name: GetRefreshToken
SELECT id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip
FROM refresh_tokens
WHERE id = $1
`

// Get token record by id
// It should return the record even if expired or revoked already
func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getToken, tokenID)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const revokeToken = `-- name: RevokeRefreshToken if still active
UPDATE refresh_tokens
SET revoked_at = COALESCE(revoked_at, $2)
WHERE id = $1
RETURNING id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip
`

// Revoke the token exactly once
// The update never rewrites an earlier revocation, so of two concurrent
// callers exactly one sees its own timestamp come back. The loser receives
// the untouched record and ErrRefreshTokenRevoked.
func (r *RefreshTokenRepo) Revoke(ctx context.Context, tokenID string) (models.RefreshToken, error) {
	// Postgres keeps microseconds, compare at the same precision
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows, _ := r.DB.Query(ctx, revokeToken, tokenID, now)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil && token.RevokedAt != nil && token.RevokedAt.Equal(now):
		return token, nil
	case err == nil: // revoked_at kept an earlier value, somebody else won
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenRevoked)
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const revokeAllTokens = `-- name: RevokeAllRefreshTokens for user
UPDATE refresh_tokens
SET revoked_at = $2
WHERE user_id = $1 AND revoked_at IS NULL
`

// Revoke every record of the user that is not revoked yet
func (r *RefreshTokenRepo) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAllTokens, userID, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const purgeExpiredTokens = `-- name: PurgeExpiredRefreshTokens
DELETE FROM refresh_tokens
WHERE expires_at <= $1
`

// Delete records expired before the deadline, revoked or not
func (r *RefreshTokenRepo) PurgeExpired(ctx context.Context, deadline time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, purgeExpiredTokens, deadline)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.UserAgent, &t.IP)
	return t, err
}
