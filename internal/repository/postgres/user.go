package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/repository"
)

type UserRepo struct {
	DB DBTX
}

const upsertUser = `-- name: UpsertUserBySubject
INSERT INTO users (id, subject, name, email, role, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject) DO UPDATE
SET name = EXCLUDED.name,
    email = EXCLUDED.email,
    role = EXCLUDED.role,
    active = EXCLUDED.active,
    updated_at = now()
RETURNING id, created_at, updated_at, subject, name, email, role, active
`

// UpsertBySubject creates the shadow record on first sight of a subject and
// refreshes it on every later call. The generated id is kept from the first
// insert, conflicting inserts never change it.
func (r *UserRepo) UpsertBySubject(ctx context.Context, arg repository.UpsertUserParams) (models.User, error) {
	rows, _ := r.DB.Query(ctx, upsertUser, uuid.New(), arg.Subject, arg.Name, arg.Email, arg.Role, arg.Active)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const syncUser = `-- name: SyncUserBySubject
INSERT INTO users (id, subject, name, email, role, active)
VALUES ($1, $2, $3, $4, $5, true)
ON CONFLICT (subject) DO UPDATE
SET name = EXCLUDED.name,
    email = EXCLUDED.email,
    role = EXCLUDED.role,
    updated_at = now()
RETURNING id, created_at, updated_at, subject, name, email, role, active
`

// SyncBySubject refreshes the profile fields from verified token claims.
// Unlike UpsertBySubject it never touches the active flag of an existing
// record, access token claims carry no activity information.
func (r *UserRepo) SyncBySubject(ctx context.Context, arg repository.SyncUserParams) (models.User, error) {
	rows, _ := r.DB.Query(ctx, syncUser, uuid.New(), arg.Subject, arg.Name, arg.Email, arg.Role)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const getUserBySubject = `-- name: GetUserBySubject
SELECT id, created_at, updated_at, subject, name, email, role, active
FROM users
WHERE subject = $1
`

func (r *UserRepo) GetBySubject(ctx context.Context, subject string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserBySubject, subject)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

const getUserByID = `-- name: GetUserByID
SELECT id, created_at, updated_at, subject, name, email, role, active
FROM users
WHERE id = $1
`

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt, &u.Subject, &u.Name, &u.Email, &u.Role, &u.Active)
	return u, err
}
