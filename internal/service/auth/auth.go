// Package auth owns the token lifecycle: login against the identity
// provider, refresh rotation, revocation and request authentication.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/repository"
	"github.com/akostin/flowgate/internal/service/auth/tokencodec"
	"github.com/akostin/flowgate/internal/service/identity"
)

// How refresh treats an unreachable identity provider.
// Permissive continues with the local shadow record, strict denies.
const (
	IdentityCheckPermissive = "permissive"
	IdentityCheckStrict     = "strict"
)

// IdentityProvider is the slice of the external provider the service needs.
// Login delegates the password check, GetUser confirms a subject still
// exists on refresh.
type IdentityProvider interface {
	Login(ctx context.Context, login string, password string) (identity.Identity, error)
	GetUser(ctx context.Context, subject string) (identity.Identity, error)
}

// ClientMeta is recorded with every issued refresh token.
type ClientMeta struct {
	UserAgent string
	IP        string
}

// ClientMetaFromRequest picks the client address the way proxies report it.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip, _, _ = strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}

	return ClientMeta{
		UserAgent: r.UserAgent(),
		IP:        ip,
	}
}

type ServiceConfig struct {
	// IdentityCheck selects the refresh behavior when the provider can't
	// answer: IdentityCheckPermissive (default) or IdentityCheckStrict.
	IdentityCheck string
}

type Service struct {
	codec    *tokencodec.Codec
	hasher   *TokenHasher
	storage  repository.Storage
	provider IdentityProvider
	check    string
	logger   logger.Logger
}

func NewService(cfg ServiceConfig, codec *tokencodec.Codec, hasher *TokenHasher, storage repository.Storage, provider IdentityProvider, log logger.Logger) (*Service, error) {
	if codec == nil || hasher == nil || storage == nil || provider == nil {
		return nil, errors.New("codec, hasher, storage and provider must not be nil")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	check := cfg.IdentityCheck
	if check == "" {
		check = IdentityCheckPermissive
	}
	if check != IdentityCheckPermissive && check != IdentityCheckStrict {
		return nil, fmt.Errorf("unknown identity check mode: %q", check)
	}

	return &Service{
		codec:    codec,
		hasher:   hasher,
		storage:  storage,
		provider: provider,
		check:    check,
		logger:   log,
	}, nil
}

// Login delegates the credential check to the identity provider, mirrors the
// returned claims into the shadow table and issues a token pair.
func (s *Service) Login(ctx context.Context, login string, password string, meta ClientMeta) (models.TokenPair, models.User, error) {
	var pair models.TokenPair

	ident, err := s.provider.Login(ctx, login, password)
	if err != nil {
		return pair, models.User{}, s.mapIdentityError(err)
	}

	user, err := s.syncFromProvider(ctx, ident)
	if err != nil {
		return pair, models.User{}, fmt.Errorf("error while syncing user. Err: %w", err)
	}
	if !user.Active {
		return pair, models.User{}, fmt.Errorf("auth error: %w", apperrors.ErrUserInactive)
	}

	pair, err = s.issuePair(ctx, user, meta)
	if err != nil {
		return pair, models.User{}, err
	}

	return pair, user, nil
}

// Refresh rotates a presented refresh token for a new pair. Any sign the
// token was stolen or already rotated revokes every token of its owner.
func (s *Service) Refresh(ctx context.Context, presented string, meta ClientMeta) (models.TokenPair, error) {
	var pair models.TokenPair

	claims, err := s.codec.Verify(presented, tokencodec.KindRefresh)
	if err != nil {
		return pair, fmt.Errorf("error while verifying refresh token. Err: %w", err)
	}

	user, err := s.storage.User().GetBySubject(ctx, claims.Subject)
	if err != nil {
		return pair, fmt.Errorf("error while resolving subject. Err: %w", err)
	}

	record, err := s.storage.RefreshToken().Get(ctx, claims.ID)
	if err != nil {
		return pair, fmt.Errorf("error while loading refresh token. Err: %w", err)
	}

	// The signature proves who minted the token, the stored hash proves this
	// exact string is the one that was issued. A verified token failing the
	// ownership or hash check points at a leaked record.
	if record.UserID != user.ID || s.hasher.Compare(record.TokenHash, presented) != nil {
		s.containBreach(ctx, record.UserID, "refresh token hash mismatch")
		return pair, fmt.Errorf("auth error: %w", apperrors.ErrTokenInvalid)
	}

	switch {
	case record.RevokedAt != nil:
		s.containBreach(ctx, user.ID, "revoked refresh token replayed")
		return pair, fmt.Errorf("auth error: %w", apperrors.ErrTokenReplayDetected)
	case record.ExpiresAt.Before(time.Now()):
		return pair, fmt.Errorf("auth error: %w", apperrors.ErrRefreshTokenExpired)
	}

	user, err = s.confirmSubject(ctx, user)
	if err != nil {
		return pair, err
	}

	_, err = s.storage.RefreshToken().Revoke(ctx, record.ID)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrRefreshTokenRevoked):
		// Lost the rotation race, same treatment as a replay
		s.containBreach(ctx, user.ID, "concurrent refresh of one token")
		return pair, fmt.Errorf("auth error: %w", apperrors.ErrTokenReplayDetected)
	default:
		return pair, fmt.Errorf("error while revoking refresh token. Err: %w", err)
	}

	return s.issuePair(ctx, user, meta)
}

// Revoke ends one session of the user. Repeated calls are a no-op, foreign
// token ids look exactly like missing ones.
func (s *Service) Revoke(ctx context.Context, userID uuid.UUID, tokenID string) error {
	record, err := s.storage.RefreshToken().Get(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("error while loading refresh token. Err: %w", err)
	}
	if record.UserID != userID {
		return fmt.Errorf("error while loading refresh token. Err: %w", apperrors.ErrRefreshTokenNotFound)
	}

	_, err = s.storage.RefreshToken().Revoke(ctx, tokenID)
	if err != nil && !errors.Is(err, apperrors.ErrRefreshTokenRevoked) {
		return fmt.Errorf("error while revoking refresh token. Err: %w", err)
	}

	return nil
}

// RevokeAll ends every session of the user and reports how many there were.
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	count, err := s.storage.RefreshToken().RevokeAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("error while revoking user tokens. Err: %w", err)
	}

	return count, nil
}

// RevokeAllBySubject is RevokeAll keyed by the provider subject, for
// administrative lockout of any account.
func (s *Service) RevokeAllBySubject(ctx context.Context, subject string) (int64, error) {
	user, err := s.storage.User().GetBySubject(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("error while loading user. Err: %w", err)
	}

	return s.RevokeAll(ctx, user.ID)
}

// Auth resolves the request's bearer token into a principal: verify the
// access token, sync the shadow record from its claims, reject inactive
// users. Sync failures are logged and the claims stand in for the record.
func (s *Service) Auth(ctx context.Context, r *http.Request) (models.Principal, error) {
	var principal models.Principal

	raw, err := bearerToken(r)
	if err != nil {
		return principal, fmt.Errorf("auth error: %w", err)
	}

	claims, err := s.codec.Verify(raw, tokencodec.KindAccess)
	if err != nil {
		return principal, fmt.Errorf("error while verifying access token. Err: %w", err)
	}

	user := s.shadowUser(ctx, claims)
	if !user.Active {
		return principal, fmt.Errorf("auth error: %w", apperrors.ErrUserInactive)
	}

	return models.Principal{User: user, Token: raw, SessionID: claims.SessionID}, nil
}

func bearerToken(r *http.Request) (string, error) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !found || token == "" || !strings.EqualFold(scheme, "Bearer") {
		return "", apperrors.ErrTokenInvalid
	}

	return token, nil
}

func (s *Service) issuePair(ctx context.Context, user models.User, meta ClientMeta) (models.TokenPair, error) {
	var pair models.TokenPair

	refresh, tokenID, err := s.codec.IssueRefresh(user)
	if err != nil {
		return pair, fmt.Errorf("error while issuing refresh token. Err: %w", err)
	}

	hash, err := s.hasher.Hash(refresh.Value)
	if err != nil {
		return pair, fmt.Errorf("error while hashing refresh token. Err: %w", err)
	}

	_, err = s.storage.RefreshToken().Save(ctx, models.RefreshToken{
		ID:        tokenID,
		UserID:    user.ID,
		TokenHash: hash,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: refresh.ExpiresAt,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	})
	if err != nil {
		return pair, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	// The access token carries the refresh record id as its session id, so
	// revoke without arguments can find the caller's own session.
	access, err := s.codec.IssueAccess(user, tokenID)
	if err != nil {
		return pair, fmt.Errorf("error while issuing access token. Err: %w", err)
	}

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

// confirmSubject asks the provider whether the subject still exists before
// rotation. Deleted subjects lose every session, an unreachable provider
// passes or denies depending on the configured check mode.
func (s *Service) confirmSubject(ctx context.Context, user models.User) (models.User, error) {
	ident, err := s.provider.GetUser(ctx, user.Subject)
	if err == nil {
		synced, syncErr := s.syncFromProvider(ctx, ident)
		if syncErr != nil {
			s.logger.Warn("Failed to sync user on refresh", "error", syncErr, "subject", user.Subject)
			synced = user
		}
		if !ident.Active || !synced.Active {
			return user, fmt.Errorf("auth error: %w", apperrors.ErrUserInactive)
		}
		return synced, nil
	}

	var identErr *identity.Error
	if errors.As(err, &identErr) && identErr.Code == identity.CodeNotFound {
		s.containBreach(ctx, user.ID, "subject no longer exists at provider")
		return user, fmt.Errorf("auth error: %w", apperrors.ErrUserNotFound)
	}

	if s.check == IdentityCheckStrict {
		return user, fmt.Errorf("auth error: %w: %w", apperrors.ErrIdentityUnavailable, err)
	}

	s.logger.Warn("Identity provider unreachable, trusting local record", "error", err, "subject", user.Subject)
	return user, nil
}

func (s *Service) syncFromProvider(ctx context.Context, ident identity.Identity) (models.User, error) {
	role := ident.Role
	if role == "" {
		role = models.RoleEnduser
	}

	return s.storage.User().UpsertBySubject(ctx, repository.UpsertUserParams{
		Subject: ident.Subject,
		Name:    ident.Name,
		Email:   ident.Email,
		Role:    role,
		Active:  ident.Active,
	})
}

func (s *Service) shadowUser(ctx context.Context, claims tokencodec.Claims) models.User {
	role := claims.Role
	if role == "" {
		role = models.RoleEnduser
	}

	user, err := s.storage.User().SyncBySubject(ctx, repository.SyncUserParams{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    role,
	})
	if err == nil {
		return user
	}
	s.logger.Warn("Failed to sync shadow user", "error", err, "subject", claims.Subject)

	user, err = s.storage.User().GetBySubject(ctx, claims.Subject)
	if err == nil {
		return user
	}

	// The shadow table mirrors provider claims, it is not a gatekeeper. With
	// storage down the verified claims themselves carry the request.
	return models.User{
		Subject: claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    role,
		Active:  true,
	}
}

func (s *Service) containBreach(ctx context.Context, userID uuid.UUID, reason string) {
	count, err := s.storage.RefreshToken().RevokeAll(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to revoke user tokens on breach", "error", err, "user_id", userID)
		return
	}

	s.logger.Warn("Revoked all user refresh tokens", "reason", reason, "user_id", userID, "revoked", count)
}

func (s *Service) mapIdentityError(err error) error {
	var identErr *identity.Error
	if errors.As(err, &identErr) {
		switch identErr.Code {
		case identity.CodeInvalidCredentials:
			return fmt.Errorf("auth error: %w", apperrors.ErrCredentialsInvalid)
		case identity.CodeNotFound:
			return fmt.Errorf("auth error: %w", apperrors.ErrUserNotFound)
		case identity.CodeUnavailable:
			return fmt.Errorf("auth error: %w: %w", apperrors.ErrIdentityUnavailable, err)
		}
	}

	return fmt.Errorf("identity provider error: %w", err)
}
