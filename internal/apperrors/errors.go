package apperrors

import (
	"errors"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserInactive = errors.New("user is inactive")

	ErrTokenInvalid       = errors.New("token is invalid")
	ErrTokenExpired       = errors.New("token is expired")
	ErrTokenWrongKind     = errors.New("token kind mismatch")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrCredentialsInvalid = errors.New("login or password is invalid")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token is revoked")
	ErrTokenReplayDetected  = errors.New("refresh token replay detected")

	ErrCreditsInsufficient = errors.New("insufficient credits")
	ErrLedgerUnavailable   = errors.New("credit ledger is unavailable")

	ErrIdentityUnavailable = errors.New("identity provider is unavailable")

	ErrUpstreamUnavailable = errors.New("upstream engine is unavailable")
)
