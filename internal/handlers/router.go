package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/handlers/middleware"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/service/auth"
	"github.com/akostin/flowgate/internal/service/relay"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	relayService relayService,
	ledgerService ledgerService,
	messageService messageService,
	db Pinger,
	logger logger.Logger,
) http.Handler {
	authMiddleware := middleware.AuthMiddleware(authService)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}
	withAdmin := func(h http.Handler) http.Handler {
		return authMiddleware(middleware.RequireAdmin()(h))
	}

	api := http.NewServeMux()

	api.Handle("POST /auth/login", handleLogin(authService, logger))
	api.Handle("POST /auth/refresh", handleTokenRefresh(authService, logger))
	api.Handle("POST /auth/revoke", withAuth(handleRevoke(authService, logger)))
	api.Handle("GET /auth/me", withAuth(handleMe()))

	api.Handle("POST /completion", withAuth(handleCompletion(relayService, logger)))
	api.Handle("GET /credits/balance", withAuth(handleCreditBalance(ledgerService, logger)))
	api.Handle("GET /chat/{session_id}", withAuth(handleChatHistory(messageService, logger)))

	api.Handle("POST /admin/users/{subject}/revoke", withAdmin(handleAdminRevoke(authService, logger)))

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", api))
	root.Handle("GET /health", handleHealth())
	root.Handle("GET /ready", handleReady(db, logger))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Login delegates credential checking to the identity provider and
	// issues a token pair for the shadowed user
	// Has to return apperrors.ErrCredentialsInvalid on bad credentials
	Login(ctx context.Context, login string, password string, meta auth.ClientMeta) (models.TokenPair, models.User, error)

	// Refresh rotates a refresh token into a new pair, single use
	// If token expired: has to return apperrors.ErrRefreshTokenExpired
	// If token replayed: has to return apperrors.ErrTokenReplayDetected
	Refresh(ctx context.Context, refreshToken string, meta auth.ClientMeta) (models.TokenPair, error)

	// Revoke one session of the user
	// Foreign or unknown token ids: apperrors.ErrRefreshTokenNotFound
	Revoke(ctx context.Context, userID uuid.UUID, tokenID string) error

	// Revoke every session of the user, return how many there were
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)

	// RevokeAll keyed by provider subject, for the admin surface
	RevokeAllBySubject(ctx context.Context, subject string) (int64, error)

	// Resolve the request's bearer token into a principal
	Auth(ctx context.Context, r *http.Request) (models.Principal, error)
}

type relayService interface {
	Run(ctx context.Context, principal models.Principal, req relay.Request, sink relay.Sink) error
}

type ledgerService interface {
	GetBalance(ctx context.Context, userToken string) (decimal.Decimal, error)
}

type messageService interface {
	ListBySession(ctx context.Context, sessionID string, userSubject string) ([]models.ChatMessage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}
