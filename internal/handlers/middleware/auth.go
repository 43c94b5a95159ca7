package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/handlers/userctx"
	"github.com/akostin/flowgate/internal/models"
)

type authService interface {
	Auth(ctx context.Context, r *http.Request) (models.Principal, error)
}

// AuthMiddleware resolves the bearer token into a principal and stores it in
// the request context. Unauthenticated requests get 401, authenticated but
// deactivated users get 403.
func AuthMiddleware(as authService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := as.Auth(r.Context(), r)
			if err != nil {
				if errors.Is(err, apperrors.ErrUserInactive) {
					render.ServiceError(w, "User is deactivated", http.StatusForbidden)
					return
				}
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := userctx.New(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole denies with 403 unless the principal carries the role.
// Must run after AuthMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := userctx.FromContext(r.Context())
			if !ok {
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if principal.User.Role != role {
				render.ServiceError(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(models.RoleAdmin)
}
