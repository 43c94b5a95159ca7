package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/handlers/userctx"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/service/auth"
)

type userResponse struct {
	Subject string `json:"subject"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Active  bool   `json:"active"`
}

func toUserResponse(u models.User) userResponse {
	return userResponse{
		Subject: u.Subject,
		Name:    u.Name,
		Email:   u.Email,
		Role:    u.Role,
		Active:  u.Active,
	}
}

func handleLogin(as authService, l logger.Logger) http.Handler {
	type request struct {
		Login    string `json:"login" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	type response struct {
		AccessToken  string       `json:"access_token"`
		RefreshToken string       `json:"refresh_token"`
		TokenType    string       `json:"token_type"`
		User         userResponse `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, user, err := as.Login(r.Context(), data.Login, data.Password, auth.ClientMetaFromRequest(r))
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrCredentialsInvalid):
				render.ServiceError(w, "Login or password is invalid", http.StatusUnauthorized)
			case errors.Is(err, apperrors.ErrUserInactive):
				render.ServiceError(w, "User is deactivated", http.StatusForbidden)
			case errors.Is(err, apperrors.ErrIdentityUnavailable):
				render.ServiceError(w, "Identity provider is unavailable", http.StatusServiceUnavailable)
			default:
				l.Error("Failed to login user", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{
			AccessToken:  pair.Access.Value,
			RefreshToken: pair.Refresh.Value,
			TokenType:    "Bearer",
			User:         toUserResponse(user),
		})
	})
}

func handleTokenRefresh(as authService, l logger.Logger) http.Handler {
	type request struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}
	type response struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := as.Refresh(r.Context(), data.RefreshToken, auth.ClientMetaFromRequest(r))
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrRefreshTokenExpired), errors.Is(err, apperrors.ErrTokenExpired):
				render.ServiceError(w, "Refresh token expired", http.StatusUnauthorized)
			case errors.Is(err, apperrors.ErrUserInactive):
				render.ServiceError(w, "User is deactivated", http.StatusForbidden)
			case errors.Is(err, apperrors.ErrIdentityUnavailable):
				render.ServiceError(w, "Identity provider is unavailable", http.StatusServiceUnavailable)
			case errors.Is(err, apperrors.ErrTokenInvalid),
				errors.Is(err, apperrors.ErrTokenWrongKind),
				errors.Is(err, apperrors.ErrRefreshTokenNotFound),
				errors.Is(err, apperrors.ErrTokenReplayDetected),
				errors.Is(err, apperrors.ErrUserNotFound):
				render.ServiceError(w, "Refresh token is invalid", http.StatusUnauthorized)
			default:
				l.Error("Failed to refresh tokens", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{
			AccessToken:  pair.Access.Value,
			RefreshToken: pair.Refresh.Value,
			TokenType:    "Bearer",
		})
	})
}

func handleRevoke(as authService, l logger.Logger) http.Handler {
	type request struct {
		TokenID   string `json:"token_id"`
		AllTokens bool   `json:"all_tokens"`
	}
	type response struct {
		Message string `json:"message"`
		Revoked *int64 `json:"revoked,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		// The body is optional: no body means "revoke my current session"
		var data request
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
			render.DecodeError(w, err)
			return
		}

		if data.AllTokens {
			count, err := as.RevokeAll(r.Context(), principal.User.ID)
			if err != nil {
				l.Error("Failed to revoke user sessions", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			render.JSON(w, response{Message: "All sessions revoked", Revoked: &count})
			return
		}

		tokenID := data.TokenID
		if tokenID == "" {
			tokenID = principal.SessionID
		}
		if tokenID == "" {
			render.ServiceError(w, "No session to revoke", http.StatusBadRequest)
			return
		}

		err := as.Revoke(r.Context(), principal.User.ID, tokenID)
		switch {
		case err == nil:
			render.JSON(w, response{Message: "Session revoked"})
		case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
			render.ServiceError(w, "Token not found", http.StatusNotFound)
		default:
			l.Error("Failed to revoke session", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleMe() http.Handler {
	type response struct {
		ID uuid.UUID `json:"id"`
		userResponse
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := userctx.FromContext(r.Context())
		render.JSON(w, response{ID: principal.User.ID, userResponse: toUserResponse(principal.User)})
	})
}
