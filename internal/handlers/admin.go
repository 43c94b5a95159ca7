package handlers

import (
	"errors"
	"net/http"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/logger"
)

// handleAdminRevoke force-ends every session of the named subject. Admin
// only, routed behind RequireAdmin.
func handleAdminRevoke(as authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
		Revoked int64  `json:"revoked"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.PathValue("subject")

		count, err := as.RevokeAllBySubject(r.Context(), subject)
		switch {
		case err == nil:
			l.Info("Admin revoked user sessions", "subject", subject, "revoked", count)
			render.JSON(w, response{Message: "All sessions revoked", Revoked: count})
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusNotFound)
		default:
			l.Error("Failed to revoke user sessions", "error", err, "subject", subject)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}
