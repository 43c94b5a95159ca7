package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/handlers/userctx"
	"github.com/akostin/flowgate/internal/logger"
)

// handleChatHistory lists the caller's persisted turns of one session,
// oldest first. Sessions are scoped per subject, another user's session id
// reads as unknown.
func handleChatHistory(ms messageService, l logger.Logger) http.Handler {
	type message struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		Metadata  json.RawMessage `json:"metadata,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	type response struct {
		SessionID string    `json:"session_id"`
		Messages  []message `json:"messages"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		sessionID := r.PathValue("session_id")

		list, err := ms.ListBySession(r.Context(), sessionID, principal.User.Subject)
		if err != nil {
			l.Error("Failed to list session messages", "error", err, "session_id", sessionID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if len(list) == 0 {
			render.ServiceError(w, "Session not found", http.StatusNotFound)
			return
		}

		messages := make([]message, 0, len(list))
		for _, m := range list {
			messages = append(messages, message{
				Role:      m.Role,
				Content:   m.Content,
				Metadata:  m.Metadata,
				CreatedAt: m.CreatedAt,
			})
		}

		render.JSON(w, response{SessionID: sessionID, Messages: messages})
	})
}
