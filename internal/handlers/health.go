package handlers

import (
	"net/http"

	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/logger"
)

func handleHealth() http.Handler {
	type response struct {
		Status string `json:"status"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		render.JSON(w, response{Status: "ok"})
	})
}

// handleReady reports readiness: the process is up and the database answers.
func handleReady(db Pinger, l logger.Logger) http.Handler {
	type response struct {
		Status string `json:"status"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			l.Error("Readiness probe failed", "error", err)
			render.ServiceError(w, "Database unreachable", http.StatusServiceUnavailable)
			return
		}

		render.JSON(w, response{Status: "ready"})
	})
}
