package handlers

import (
	"errors"
	"net/http"

	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/handlers/userctx"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/service/ledger"
)

// handleCreditBalance passes the ledger balance through. The call runs on
// behalf of the caller with their own token, the gateway adds nothing.
func handleCreditBalance(ls ledgerService, l logger.Logger) http.Handler {
	type response struct {
		Current float64 `json:"current"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		balance, err := ls.GetBalance(r.Context(), principal.Token)

		var lerr *ledger.Error
		switch {
		case err == nil:
			current, _ := balance.Float64()
			render.JSON(w, response{Current: current})
		case errors.As(err, &lerr) && lerr.Code == ledger.CodeUnavailable:
			l.Warn("Ledger unreachable for balance read", "error", err)
			render.ServiceError(w, "Credit ledger is unavailable", http.StatusServiceUnavailable)
		default:
			l.Error("Failed to get balance", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}
