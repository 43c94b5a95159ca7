package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/handlers/render"
	"github.com/akostin/flowgate/internal/handlers/userctx"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/service/relay"
)

func handleCompletion(rs relayService, l logger.Logger) http.Handler {
	type request struct {
		Question       string          `json:"question" validate:"required"`
		FlowID         string          `json:"flow_id" validate:"required"`
		SessionID      string          `json:"session_id"`
		OverrideConfig json.RawMessage `json:"overrideConfig"`
		Uploads        json.RawMessage `json:"uploads"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		err = rs.Run(r.Context(), principal, relay.Request{
			Question:       data.Question,
			FlowID:         data.FlowID,
			SessionID:      data.SessionID,
			OverrideConfig: data.OverrideConfig,
			Uploads:        data.Uploads,
		}, newEventStream(w))

		// A non-nil error means no event went out yet, so a plain error
		// body is still possible
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrCreditsInsufficient):
				render.ServiceError(w, "Insufficient credits", http.StatusPaymentRequired)
			case errors.Is(err, apperrors.ErrLedgerUnavailable):
				render.ServiceError(w, "Credit ledger is unavailable", http.StatusServiceUnavailable)
			case errors.Is(err, apperrors.ErrUpstreamUnavailable):
				render.ServiceError(w, "Upstream engine is unavailable", http.StatusServiceUnavailable)
			default:
				l.Error("Failed to run completion", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
		}
	})
}

// eventStream writes relay events to the client as one JSON document per
// line, headers go out lazily with the first event.
type eventStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *json.Encoder
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	return &eventStream{
		w:   w,
		rc:  http.NewResponseController(w),
		enc: json.NewEncoder(w),
	}
}

func (s *eventStream) Send(ev relay.Event) error {
	if !s.started {
		header := s.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if err := s.enc.Encode(ev); err != nil {
		return err
	}

	// Each event leaves the process buffer immediately
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	return nil
}
