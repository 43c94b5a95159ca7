// Package relay re-streams completions from the upstream engine to the
// client: admission through the credit gate, chunk normalization and repair,
// a direct-transport fallback, turn persistence and transaction reporting.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/repository"
	"github.com/akostin/flowgate/internal/service/engine"
)

const (
	defaultFirstChunkTimeout = 10 * time.Second
	persistTimeout           = 5 * time.Second
)

// Request is one completion to run.
type Request struct {
	Question       string
	FlowID         string
	SessionID      string
	OverrideConfig json.RawMessage
	Uploads        json.RawMessage
}

// Sink receives normalized events one by one. Send must hand the event to
// the client right away, the relay never buffers the stream.
type Sink interface {
	Send(event Event) error
}

// Engine is the upstream transport pair: Stream is primary, Predict is the
// fallback when streaming yields nothing.
type Engine interface {
	Stream(ctx context.Context, flowID string, r engine.PredictionRequest) (io.ReadCloser, error)
	Predict(ctx context.Context, flowID string, r engine.PredictionRequest) (engine.PredictionResponse, error)
}

// Gate admits billable operations, see the credit package.
type Gate interface {
	CheckAndDeduct(ctx context.Context, principal models.Principal, operation string, reference string) (decimal.Decimal, error)
}

// TransactionLog records terminal usage, failures are the caller's to
// swallow.
type TransactionLog interface {
	LogTransaction(ctx context.Context, userToken string, tx models.Transaction) error
}

type Config struct {
	// How long the primary transport may stay silent before the relay gives
	// up on it and goes direct.
	FirstChunkTimeout time.Duration
}

type Relay struct {
	gate       Gate
	engine     Engine
	txlog      TransactionLog
	storage    repository.Storage
	firstChunk time.Duration
	logger     logger.Logger
}

func New(cfg Config, gate Gate, eng Engine, txlog TransactionLog, storage repository.Storage, log logger.Logger) (*Relay, error) {
	if gate == nil || eng == nil || txlog == nil || storage == nil {
		return nil, errors.New("gate, engine, txlog and storage must not be nil")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	firstChunk := cfg.FirstChunkTimeout
	if firstChunk <= 0 {
		firstChunk = defaultFirstChunkTimeout
	}

	return &Relay{
		gate:       gate,
		engine:     eng,
		txlog:      txlog,
		storage:    storage,
		firstChunk: firstChunk,
		logger:     log,
	}, nil
}

// Run drives one completion end to end. Errors before the first event reach
// the caller as plain errors, errors after it are delivered in-band and Run
// returns nil. Whatever the outcome, a deducted operation is reported to the
// transaction log exactly once.
func (r *Relay) Run(ctx context.Context, principal models.Principal, req Request, sink Sink) error {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cost, err := r.gate.CheckAndDeduct(ctx, principal, models.OperationCompletion, sessionID)
	if err != nil {
		return err
	}

	res := r.stream(ctx, req, sessionID, sink)

	if cost.IsPositive() {
		r.reportTransaction(ctx, principal.Token, req.FlowID, sessionID, cost, res.err)
	}

	if res.err != nil {
		if !res.streamed {
			return res.err
		}
		r.sendError(sink, sessionID)
		return nil
	}

	r.persistTurn(ctx, principal, req, sessionID, res)
	return nil
}

type streamResult struct {
	content  string
	metadata []json.RawMessage
	streamed bool
	err      error
}

func (r *Relay) stream(ctx context.Context, req Request, sessionID string, sink Sink) streamResult {
	var res streamResult

	prediction := engine.PredictionRequest{
		Question:       req.Question,
		SessionID:      sessionID,
		OverrideConfig: req.OverrideConfig,
		Uploads:        req.Uploads,
	}

	body, err := r.engine.Stream(ctx, req.FlowID, prediction)
	if err != nil {
		r.logger.Warn("Streaming transport failed, going direct", "error", err, "flow_id", req.FlowID, "session_id", sessionID)
		return r.predictDirect(ctx, req.FlowID, prediction, sessionID, sink)
	}
	defer body.Close() // nolint:errcheck

	frames := newFrameScanner(body)
	first, err := r.firstFrame(ctx, frames, body)
	if err != nil {
		r.logger.Warn("Stream yielded no first chunk, going direct", "error", err, "flow_id", req.FlowID, "session_id", sessionID)
		return r.predictDirect(ctx, req.FlowID, prediction, sessionID, sink)
	}

	send := func(ev Event) bool {
		if sendErr := sink.Send(ev); sendErr != nil {
			res.err = fmt.Errorf("relay send error: %w", sendErr)
			return false
		}
		res.streamed = true
		return true
	}

	if !send(startEvent(sessionID)) {
		return res
	}

	var content strings.Builder

	payload := first
	for {
		ev, ok := decodeEvent(payload)
		if !ok {
			r.logger.Warn("Dropped malformed chunk", "session_id", sessionID, "chunk_len", len(payload))
		} else {
			stop := false
			switch ev.Event {
			case EventToken:
				var text string
				if jsonErr := json.Unmarshal(ev.Data, &text); jsonErr != nil {
					r.logger.Warn("Dropped token chunk with non-string data", "session_id", sessionID)
					break
				}
				content.WriteString(text)
				if !send(ev) {
					return res
				}
			case EventStart:
				// The engine's own start frame, ours already went out
			case EventEnd:
				stop = true
			case EventError:
				res.err = fmt.Errorf("relay error: %w: %s", apperrors.ErrUpstreamUnavailable, ev.Data)
				return res
			case EventMetadata:
				res.metadata = append(res.metadata, ev.Data)
				if !send(ev) {
					return res
				}
			default:
				// Unknown tag, keep the whole frame for the metadata trail
				raw := json.RawMessage(payload)
				res.metadata = append(res.metadata, raw)
				if !send(Event{Event: EventMetadata, Data: raw}) {
					return res
				}
			}
			if stop {
				break
			}
		}

		next, err := frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.err = fmt.Errorf("relay error: %w: %w", apperrors.ErrUpstreamUnavailable, err)
			return res
		}
		payload = next
	}

	if !send(Event{Event: EventEnd}) {
		return res
	}

	res.content = content.String()
	return res
}

// firstFrame waits a bounded time for the primary transport to prove it is
// alive. Closing the body unblocks the pending read on timeout.
func (r *Relay) firstFrame(ctx context.Context, frames *frameScanner, body io.Closer) (string, error) {
	type frame struct {
		payload string
		err     error
	}

	ch := make(chan frame, 1)
	go func() {
		payload, err := frames.Next()
		ch <- frame{payload: payload, err: err}
	}()

	timer := time.NewTimer(r.firstChunk)
	defer timer.Stop()

	select {
	case f := <-ch:
		return f.payload, f.err
	case <-timer.C:
		body.Close() // nolint:errcheck
		<-ch
		return "", fmt.Errorf("no chunk within %s", r.firstChunk)
	case <-ctx.Done():
		body.Close() // nolint:errcheck
		<-ch
		return "", ctx.Err()
	}
}

func (r *Relay) predictDirect(ctx context.Context, flowID string, prediction engine.PredictionRequest, sessionID string, sink Sink) streamResult {
	var res streamResult

	answer, err := r.engine.Predict(ctx, flowID, prediction)
	if err != nil {
		res.err = fmt.Errorf("relay error: %w: %w", apperrors.ErrUpstreamUnavailable, err)
		return res
	}

	text, err := json.Marshal(answer.Text)
	if err != nil {
		res.err = fmt.Errorf("relay error: %w", err)
		return res
	}

	for _, ev := range []Event{
		startEvent(sessionID),
		{Event: EventToken, Data: text},
		{Event: EventEnd},
	} {
		if err := sink.Send(ev); err != nil {
			res.err = fmt.Errorf("relay send error: %w", err)
			return res
		}
		res.streamed = true
	}

	res.content = answer.Text
	return res
}

func startEvent(sessionID string) Event {
	data, _ := json.Marshal(map[string]string{"session_id": sessionID}) // nolint:errcheck
	return Event{Event: EventStart, Data: data}
}

// sendError closes a started stream with the synthetic in-band error event.
func (r *Relay) sendError(sink Sink, sessionID string) {
	data, _ := json.Marshal(map[string]string{"message": apperrors.ErrUpstreamUnavailable.Error()}) // nolint:errcheck
	if err := sink.Send(Event{Event: EventError, Data: data}); err != nil {
		r.logger.Debug("Client gone before the error event", "session_id", sessionID)
	}
}

// reportTransaction records the terminal state of a deducted operation. The
// client may be gone already, so the call survives request cancellation, and
// a failure here must never fail the completion itself.
func (r *Relay) reportTransaction(ctx context.Context, userToken string, flowID string, sessionID string, cost decimal.Decimal, streamErr error) {
	status := models.TransactionStatusSuccess
	detail := ""
	if streamErr != nil {
		status = models.TransactionStatusFailed
		detail = streamErr.Error()
	}

	err := r.txlog.LogTransaction(context.WithoutCancel(ctx), userToken, models.Transaction{
		Operation: models.OperationCompletion,
		Status:    status,
		Amount:    cost,
		FlowID:    flowID,
		SessionID: sessionID,
		Detail:    detail,
	})
	if err != nil {
		r.logger.Error("Failed to log transaction", "error", err, "session_id", sessionID, "status", status)
	}
}

// persistTurn stores the question and the merged answer of a completed
// stream. Persistence failures are logged, the client already has the
// response.
func (r *Relay) persistTurn(ctx context.Context, principal models.Principal, req Request, sessionID string, res streamResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var metadata json.RawMessage
	if len(res.metadata) > 0 {
		if merged, err := json.Marshal(res.metadata); err == nil {
			metadata = merged
		}
	}

	err := r.storage.InTx(ctx, func(s repository.Storage) error {
		_, err := s.Message().Save(ctx, models.ChatMessage{
			SessionID:   sessionID,
			FlowID:      req.FlowID,
			UserSubject: principal.User.Subject,
			Role:        models.MessageRoleUser,
			Content:     req.Question,
		})
		if err != nil {
			return err
		}

		_, err = s.Message().Save(ctx, models.ChatMessage{
			SessionID:   sessionID,
			FlowID:      req.FlowID,
			UserSubject: principal.User.Subject,
			Role:        models.MessageRoleAssistant,
			Content:     res.content,
			Metadata:    metadata,
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to persist completion turn", "error", err, "session_id", sessionID)
	}
}
