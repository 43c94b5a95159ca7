// Package engine is the HTTP client for the upstream flow execution engine.
// Stream opens the chunked streaming endpoint and hands the raw body to the
// caller; Predict is the non-streaming transport used when streaming yields
// nothing.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/akostin/flowgate/internal/logger"
)

const (
	CodeNotFound    = "not-found"
	CodeUnavailable = "unavailable"
	CodeUnknown     = "unknown"
)

// Direct predictions wait for the whole flow to finish, so the bound is much
// wider than for the other collaborators.
const predictTimeout = 60 * time.Second

type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %s, error: %v", e.Code, e.Err)
}

func NewError(code string, err error) *Error {
	return &Error{
		Code: code,
		Err:  err,
	}
}

// PredictionRequest is the engine wire format. OverrideConfig and Uploads
// are forwarded opaque, the engine validates them itself.
type PredictionRequest struct {
	Question       string          `json:"question"`
	Streaming      bool            `json:"streaming,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	OverrideConfig json.RawMessage `json:"overrideConfig,omitempty"`
	Uploads        json.RawMessage `json:"uploads,omitempty"`
}

type PredictionResponse struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

type Client struct {
	EngineAddr string

	apiKey string
	client *http.Client
	logger logger.Logger
}

func NewClient(addr string, apiKey string, logger logger.Logger) *Client {
	return &Client{
		EngineAddr: addr,
		apiKey:     apiKey,
		client:     &http.Client{},
		logger:     logger,
	}
}

// Stream starts a streaming prediction and returns the raw response body.
// The body stays open until the caller closes it or ctx is canceled; no
// request timeout is set here.
func (c *Client) Stream(ctx context.Context, flowID string, r PredictionRequest) (io.ReadCloser, error) {
	r.Streaming = true

	req, err := c.newPredictionRequest(ctx, flowID, r)
	if err != nil {
		return nil, NewError(CodeUnknown, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() // nolint:errcheck
		c.logger.Warn("Engine rejected streaming prediction", "status_code", resp.StatusCode, "flow_id", flowID)
		return nil, c.statusError(resp.StatusCode, flowID)
	}

	return resp.Body, nil
}

// Predict runs the flow without streaming and waits for the final answer.
func (c *Client) Predict(ctx context.Context, flowID string, r PredictionRequest) (PredictionResponse, error) {
	var prediction PredictionResponse

	ctx, cancel := context.WithTimeout(ctx, predictTimeout)
	defer cancel()

	r.Streaming = false

	req, err := c.newPredictionRequest(ctx, flowID, r)
	if err != nil {
		return prediction, NewError(CodeUnknown, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return prediction, NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Engine rejected prediction", "status_code", resp.StatusCode, "flow_id", flowID)
		return prediction, c.statusError(resp.StatusCode, flowID)
	}

	err = json.NewDecoder(resp.Body).Decode(&prediction)
	if err != nil {
		c.logger.Warn("Failed to decode prediction response", "error", err, "flow_id", flowID)
		return prediction, NewError(CodeUnknown, fmt.Errorf("failed to decode response: %w", err))
	}

	c.logger.Debug("Prediction response", "flow_id", flowID, "session_id", prediction.SessionID, "text_len", len(prediction.Text))
	return prediction, nil
}

func (c *Client) newPredictionRequest(ctx context.Context, flowID string, r PredictionRequest) (*http.Request, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.EngineAddr+"/api/v1/prediction/"+url.PathEscape(flowID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return req, nil
}

func (c *Client) statusError(status int, flowID string) *Error {
	switch {
	case status == http.StatusNotFound:
		return NewError(CodeNotFound, fmt.Errorf("no flow %q at engine", flowID))
	case status >= http.StatusInternalServerError:
		return NewError(CodeUnavailable, fmt.Errorf("engine returned status %d", status))
	default:
		return NewError(CodeUnknown, fmt.Errorf("unknown status code %d", status))
	}
}
