// Package identity is the HTTP client for the external identity provider.
// The provider owns logins and passwords; the gateway only delegates checks
// to it and mirrors returned claims into the local user shadow table.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/akostin/flowgate/internal/logger"
)

const (
	CodeInvalidCredentials = "invalid-credentials"
	CodeNotFound           = "not-found"
	CodeUnavailable        = "unavailable"
	CodeUnknown            = "unknown"
)

const requestTimeout = 5 * time.Second

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

// Identity is the provider's view of a user. Role and Active are trusted
// as-is and copied into the shadow record.
type Identity struct {
	Subject string `json:"subject"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Active  bool   `json:"active"`
}

type Client struct {
	IdentityAddr string

	client *http.Client
	logger logger.Logger
}

func NewClient(addr string, logger logger.Logger) *Client {
	return &Client{
		IdentityAddr: addr,
		client:       &http.Client{},
		logger:       logger,
	}
}

// Login verifies the credentials with the provider.
func (c *Client) Login(ctx context.Context, login string, password string) (Identity, error) {
	var identity Identity

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"login": login, "password": password})
	if err != nil {
		return identity, NewError(CodeUnknown, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.IdentityAddr+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return identity, NewError(CodeUnknown, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return identity, NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decodeIdentity(resp)
	case resp.StatusCode == http.StatusUnauthorized:
		return identity, NewError(CodeInvalidCredentials, fmt.Errorf("provider rejected credentials for %q", login))
	case resp.StatusCode >= http.StatusInternalServerError:
		c.logger.Warn("Identity provider failed", "status_code", resp.StatusCode)
		return identity, NewError(CodeUnavailable, fmt.Errorf("provider returned status %d", resp.StatusCode))
	default:
		c.logger.Warn("Unexpected identity provider response", "status_code", resp.StatusCode)
		return identity, NewError(CodeUnknown, fmt.Errorf("unknown status code %d", resp.StatusCode))
	}
}

// GetUser fetches the current state of a subject. Used on refresh to confirm
// the subject still exists at the provider.
func (c *Client) GetUser(ctx context.Context, subject string) (Identity, error) {
	var identity Identity

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.IdentityAddr+"/api/users/"+url.PathEscape(subject), nil)
	if err != nil {
		return identity, NewError(CodeUnknown, fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return identity, NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decodeIdentity(resp)
	case resp.StatusCode == http.StatusNotFound:
		return identity, NewError(CodeNotFound, fmt.Errorf("no subject %q at provider", subject))
	case resp.StatusCode >= http.StatusInternalServerError:
		c.logger.Warn("Identity provider failed", "status_code", resp.StatusCode, "subject", subject)
		return identity, NewError(CodeUnavailable, fmt.Errorf("provider returned status %d", resp.StatusCode))
	default:
		c.logger.Warn("Unexpected identity provider response", "status_code", resp.StatusCode, "subject", subject)
		return identity, NewError(CodeUnknown, fmt.Errorf("unknown status code %d", resp.StatusCode))
	}
}

func (c *Client) decodeIdentity(resp *http.Response) (Identity, error) {
	var identity Identity

	err := json.NewDecoder(resp.Body).Decode(&identity)
	if err != nil {
		c.logger.Warn("Failed to decode identity response", "error", err)
		return identity, NewError(CodeUnknown, fmt.Errorf("failed to decode response: %w", err))
	}
	if identity.Subject == "" {
		return identity, NewError(CodeUnknown, fmt.Errorf("provider response has no subject"))
	}

	c.logger.Debug("Identity response", "subject", identity.Subject, "role", identity.Role, "active", identity.Active)
	return identity, nil
}
