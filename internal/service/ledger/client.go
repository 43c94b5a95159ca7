// Package ledger is the HTTP client for the external credit ledger. All
// calls are made on behalf of the end user: the principal's raw access token
// is forwarded as the bearer credential and the ledger resolves the account
// from it. The gateway keeps no local balance copy.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
)

const (
	CodeInsufficient = "insufficient"
	CodeUnavailable  = "unavailable"
	CodeUnknown      = "unknown"
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

type Balance struct {
	Current decimal.Decimal `json:"current"`
}

type deductRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Operation string          `json:"operation"`
	Reference string          `json:"reference,omitempty"`
}

type transactionRequest struct {
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	FlowID    string          `json:"flow_id"`
	SessionID string          `json:"session_id"`
	Detail    string          `json:"detail,omitempty"`
}

type Client struct {
	LedgerAddr string

	client *http.Client
	logger logger.Logger
}

func NewClient(addr string, logger logger.Logger) *Client {
	return &Client{
		LedgerAddr: addr,
		client:     &http.Client{},
		logger:     logger,
	}
}

// GetBalance reads the current balance of the token's owner.
func (c *Client) GetBalance(ctx context.Context, userToken string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.LedgerAddr+"/api/balance", nil)
	if err != nil {
		return decimal.Zero, NewError(CodeUnknown, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+userToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to get balance", "status_code", resp.StatusCode)
		return decimal.Zero, NewError(codeForStatus(resp.StatusCode), fmt.Errorf("balance returned status %d", resp.StatusCode))
	}

	var balance Balance
	err = json.NewDecoder(resp.Body).Decode(&balance)
	if err != nil {
		c.logger.Warn("Failed to decode balance response", "error", err)
		return decimal.Zero, NewError(CodeUnknown, fmt.Errorf("failed to decode response: %w", err))
	}

	c.logger.Debug("Ledger balance", "current", balance.Current)
	return balance.Current, nil
}

// Deduct withdraws amount from the token's owner. The ledger answers 402
// when the balance does not cover the amount.
func (c *Client) Deduct(ctx context.Context, userToken string, amount decimal.Decimal, operation string, reference string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload := deductRequest{
		Amount:    amount,
		Operation: operation,
		Reference: reference,
	}
	resp, err := c.post(ctx, "/api/balance/deduct", userToken, payload)
	if err != nil {
		return NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return NewError(CodeInsufficient, fmt.Errorf("balance is below %s", amount))
	default:
		c.logger.Warn("Failed to deduct", "status_code", resp.StatusCode, "operation", operation)
		return NewError(codeForStatus(resp.StatusCode), fmt.Errorf("deduct returned status %d", resp.StatusCode))
	}
}

// LogTransaction reports a terminal usage record. Callers are expected to
// treat failures as non-fatal.
func (c *Client) LogTransaction(ctx context.Context, userToken string, tx models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload := transactionRequest{
		Operation: tx.Operation,
		Status:    tx.Status,
		Amount:    tx.Amount,
		FlowID:    tx.FlowID,
		SessionID: tx.SessionID,
		Detail:    tx.Detail,
	}
	resp, err := c.post(ctx, "/api/transactions", userToken, payload)
	if err != nil {
		return NewError(CodeUnavailable, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		c.logger.Warn("Failed to log transaction", "status_code", resp.StatusCode, "operation", tx.Operation, "status", tx.Status)
		return NewError(codeForStatus(resp.StatusCode), fmt.Errorf("transaction log returned status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, userToken string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LedgerAddr+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userToken)

	return c.client.Do(req)
}

func codeForStatus(status int) string {
	if status >= http.StatusInternalServerError {
		return CodeUnavailable
	}
	return CodeUnknown
}
