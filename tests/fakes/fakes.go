// Package fakes provides httptest stand-ins for the gateway's collaborators,
// speaking the same wire protocols the real ones do.
package fakes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/service/engine"
	"github.com/akostin/flowgate/internal/service/identity"
)

// IdentityAccount is one login the fake provider accepts.
type IdentityAccount struct {
	Password string
	Identity identity.Identity
}

// IdentityServer fakes the identity provider: a credential check endpoint and
// a subject lookup over an in-memory account map.
type IdentityServer struct {
	*httptest.Server

	mu       sync.Mutex
	accounts map[string]IdentityAccount
	down     bool
}

func NewIdentity(t *testing.T, accounts map[string]IdentityAccount) *IdentityServer {
	t.Helper()

	s := &IdentityServer{accounts: accounts}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var creds struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		acc, ok := s.accounts[creds.Login]
		s.mu.Unlock()
		if !ok || acc.Password != creds.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_ = json.NewEncoder(w).Encode(acc.Identity)
	})
	mux.HandleFunc("GET /api/users/{subject}", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		subject := r.PathValue("subject")
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, acc := range s.accounts {
			if acc.Identity.Subject == subject {
				_ = json.NewEncoder(w).Encode(acc.Identity)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetDown makes every endpoint answer 503 until turned back on.
func (s *IdentityServer) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Remove drops the account with the subject, as if the provider deleted it.
func (s *IdentityServer) Remove(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for login, acc := range s.accounts {
		if acc.Identity.Subject == subject {
			delete(s.accounts, login)
		}
	}
}

func (s *IdentityServer) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// Transaction is one usage record the fake ledger received.
type Transaction struct {
	Token     string
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	FlowID    string          `json:"flow_id"`
	SessionID string          `json:"session_id"`
	Detail    string          `json:"detail,omitempty"`
}

// LedgerServer fakes the credit ledger: balances keyed by the bearer token,
// a deduct endpoint that answers 402 below the amount, and a transaction log.
type LedgerServer struct {
	*httptest.Server

	mu           sync.Mutex
	balances     map[string]decimal.Decimal
	transactions []Transaction
	down         bool
}

func NewLedger(t *testing.T) *LedgerServer {
	t.Helper()

	s := &LedgerServer{balances: map[string]decimal.Decimal{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/balance", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		s.mu.Lock()
		balance := s.balances[bearerToken(r)]
		s.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]decimal.Decimal{"current": balance})
	})
	mux.HandleFunc("POST /api/balance/deduct", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		token := bearerToken(r)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.balances[token].LessThan(req.Amount) {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		s.balances[token] = s.balances[token].Sub(req.Amount)
	})
	mux.HandleFunc("POST /api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var tx Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tx.Token = bearerToken(r)

		s.mu.Lock()
		s.transactions = append(s.transactions, tx)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *LedgerServer) SetBalance(token string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[token] = amount
}

func (s *LedgerServer) Balance(token string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[token]
}

func (s *LedgerServer) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.transactions...)
}

// SetDown makes every endpoint answer 503 until turned back on.
func (s *LedgerServer) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *LedgerServer) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// EngineFlow scripts what the fake engine answers for one flow id.
type EngineFlow struct {
	// Raw lines of the streaming response, written verbatim
	StreamLines []string

	// Non-streaming answer
	Text      string
	SessionID string
}

// RecordedPrediction is one request the fake engine received.
type RecordedPrediction struct {
	FlowID  string
	Request engine.PredictionRequest
}

// EngineServer fakes the flow engine's prediction endpoint in both streaming
// and direct modes.
type EngineServer struct {
	*httptest.Server

	mu       sync.Mutex
	flows    map[string]EngineFlow
	requests []RecordedPrediction
	down     bool
}

func NewEngine(t *testing.T, flows map[string]EngineFlow) *EngineServer {
	t.Helper()

	s := &EngineServer{flows: flows}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/prediction/{flowID}", func(w http.ResponseWriter, r *http.Request) {
		if s.isDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req engine.PredictionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		flowID := r.PathValue("flowID")
		s.mu.Lock()
		flow, ok := s.flows[flowID]
		s.requests = append(s.requests, RecordedPrediction{FlowID: flowID, Request: req})
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		if req.Streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, line := range flow.StreamLines {
				_, _ = w.Write([]byte(line + "\n"))
			}
			return
		}

		sessionID := flow.SessionID
		if sessionID == "" {
			sessionID = req.SessionID
		}
		_ = json.NewEncoder(w).Encode(engine.PredictionResponse{Text: flow.Text, SessionID: sessionID})
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *EngineServer) Requests() []RecordedPrediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedPrediction(nil), s.requests...)
}

// SetDown makes every endpoint answer 503 until turned back on.
func (s *EngineServer) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *EngineServer) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
