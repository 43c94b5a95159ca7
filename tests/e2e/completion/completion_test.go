package completion

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akostin/flowgate/internal/service/identity"
	"github.com/akostin/flowgate/internal/testutil"
	"github.com/akostin/flowgate/tests/e2e"
	"github.com/akostin/flowgate/tests/fakes"
)

const (
	LoginURL      = "/api/auth/login"
	CompletionURL = "/api/completion"
	ChatURL       = "/api/chat/"
)

func testAccounts() map[string]fakes.IdentityAccount {
	return map[string]fakes.IdentityAccount{
		"jamie": {
			Password: "StrongEnoughPassword",
			Identity: identity.Identity{Subject: "idp-1", Name: "Jamie Doe", Email: "jamie@example.com", Role: "enduser", Active: true},
		},
		"sam": {
			Password: "StrongEnoughPassword",
			Identity: identity.Identity{Subject: "idp-2", Name: "Sam Lee", Email: "sam@example.com", Role: "enduser", Active: true},
		},
	}
}

// happyStream is the upstream script of the canonical billed completion:
// three content chunks and one metadata frame.
func happyStream() []string {
	return []string{
		`data: {"event":"start"}`,
		``,
		`data: {"event":"token","data":"Hi"}`,
		``,
		`data: {"event":"token","data":" there"}`,
		``,
		`data: {"event":"token","data":"!"}`,
		``,
		`data: {"event":"metadata","data":{"chatId":"c-1"}}`,
		``,
		`data: [DONE]`,
	}
}

func login(t *testing.T, srvURL string, user string) string {
	t.Helper()

	data := `{"login": "` + user + `", "password": "StrongEnoughPassword"}`
	resp, err := http.Post(srvURL+LoginURL, "application/json", strings.NewReader(data))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	return parsed.AccessToken
}

func complete(t *testing.T, srvURL string, access string, payload string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srvURL+CompletionURL, strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	return resp, string(body)
}

type event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func parseEvents(t *testing.T, body string) []event {
	t.Helper()

	var events []event
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var ev event
		require.NoErrorf(t, json.Unmarshal([]byte(line), &ev), "not a json event line: %s", line)
		events = append(events, ev)
	}
	return events
}

func kinds(events []event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event)
	}
	return out
}

func text(t *testing.T, events []event) string {
	t.Helper()

	var sb strings.Builder
	for _, ev := range events {
		if ev.Event != "token" {
			continue
		}
		var s string
		require.NoError(t, json.Unmarshal(ev.Data, &s))
		sb.WriteString(s)
	}
	return sb.String()
}

func Test_Completion(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	one := decimal.NewFromInt(1)

	t.Run("billed completion end to end", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{"flow-7": {StreamLines: happyStream()}})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			access := login(t, srvURL, "jamie")
			ldg.SetBalance(access, decimal.NewFromInt(10))

			resp, body := complete(t, srvURL, access, `{"question": "Say hi", "flow_id": "flow-7", "session_id": "sess-1"}`)

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

			events := parseEvents(t, body)
			require.Equal(t, []string{"start", "token", "token", "token", "metadata", "end"}, kinds(events))
			require.Equal(t, "Hi there!", text(t, events))
			assert.JSONEq(t, `{"session_id": "sess-1"}`, string(events[0].Data))

			// Exactly one successful transaction for the deducted credit
			txs := ldg.Transactions()
			require.Len(t, txs, 1)
			assert.Equal(t, "completion", txs[0].Operation)
			assert.Equal(t, "success", txs[0].Status)
			assert.True(t, txs[0].Amount.Equal(one), "expected amount 1, got %s", txs[0].Amount)
			assert.Equal(t, "flow-7", txs[0].FlowID)
			assert.Equal(t, "sess-1", txs[0].SessionID)
			assert.Equal(t, access, txs[0].Token, "transaction should be logged with the user's token")

			assert.True(t, ldg.Balance(access).Equal(decimal.NewFromInt(9)), "balance should drop by the cost")

			// The turn is readable back through the chat surface
			req, err := http.NewRequest(http.MethodGet, srvURL+ChatURL+"sess-1", nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+access)
			chatResp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			chatBody, err := io.ReadAll(chatResp.Body)
			require.NoError(t, err)
			defer chatResp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusOK, chatResp.StatusCode, "not expected code. Body: %s", string(chatBody))

			var chat struct {
				SessionID string `json:"session_id"`
				Messages  []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			require.NoError(t, json.Unmarshal(chatBody, &chat))
			require.Equal(t, "sess-1", chat.SessionID)
			require.Len(t, chat.Messages, 2)
			assert.Equal(t, "user", chat.Messages[0].Role)
			assert.Equal(t, "Say hi", chat.Messages[0].Content)
			assert.Equal(t, "assistant", chat.Messages[1].Role)
			assert.Equal(t, "Hi there!", chat.Messages[1].Content)
		})
	})

	t.Run("insufficient credits deny before the engine", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{"flow-7": {StreamLines: happyStream()}})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			access := login(t, srvURL, "jamie")

			resp, body := complete(t, srvURL, access, `{"question": "Say hi", "flow_id": "flow-7"}`)

			require.Equalf(t, http.StatusPaymentRequired, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "Insufficient credits"
				}`, body)

			assert.Empty(t, eng.Requests(), "denied completion should never reach the engine")
			assert.Empty(t, ldg.Transactions(), "free denial should log nothing")
		})
	})

	t.Run("ledger down denies closed", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{"flow-7": {StreamLines: happyStream()}})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			access := login(t, srvURL, "jamie")
			ldg.SetDown(true)

			resp, body := complete(t, srvURL, access, `{"question": "Say hi", "flow_id": "flow-7"}`)

			require.Equalf(t, http.StatusServiceUnavailable, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "Credit ledger is unavailable"
				}`, body)
			assert.Empty(t, eng.Requests())
		})
	})

	t.Run("engine down still settles the bill", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{"flow-7": {StreamLines: happyStream()}})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			access := login(t, srvURL, "jamie")
			ldg.SetBalance(access, decimal.NewFromInt(10))
			eng.SetDown(true)

			resp, body := complete(t, srvURL, access, `{"question": "Say hi", "flow_id": "flow-7"}`)

			require.Equalf(t, http.StatusServiceUnavailable, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "Upstream engine is unavailable"
				}`, body)

			// The credit was spent, so the failure is on the record
			txs := ldg.Transactions()
			require.Len(t, txs, 1)
			assert.Equal(t, "failed", txs[0].Status)
			assert.True(t, txs[0].Amount.Equal(one))
			assert.True(t, ldg.Balance(access).Equal(decimal.NewFromInt(9)), "failed runs are not refunded by the gateway")
		})
	})

	t.Run("direct transport carries the answer when streaming yields nothing", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{
			// No stream lines: the streaming response ends before any frame
			"flow-7": {Text: "Hi there!", SessionID: "sess-1"},
		})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			access := login(t, srvURL, "jamie")
			ldg.SetBalance(access, decimal.NewFromInt(10))

			resp, body := complete(t, srvURL, access, `{"question": "Say hi", "flow_id": "flow-7", "session_id": "sess-1"}`)

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)

			events := parseEvents(t, body)
			require.Equal(t, []string{"start", "token", "end"}, kinds(events))
			require.Equal(t, "Hi there!", text(t, events))

			txs := ldg.Transactions()
			require.Len(t, txs, 1)
			assert.Equal(t, "success", txs[0].Status)
		})
	})

	t.Run("chat history is scoped per user", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		ldg := fakes.NewLedger(t)
		eng := fakes.NewEngine(t, map[string]fakes.EngineFlow{"flow-7": {StreamLines: happyStream()}})

		e2e.ServeWithTx(pg.Pool, t, e2e.Collaborators{Identity: idp, Ledger: ldg, Engine: eng}, func(srvURL string) {
			jamie := login(t, srvURL, "jamie")
			ldg.SetBalance(jamie, decimal.NewFromInt(10))

			resp, body := complete(t, srvURL, jamie, `{"question": "Say hi", "flow_id": "flow-7", "session_id": "sess-1"}`)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)

			sam := login(t, srvURL, "sam")
			req, err := http.NewRequest(http.MethodGet, srvURL+ChatURL+"sess-1", nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+sam)

			chatResp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			chatBody, err := io.ReadAll(chatResp.Body)
			require.NoError(t, err)
			defer chatResp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusNotFound, chatResp.StatusCode, "not expected code. Body: %s", string(chatBody))
		})
	})
}
