// Package e2e serves the whole gateway against faked collaborators. Tests
// here go through the HTTP surface only and never reach into services.
package e2e

import (
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/akostin/flowgate/internal/handlers"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/repository/postgres"
	"github.com/akostin/flowgate/internal/service/auth"
	"github.com/akostin/flowgate/internal/service/auth/tokencodec"
	"github.com/akostin/flowgate/internal/service/credit"
	"github.com/akostin/flowgate/internal/service/engine"
	"github.com/akostin/flowgate/internal/service/identity"
	"github.com/akostin/flowgate/internal/service/ledger"
	"github.com/akostin/flowgate/internal/service/relay"
	"github.com/akostin/flowgate/internal/testutil"
	"github.com/akostin/flowgate/tests/fakes"
)

// Collaborators are the faked externals the gateway talks to. A nil entry
// wires a client that cannot connect, which only matters when a scenario
// actually reaches that collaborator.
type Collaborators struct {
	Identity *fakes.IdentityServer
	Ledger   *fakes.LedgerServer
	Engine   *fakes.EngineServer
}

// ServeWithTx runs the gateway over one rolled back transaction and hands the
// base URL to fn. Completions cost exactly 1 credit.
func ServeWithTx(dbpool *pgxpool.Pool, t *testing.T, c Collaborators, fn func(srvURL string)) {
	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		log := logger.NewNoOpLogger()
		storage := postgres.NewStorage(tx)

		codec, err := tokencodec.New(tokencodec.Config{
			AccessSecret:  "e2e-access-secret",
			RefreshSecret: "e2e-refresh-secret",
		})
		require.NoError(t, err, "token codec should be created without errors")

		hasher, err := auth.NewTokenHasher("e2e-pepper")
		require.NoError(t, err, "token hasher should be created without errors")

		identityURL, ledgerURL, engineURL := "", "", ""
		if c.Identity != nil {
			identityURL = c.Identity.URL
		}
		if c.Ledger != nil {
			ledgerURL = c.Ledger.URL
		}
		if c.Engine != nil {
			engineURL = c.Engine.URL
		}

		authService, err := auth.NewService(
			auth.ServiceConfig{},
			codec,
			&hasher,
			storage,
			identity.NewClient(identityURL, log),
			log,
		)
		require.NoError(t, err, "auth service starting error")

		ledgerClient := ledger.NewClient(ledgerURL, log)
		gate, err := credit.NewGate(credit.GateConfig{
			Costs: map[string]decimal.Decimal{models.OperationCompletion: decimal.NewFromInt(1)},
		}, ledgerClient, log)
		require.NoError(t, err, "credit gate starting error")

		relayService, err := relay.New(
			relay.Config{},
			gate,
			engine.NewClient(engineURL, "e2e-engine-key", log),
			ledgerClient,
			storage,
			log,
		)
		require.NoError(t, err, "relay starting error")

		router := handlers.NewRouter(authService, relayService, ledgerClient, storage.Message(), dbpool, log)

		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(srv.URL)
	})
}
