// Package integration serves the production gateway stack over one rolled
// back transaction for wire-level tests.
package integration

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
	"github.com/akostin/flowgate/internal/repository"
	"github.com/akostin/flowgate/internal/repository/postgres"
	"github.com/akostin/flowgate/internal/service/auth"
	"github.com/akostin/flowgate/internal/service/auth/tokencodec"
	"github.com/akostin/flowgate/internal/service/credit"
	"github.com/akostin/flowgate/internal/service/engine"
	"github.com/akostin/flowgate/internal/service/identity"
	"github.com/akostin/flowgate/internal/service/ledger"
	"github.com/akostin/flowgate/internal/service/relay"
	"github.com/akostin/flowgate/internal/testutil"
)

type Services struct {
	Auth    *auth.Service
	Storage repository.Storage
}

// Options point the collaborator clients at fake servers. Leaving one empty
// wires a client that cannot connect, which only matters when a test actually
// reaches that collaborator.
type Options struct {
	IdentityURL   string
	LedgerURL     string
	EngineURL     string
	IdentityCheck string

	// Credits charged per completion, 1 when zero
	CompletionCost decimal.Decimal
}

// RunTx builds the production service stack bound to a single transaction and
// serves it with httptest. The transaction rolls back when fn returns, so
// tests never see each other's rows.
func RunTx(dbpool *pgxpool.Pool, t *testing.T, opts Options, fn func(srvURL string, s Services)) {
	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		log := logger.NewNoOpLogger()
		storage := postgres.NewStorage(tx)

		codec, err := tokencodec.New(tokencodec.Config{
			AccessSecret:  "integration-access-secret",
			RefreshSecret: "integration-refresh-secret",
		})
		require.NoError(t, err, "token codec should be created without errors")

		hasher, err := auth.NewTokenHasher("integration-pepper")
		require.NoError(t, err, "token hasher should be created without errors")

		authService, err := auth.NewService(
			auth.ServiceConfig{IdentityCheck: opts.IdentityCheck},
			codec,
			&hasher,
			storage,
			identity.NewClient(opts.IdentityURL, log),
			log,
		)
		require.NoError(t, err, "auth service starting error")

		cost := opts.CompletionCost
		if cost.IsZero() {
			cost = decimal.NewFromInt(1)
		}

		ledgerClient := ledger.NewClient(opts.LedgerURL, log)
		gate, err := credit.NewGate(credit.GateConfig{
			Costs: map[string]decimal.Decimal{models.OperationCompletion: cost},
		}, ledgerClient, log)
		require.NoError(t, err, "credit gate starting error")

		relayService, err := relay.New(
			relay.Config{},
			gate,
			engine.NewClient(opts.EngineURL, "test-engine-key", log),
			ledgerClient,
			storage,
			log,
		)
		require.NoError(t, err, "relay starting error")

		router := handlers.NewRouter(authService, relayService, ledgerClient, storage.Message(), dbpool, log)

		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(srv.URL, Services{Auth: authService, Storage: storage})
	})
}
