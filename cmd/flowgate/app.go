package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/db"
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
	"github.com/akostin/flowgate/internal/service/sweeper"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	sweeper *sweeper.Sweeper
	logger  logger.Logger

	// Whether sentry was initialized and needs a flush on shutdown
	sentryOn bool
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	if c.TokenPepper == "" {
		return nil, errors.New("token pepper must be set")
	}

	cost, err := decimal.NewFromString(c.CompletionCost)
	if err != nil {
		return nil, fmt.Errorf("invalid completion cost %q: %w", c.CompletionCost, err)
	}

	sentryOn := false
	if c.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         c.SentryDSN,
			Environment: c.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("error while initializing sentry: %w", err)
		}
		sentryOn = true
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	storage := postgres.NewStorage(pool)

	// Token plumbing
	codec, err := tokencodec.New(tokencodec.Config{
		AccessSecret:  c.AccessSecret,
		RefreshSecret: c.RefreshSecret,
		Issuer:        c.TokenIssuer,
		Audience:      c.TokenAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token codec: %w", err)
	}
	hasher, err := auth.NewTokenHasher(c.TokenPepper)
	if err != nil {
		return nil, fmt.Errorf("error while creating token hasher: %w", err)
	}

	// Collaborator clients
	idp := identity.NewClient(c.IdentityAddr, log)
	ledgerClient := ledger.NewClient(c.LedgerAddr, log)
	engineClient := engine.NewClient(c.EngineAddr, c.EngineAPIKey, log)

	// Services
	authService, err := auth.NewService(auth.ServiceConfig{IdentityCheck: c.IdentityCheck}, codec, &hasher, storage, idp, log)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service: %w", err)
	}

	gate, err := credit.NewGate(credit.GateConfig{
		Costs: map[string]decimal.Decimal{models.OperationCompletion: cost},
	}, ledgerClient, log)
	if err != nil {
		return nil, fmt.Errorf("error while creating credit gate: %w", err)
	}

	relayService, err := relay.New(relay.Config{}, gate, engineClient, ledgerClient, storage, log)
	if err != nil {
		return nil, fmt.Errorf("error while creating relay: %w", err)
	}

	router := handlers.NewRouter(authService, relayService, ledgerClient, storage.Message(), pool, log)
	if sentryOn {
		router = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(router)
	}

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    router,
		sweeper:    sweeper.New(sweeper.Config{}, storage.RefreshToken(), log),
		logger:     log,
		sentryOn:   sentryOn,
	}, nil
}

// Run starts the http server and the token sweeper and closes both gracefully
// on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeperStopped := s.sweeper.Run(sweepCtx)

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	stopSweeper()
	<-sweeperStopped

	if s.sentryOn {
		sentry.Flush(2 * time.Second)
	}

	return err
}
