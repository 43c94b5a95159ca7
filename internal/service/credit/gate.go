// Package credit admits billable operations against the external ledger.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/logger"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/service/ledger"
)

const defaultTimeout = 3 * time.Second

// Ledger is the slice of the ledger client the gate needs. Both calls carry
// the user's raw access token, the ledger resolves the account itself.
type Ledger interface {
	GetBalance(ctx context.Context, userToken string) (decimal.Decimal, error)
	Deduct(ctx context.Context, userToken string, amount decimal.Decimal, operation string, reference string) error
}

type GateConfig struct {
	// Cost per operation name. Operations without a positive cost pass free.
	Costs map[string]decimal.Decimal

	// Bound on the combined balance read and deduct. The gate fails closed:
	// running out of this budget denies the operation.
	Timeout time.Duration
}

type Gate struct {
	ledger  Ledger
	costs   map[string]decimal.Decimal
	timeout time.Duration
	logger  logger.Logger
}

func NewGate(cfg GateConfig, l Ledger, log logger.Logger) (*Gate, error) {
	if l == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	costs := make(map[string]decimal.Decimal, len(cfg.Costs))
	for op, cost := range cfg.Costs {
		costs[op] = cost
	}

	return &Gate{
		ledger:  l,
		costs:   costs,
		timeout: timeout,
		logger:  log,
	}, nil
}

// Cost reports the configured price of an operation, zero for free ones.
func (g *Gate) Cost(operation string) decimal.Decimal {
	return g.costs[operation]
}

// CheckAndDeduct admits one billable operation: read the balance, deny if it
// does not cover the cost, then withdraw exactly once. A ledger that cannot
// answer in time denies, never admits. The withdrawn amount is not refunded
// by the gate, downstream failures are recorded as failed transactions
// instead.
func (g *Gate) CheckAndDeduct(ctx context.Context, principal models.Principal, operation string, reference string) (decimal.Decimal, error) {
	cost, ok := g.costs[operation]
	if !ok || !cost.IsPositive() {
		return decimal.Zero, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	balance, err := g.ledger.GetBalance(ctx, principal.Token)
	if err != nil {
		return cost, fmt.Errorf("credit gate error: %w: %w", apperrors.ErrLedgerUnavailable, err)
	}
	if balance.LessThan(cost) {
		g.logger.Info("Denied by balance", "operation", operation, "cost", cost, "balance", balance, "subject", principal.User.Subject)
		return cost, fmt.Errorf("credit gate error: %w", apperrors.ErrCreditsInsufficient)
	}

	err = g.ledger.Deduct(ctx, principal.Token, cost, operation, reference)
	if err != nil {
		var ledgerErr *ledger.Error
		if errors.As(err, &ledgerErr) && ledgerErr.Code == ledger.CodeInsufficient {
			// Raced with another spender, the ledger holds the truth
			return cost, fmt.Errorf("credit gate error: %w", apperrors.ErrCreditsInsufficient)
		}
		return cost, fmt.Errorf("credit gate error: %w: %w", apperrors.ErrLedgerUnavailable, err)
	}

	g.logger.Debug("Deducted credits", "operation", operation, "cost", cost, "subject", principal.User.Subject)
	return cost, nil
}
