package credit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/models"
	"github.com/akostin/flowgate/internal/service/ledger"
)

type fakeLedger struct {
	mu sync.Mutex

	balance    decimal.Decimal
	balanceErr error
	deductErr  error

	// Simulates a ledger that never answers within the gate's budget
	stall bool

	balanceCalls int
	deductCalls  int
}

func (f *fakeLedger) GetBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	f.balanceCalls++
	f.mu.Unlock()

	if f.stall {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	return f.balance, f.balanceErr
}

func (f *fakeLedger) Deduct(ctx context.Context, _ string, amount decimal.Decimal, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deductCalls++
	if f.deductErr != nil {
		return f.deductErr
	}
	f.balance = f.balance.Sub(amount)
	return nil
}

func Test_Gate(t *testing.T) {
	t.Parallel()

	principal := models.Principal{
		User:  models.User{Subject: "idp-1", Role: models.RoleEnduser, Active: true},
		Token: "raw-access-token",
	}

	newGate := func(t *testing.T, cfg GateConfig, l Ledger) *Gate {
		g, err := NewGate(cfg, l, nil)
		require.NoError(t, err)
		return g
	}

	costOne := GateConfig{Costs: map[string]decimal.Decimal{
		models.OperationCompletion: decimal.NewFromInt(1),
	}}

	t.Run("allows and deducts exactly once", func(t *testing.T) {
		l := &fakeLedger{balance: decimal.NewFromInt(5)}
		g := newGate(t, costOne, l)

		cost, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.NoError(t, err)
		assert.True(t, cost.Equal(decimal.NewFromInt(1)))
		assert.Equal(t, 1, l.deductCalls, "exactly one deduct per admission")
		assert.True(t, l.balance.Equal(decimal.NewFromInt(4)), "balance should shrink by the cost")
	})

	t.Run("denies on empty balance without deducting", func(t *testing.T) {
		l := &fakeLedger{balance: decimal.Zero}
		g := newGate(t, costOne, l)

		_, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrCreditsInsufficient)
		assert.Equal(t, 1, l.balanceCalls)
		assert.Equal(t, 0, l.deductCalls, "denied operations must not touch the balance")
	})

	t.Run("free operation skips the ledger", func(t *testing.T) {
		l := &fakeLedger{balance: decimal.Zero}
		g := newGate(t, costOne, l)

		cost, err := g.CheckAndDeduct(t.Context(), principal, "unpriced-operation", "session-1")

		require.NoError(t, err)
		assert.True(t, cost.IsZero())
		assert.Equal(t, 0, l.balanceCalls)
		assert.Equal(t, 0, l.deductCalls)
	})

	t.Run("fails closed when ledger is down", func(t *testing.T) {
		l := &fakeLedger{balanceErr: ledger.NewError(ledger.CodeUnavailable, context.DeadlineExceeded)}
		g := newGate(t, costOne, l)

		_, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrLedgerUnavailable)
		assert.Equal(t, 0, l.deductCalls)
	})

	t.Run("fails closed on timeout", func(t *testing.T) {
		l := &fakeLedger{balance: decimal.NewFromInt(5), stall: true}
		cfg := costOne
		cfg.Timeout = 20 * time.Millisecond
		g := newGate(t, cfg, l)

		start := time.Now()
		_, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrLedgerUnavailable)
		assert.Less(t, time.Since(start), time.Second, "the gate must give up on its own budget")
	})

	t.Run("deduct race maps to insufficient", func(t *testing.T) {
		l := &fakeLedger{
			balance:   decimal.NewFromInt(1),
			deductErr: ledger.NewError(ledger.CodeInsufficient, assert.AnError),
		}
		g := newGate(t, costOne, l)

		_, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrCreditsInsufficient)
	})

	t.Run("deduct failure denies", func(t *testing.T) {
		l := &fakeLedger{
			balance:   decimal.NewFromInt(5),
			deductErr: ledger.NewError(ledger.CodeUnavailable, assert.AnError),
		}
		g := newGate(t, costOne, l)

		_, err := g.CheckAndDeduct(t.Context(), principal, models.OperationCompletion, "session-1")

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrLedgerUnavailable)
	})
}
