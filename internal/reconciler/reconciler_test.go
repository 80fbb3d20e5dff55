package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

type fakeBalances struct {
	base, quote decimal.Decimal
}

func (f *fakeBalances) GetTokenBalance(_ context.Context, account solana.PublicKey) (decimal.Decimal, error) {
	if account == (solana.PublicKey{1}) {
		return f.base, nil
	}
	return f.quote, nil
}

var baseAcct = solana.PublicKey{1}
var quoteAcct = solana.PublicKey{2}

func TestReconcileBuySuccess(t *testing.T) {
	fb := &fakeBalances{base: decimal.NewFromFloat(0.1), quote: decimal.NewFromFloat(10)}
	r := New(fb, time.Millisecond, decimal.NewFromFloat(0.10))

	intent := &types.InflightIntent{
		Side:              types.SideBuy,
		ExpectedBaseDelta: decimal.NewFromFloat(0.1),
		PreBalanceToken:   decimal.Zero,
		PreBalanceQuote:   decimal.NewFromFloat(20),
	}
	v, err := r.Reconcile(context.Background(), intent, baseAcct, quoteAcct)
	require.NoError(t, err)
	require.Equal(t, types.ReconciledSuccess, v.Outcome)
}

func TestReconcileBuyFailureNoChange(t *testing.T) {
	fb := &fakeBalances{base: decimal.Zero, quote: decimal.NewFromFloat(20)}
	r := New(fb, time.Millisecond, decimal.NewFromFloat(0.10))

	intent := &types.InflightIntent{
		Side:              types.SideBuy,
		ExpectedBaseDelta: decimal.NewFromFloat(0.1),
		PreBalanceToken:   decimal.Zero,
		PreBalanceQuote:   decimal.NewFromFloat(20),
	}
	v, err := r.Reconcile(context.Background(), intent, baseAcct, quoteAcct)
	require.NoError(t, err)
	require.Equal(t, types.ReconciledFailure, v.Outcome)
}

func TestReconcileSellSuccess(t *testing.T) {
	fb := &fakeBalances{base: decimal.Zero, quote: decimal.NewFromFloat(20)}
	r := New(fb, time.Millisecond, decimal.NewFromFloat(0.10))

	intent := &types.InflightIntent{
		Side:              types.SideSell,
		ExpectedBaseDelta: decimal.NewFromFloat(-0.1),
		PreBalanceToken:   decimal.NewFromFloat(0.1),
		PreBalanceQuote:   decimal.NewFromFloat(10),
	}
	v, err := r.Reconcile(context.Background(), intent, baseAcct, quoteAcct)
	require.NoError(t, err)
	require.Equal(t, types.ReconciledSuccess, v.Outcome)
}

func TestReconcileToleranceAbsorbsFees(t *testing.T) {
	fb := &fakeBalances{base: decimal.NewFromFloat(0.095), quote: decimal.NewFromFloat(10)}
	r := New(fb, time.Millisecond, decimal.NewFromFloat(0.10))

	intent := &types.InflightIntent{
		Side:              types.SideBuy,
		ExpectedBaseDelta: decimal.NewFromFloat(0.1),
		PreBalanceToken:   decimal.Zero,
		PreBalanceQuote:   decimal.NewFromFloat(20),
	}
	v, err := r.Reconcile(context.Background(), intent, baseAcct, quoteAcct)
	require.NoError(t, err)
	require.Equal(t, types.ReconciledSuccess, v.Outcome, "0.095 received vs 0.1 expected is 5% short, within the 10% tolerance")
}
