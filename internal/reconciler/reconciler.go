// Package reconciler implements the confirm-or-reconcile safety net: when
// TxExecutor cannot observe a definitive outcome, Reconciler compares
// pre/post on-chain balance deltas against the expected trade direction
// to decide SUCCESS vs FAILURE. Chain state is authoritative even when
// local RPC never confirmed the signature — this is the central safety
// property described in spec section 4.5. Grounded on the original
// solana_client.py's TxOutcome reconciliation and stale_fill_handler.py's
// zombie-fill detection.
package reconciler

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// BalanceReader is the narrow chain dependency Reconciler needs.
type BalanceReader interface {
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (decimal.Decimal, error)
}

// Reconciler resolves UNKNOWN outcomes into SUCCESS or FAILURE.
type Reconciler struct {
	chain       BalanceReader
	settleDelay time.Duration
	tolerance   decimal.Decimal
}

// New builds a Reconciler. tolerance is the fraction of the expected
// delta absorbed as fees/slippage (default 0.10 per spec section 4.5).
func New(chain BalanceReader, settleDelay time.Duration, tolerance decimal.Decimal) *Reconciler {
	return &Reconciler{chain: chain, settleDelay: settleDelay, tolerance: tolerance}
}

// Verdict is the resolved outcome plus the actual observed base-token
// delta, which the coordinator uses (not the quoted amount) to populate
// PairState.SizeBase on a reconciled-success entry fill.
type Verdict struct {
	Outcome    types.ReconcileOutcome
	TokenDelta decimal.Decimal
	QuoteDelta decimal.Decimal
}

// Reconcile sleeps the settle delay, snapshots post-balances, and applies
// the side-specific direction rule from spec section 4.5.
func (r *Reconciler) Reconcile(ctx context.Context, intent *types.InflightIntent, baseAccount, quoteAccount solana.PublicKey) (Verdict, error) {
	select {
	case <-time.After(r.settleDelay):
	case <-ctx.Done():
		return Verdict{Outcome: types.ReconcileTimeout}, ctx.Err()
	}

	postToken, err := r.chain.GetTokenBalance(ctx, baseAccount)
	if err != nil {
		return Verdict{Outcome: types.ReconcileTimeout}, err
	}
	postQuote, err := r.chain.GetTokenBalance(ctx, quoteAccount)
	if err != nil {
		return Verdict{Outcome: types.ReconcileTimeout}, err
	}

	tokenDelta := postToken.Sub(intent.PreBalanceToken)
	quoteDelta := postQuote.Sub(intent.PreBalanceQuote)

	success := r.directionMatches(intent.Side, tokenDelta, quoteDelta, intent.ExpectedBaseDelta)

	outcome := types.ReconciledFailure
	if success {
		outcome = types.ReconciledSuccess
	}
	return Verdict{Outcome: outcome, TokenDelta: tokenDelta, QuoteDelta: quoteDelta}, nil
}

func (r *Reconciler) directionMatches(side types.Side, tokenDelta, quoteDelta, expectedBaseDelta decimal.Decimal) bool {
	minAbs := expectedBaseDelta.Abs().Mul(decimal.NewFromInt(1).Sub(r.tolerance))

	switch side {
	case types.SideBuy:
		return tokenDelta.IsPositive() &&
			tokenDelta.GreaterThanOrEqual(minAbs) &&
			quoteDelta.IsNegative()
	case types.SideSell:
		return tokenDelta.IsNegative() &&
			tokenDelta.Abs().GreaterThanOrEqual(minAbs) &&
			quoteDelta.IsPositive()
	default:
		return false
	}
}
