package aggregator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

func strPtr(s string) *string { return &s }

func TestValidateQuoteRejectsMissingFields(t *testing.T) {
	_, err := validateQuote(quoteResponse{InAmount: "100"})
	require.Error(t, err)
}

func TestValidateQuoteParsesAmounts(t *testing.T) {
	q, err := validateQuote(quoteResponse{
		InAmount:       "10000000",
		OutAmount:      "100000000",
		RoutePlan:      []any{"hop1"},
		PriceImpactPct: strPtr("0.05"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(10000000), q.InAmount)
	require.Equal(t, uint64(100000000), q.OutAmount)
	require.Equal(t, int64(5), q.PriceImpactBps)
}

func TestOutAmountPriceScalesByMintDecimals(t *testing.T) {
	// 10_000_000 USDC-smallest-units (6 decimals) in, 100_000_000
	// SOL-smallest-units (9 decimals) out: 10 USDC buys 0.1 SOL, so the
	// UI price is 100 USDC per SOL.
	q := &Quote{OutAmount: 100_000_000}
	price := q.OutAmountPrice(10_000_000, 6, 9)
	require.True(t, price.Equal(decimal.NewFromInt(100)), "got %s", price)
}

func TestOutAmountPriceZeroOutAmountIsZero(t *testing.T) {
	q := &Quote{OutAmount: 0}
	require.True(t, q.OutAmountPrice(1000, 6, 9).IsZero())
}

func TestCheckPriceImpactGate(t *testing.T) {
	q := &Quote{PriceImpactBps: 150}
	ok, kind := CheckPriceImpact(q, 100)
	require.False(t, ok)
	require.Equal(t, types.FailurePriceImpact, kind)

	ok, _ = CheckPriceImpact(q, 200)
	require.True(t, ok)
}
