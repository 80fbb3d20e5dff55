package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPairID(t *testing.T) {
	p := Pair{BaseSymbol: "SOL", QuoteSymbol: "USDC"}
	require.Equal(t, "SOL/USDC", p.ID())
	require.Equal(t, "SOL/USDC", p.String())
}

func TestPricePointValid(t *testing.T) {
	now := time.Now()
	pt := PricePoint{Price: decimal.NewFromFloat(100.0), CapturedAt: now.Add(-5 * time.Second)}
	require.True(t, pt.Valid(now, 10*time.Second))
	require.False(t, pt.Valid(now, 2*time.Second))

	zero := PricePoint{Price: decimal.Zero, CapturedAt: now}
	require.False(t, zero.Valid(now, 10*time.Second))

	negative := PricePoint{Price: decimal.NewFromFloat(-1), CapturedAt: now}
	require.False(t, negative.Valid(now, 10*time.Second))
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{Low: decimal.NewFromInt(10), High: decimal.NewFromInt(20)}
	require.True(t, b.Contains(decimal.NewFromInt(10)))
	require.True(t, b.Contains(decimal.NewFromInt(20)))
	require.False(t, b.Contains(decimal.NewFromFloat(9.999)))
}

func TestIntentHandleString(t *testing.T) {
	var h *IntentHandle
	require.Equal(t, "<none>", h.String())

	h = &IntentHandle{IntentID: "abc"}
	require.Contains(t, h.String(), "no-sig")
}
