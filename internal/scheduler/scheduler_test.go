package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/coordinator"
	"github.com/kyzlo-labs/scalper-core/internal/oracle"
	"github.com/kyzlo-labs/scalper-core/internal/strategy"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func solPair() types.Pair {
	return types.Pair{BaseSymbol: "SOL", QuoteSymbol: "USDC", BaseMint: solana.PublicKey{1}, QuoteMint: solana.PublicKey{2}, BaseDecimals: 9, QuoteDecimals: 6}
}

func jupPair() types.Pair {
	return types.Pair{BaseSymbol: "JUP", QuoteSymbol: "USDC", BaseMint: solana.PublicKey{3}, QuoteMint: solana.PublicKey{4}, BaseDecimals: 6, QuoteDecimals: 6}
}

type fakeOracle struct {
	points map[string]oracle.Result
}

func (f *fakeOracle) Get(_ context.Context, pair types.Pair) oracle.Result {
	if r, ok := f.points[pair.ID()]; ok {
		return r
	}
	return oracle.Result{Ok: false, Reason: "no price configured"}
}

func validPrice(pair types.Pair, price float64) oracle.Result {
	return oracle.Result{Ok: true, Point: types.PricePoint{Pair: pair, Price: decimal.NewFromFloat(price), CapturedAt: time.Now()}}
}

type fakeChain struct {
	reserve decimal.Decimal
}

func (f *fakeChain) GetNativeBalance(context.Context) (decimal.Decimal, error) {
	return f.reserve, nil
}

type fakePosition struct {
	states map[string]*types.PairState
	open   []types.Pair
	flat   []types.Pair
}

func newFakePosition() *fakePosition {
	return &fakePosition{states: make(map[string]*types.PairState)}
}

func (f *fakePosition) ensure(p types.Pair) *types.PairState {
	s, ok := f.states[p.ID()]
	if !ok {
		s = types.NewPairState(p)
		f.states[p.ID()] = s
	}
	return s
}

func (f *fakePosition) State(p types.Pair) *types.PairState       { return f.ensure(p) }
func (f *fakePosition) SetExitOnly(bool)                          {}
func (f *fakePosition) ExitOnly() bool                            { return false }
func (f *fakePosition) OpenPairs() []types.Pair                   { return f.open }
func (f *fakePosition) FlatPairs() []types.Pair                   { return f.flat }
func (f *fakePosition) CanEnter(types.Pair, time.Time) (bool, types.WhyNot) { return true, "" }
func (f *fakePosition) CanExit(types.Pair, time.Time) (bool, types.WhyNot)  { return true, "" }

type execCall struct {
	pair            types.Pair
	side            types.Side
	expectedBaseOut decimal.Decimal
}

type fakeExecutor struct {
	calls   []execCall
	outcome types.TxOutcome
}

func (f *fakeExecutor) Execute(_ context.Context, req coordinator.TradeRequest) (types.TxOutcome, error) {
	f.calls = append(f.calls, execCall{pair: req.Pair, side: req.Side, expectedBaseOut: req.ExpectedBaseOut})
	return f.outcome, nil
}

func (f *fakeExecutor) ResolvePreserved(context.Context, types.Pair, types.Side, *types.IntentHandle, solana.PublicKey, solana.PublicKey) (types.TxOutcome, error) {
	return types.OutcomeUnknown, nil
}

type alwaysLong struct{}

func (alwaysLong) Signal(types.Pair, types.PricePoint) (strategy.Action, types.WhyNot) {
	return strategy.ActionLong, ""
}
func (alwaysLong) ExitReason(types.Pair, types.PricePoint) (string, bool) { return "", false }

type alwaysExit struct{}

func (alwaysExit) Signal(types.Pair, types.PricePoint) (strategy.Action, types.WhyNot) {
	return strategy.ActionFlat, types.WhySignalFlat
}
func (alwaysExit) ExitReason(types.Pair, types.PricePoint) (string, bool) { return "take profit", true }

type exitAndEnter struct{}

func (exitAndEnter) Signal(types.Pair, types.PricePoint) (strategy.Action, types.WhyNot) {
	return strategy.ActionLong, ""
}
func (exitAndEnter) ExitReason(types.Pair, types.PricePoint) (string, bool) { return "take profit", true }

func pairConfigs(pairs ...types.Pair) []PairConfig {
	out := make([]PairConfig, len(pairs))
	for i, p := range pairs {
		out[i] = PairConfig{Pair: p, EntryQuoteAmount: 10_000_000}
	}
	return out
}

func TestTickEntersOnLongSignal(t *testing.T) {
	pair := solPair()
	pos := newFakePosition()
	pos.flat = []types.Pair{pair}
	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{points: map[string]oracle.Result{pair.ID(): validPrice(pair, 100)}}

	s := New(pairConfigs(pair), orc, pos, alwaysLong{}, exec, &fakeChain{reserve: decimal.NewFromFloat(1)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.tick(context.Background())

	require.Len(t, exec.calls, 1)
	require.Equal(t, types.SideBuy, exec.calls[0].side)
	require.Equal(t, types.StateRunning, s.State())
}

func TestTickEntrySizingConvertsQuoteAmountToUIUnitsBeforeDividingByPrice(t *testing.T) {
	pair := solPair() // BaseDecimals 9, QuoteDecimals 6
	pos := newFakePosition()
	pos.flat = []types.Pair{pair}
	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{points: map[string]oracle.Result{pair.ID(): validPrice(pair, 100)}}

	// EntryQuoteAmount is 10_000_000 smallest-quote-units = 10 USDC at
	// QuoteDecimals=6; at a price of 100 USDC/SOL that should buy 0.1 SOL,
	// not 100_000 SOL from mixing smallest-unit and UI-unit arithmetic.
	s := New(pairConfigs(pair), orc, pos, alwaysLong{}, exec, &fakeChain{reserve: decimal.NewFromFloat(1)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.tick(context.Background())

	require.Len(t, exec.calls, 1)
	require.True(t, exec.calls[0].expectedBaseOut.Equal(decimal.NewFromFloat(0.1)), "got %s", exec.calls[0].expectedBaseOut)
}

func TestTickPausesOnSOLReserveBelowMin(t *testing.T) {
	pair := solPair()
	pos := newFakePosition()
	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{points: map[string]oracle.Result{pair.ID(): validPrice(pair, 100)}}

	s := New(pairConfigs(pair), orc, pos, alwaysLong{}, exec, &fakeChain{reserve: decimal.NewFromFloat(0.01)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.tick(context.Background())

	require.Equal(t, types.StatePausedSOLReserve, s.State())
	require.Empty(t, exec.calls)
}

func TestTickPausesOnMissingPrice(t *testing.T) {
	pair := solPair()
	pos := newFakePosition()
	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{points: map[string]oracle.Result{}} // no price configured

	s := New(pairConfigs(pair), orc, pos, alwaysLong{}, exec, &fakeChain{reserve: decimal.NewFromFloat(1)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.tick(context.Background())

	require.Equal(t, types.StatePausedPriceFeed, s.State())
	require.Empty(t, exec.calls)
}

func TestTickExitsBeforeEntries(t *testing.T) {
	open := solPair()
	flat := jupPair()
	pos := newFakePosition()
	pos.open = []types.Pair{open}
	pos.flat = []types.Pair{flat}
	pos.ensure(open).Status = types.StatusOpen
	pos.ensure(open).SizeBase = decimal.NewFromFloat(0.1)

	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{points: map[string]oracle.Result{
		open.ID(): validPrice(open, 100),
		flat.ID(): validPrice(flat, 1),
	}}

	s := New(pairConfigs(open, flat), orc, pos, exitAndEnter{}, exec, &fakeChain{reserve: decimal.NewFromFloat(1)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.tick(context.Background())

	require.Len(t, exec.calls, 2)
	require.Equal(t, types.SideSell, exec.calls[0].side)
	require.Equal(t, open.ID(), exec.calls[0].pair.ID())
	require.Equal(t, types.SideBuy, exec.calls[1].side)
	require.Equal(t, flat.ID(), exec.calls[1].pair.ID())
}

func TestFlattenAllSkipsPairsAtReserveFloor(t *testing.T) {
	pair := solPair()
	pos := newFakePosition()
	pos.open = []types.Pair{pair}
	pos.ensure(pair).Status = types.StatusOpen
	pos.ensure(pair).SizeBase = decimal.NewFromFloat(0.1)

	exec := &fakeExecutor{outcome: types.OutcomeSuccess}
	orc := &fakeOracle{}

	s := New(pairConfigs(pair), orc, pos, alwaysExit{}, exec, &fakeChain{reserve: decimal.NewFromFloat(0.05)}, "wallet",
		time.Second, 10*time.Second, decimal.NewFromFloat(0.05), 5, discardLogger())

	s.flattenAll(context.Background())

	require.Empty(t, exec.calls, "exit skipped: reserve at or below the minimum")
	require.Equal(t, types.StateStopped, s.State())
}
