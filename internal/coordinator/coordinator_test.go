package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/aggregator"
	"github.com/kyzlo-labs/scalper-core/internal/ladder"
	"github.com/kyzlo-labs/scalper-core/internal/reconciler"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

func testPair() types.Pair {
	return types.Pair{
		BaseSymbol: "FOO", QuoteSymbol: "USDC",
		BaseMint: solana.PublicKey{3}, QuoteMint: solana.PublicKey{4},
		BaseDecimals: 6, QuoteDecimals: 6,
	}
}

func testLadder(t *testing.T, n int) *ladder.Ladder {
	rungs := make([]ladder.Rung, n)
	for i := range rungs {
		rungs[i] = ladder.Rung{SlippageBps: uint32(50 * (i + 1)), PriorityFeeMicro: 1000}
	}
	l, err := ladder.New(rungs, 500)
	require.NoError(t, err)
	return l
}

type fakeAgg struct {
	quoteErr   error
	buildErr   error
	priceImpBp int64

	lastInputMint, lastOutputMint string
}

func (f *fakeAgg) Quote(_ context.Context, inputMint, outputMint string, _ uint64, _ uint32) (*aggregator.Quote, error) {
	f.lastInputMint, f.lastOutputMint = inputMint, outputMint
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &aggregator.Quote{OutAmount: 1_000_000, PriceImpactBps: f.priceImpBp}, nil
}

func (f *fakeAgg) BuildSwap(context.Context, *aggregator.Quote, string, uint64, bool) ([]byte, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return []byte("swaptx"), nil
}

type fakeExec struct {
	results []types.TxResult
	calls   int
}

func (f *fakeExec) Execute(context.Context, []byte, bool) types.TxResult {
	r := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return r
}

type fakeRecon struct {
	verdict reconciler.Verdict
	err     error
}

func (f *fakeRecon) Reconcile(context.Context, *types.InflightIntent, solana.PublicKey, solana.PublicKey) (reconciler.Verdict, error) {
	return f.verdict, f.err
}

type fakeBalances struct{}

func (fakeBalances) GetTokenBalance(context.Context, solana.PublicKey) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakePosition struct {
	buySubmits, sellSubmits     int
	resolvedBuy, resolvedSell   types.TxOutcome
	preservedBuy, preservedSell bool
}

func (f *fakePosition) MarkBuySubmitted(types.Pair, *types.IntentHandle)  { f.buySubmits++ }
func (f *fakePosition) MarkSellSubmitted(types.Pair, *types.IntentHandle) { f.sellSubmits++ }
func (f *fakePosition) ResolveBuy(_ types.Pair, outcome types.TxOutcome, _, _ decimal.Decimal, _ time.Time) {
	f.resolvedBuy = outcome
}
func (f *fakePosition) ResolveSell(_ types.Pair, outcome types.TxOutcome, _ time.Time) {
	f.resolvedSell = outcome
}
func (f *fakePosition) PreserveBuyInflight(types.Pair, *types.IntentHandle)  { f.preservedBuy = true }
func (f *fakePosition) PreserveSellInflight(types.Pair, *types.IntentHandle) { f.preservedSell = true }

func TestCoordinatorSucceedsOnFirstAttempt(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)
	require.Equal(t, types.OutcomeSuccess, pos.resolvedBuy)
}

func TestCoordinatorRetriesOnDefiniteFailure(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{
		{Outcome: types.OutcomeFailure},
		{Outcome: types.OutcomeSuccess},
	}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideSell, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(-1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)
	require.Equal(t, 2, exec.calls+1)
}

func TestCoordinatorExhaustsLadderAsFailure(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{
		{Outcome: types.OutcomeFailure},
		{Outcome: types.OutcomeFailure},
	}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 2), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	require.Equal(t, types.OutcomeFailure, outcome)
}

func TestCoordinatorUnknownReconciledSuccessStops(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeUnknown}}}
	recon := &fakeRecon{verdict: reconciler.Verdict{Outcome: types.ReconciledSuccess, TokenDelta: decimal.NewFromInt(1)}}
	pos := &fakePosition{}
	c := New(agg, exec, recon, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)
}

func TestCoordinatorUnknownUnresolvedPreservesInflightAndDoesNotAdvanceLadder(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeUnknown}}}
	recon := &fakeRecon{err: fmt.Errorf("settle wait interrupted")}
	pos := &fakePosition{}
	c := New(agg, exec, recon, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideSell, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(-1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeUnknown, outcome)
	require.True(t, pos.preservedSell)
}

func TestResolvePreservedAppliesReconciledSuccessFromEarlierTick(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeUnknown}}}
	recon := &fakeRecon{err: fmt.Errorf("settle wait interrupted")}
	pos := &fakePosition{}
	c := New(agg, exec, recon, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeUnknown, outcome)

	handle := &types.IntentHandle{}
	for id := range c.pending {
		handle.IntentID = id
	}
	require.NotEmpty(t, handle.IntentID)

	recon.err = nil
	recon.verdict = reconciler.Verdict{Outcome: types.ReconciledSuccess, TokenDelta: decimal.NewFromInt(1)}

	resolved, err := c.ResolvePreserved(context.Background(), testPair(), types.SideBuy, handle, solana.PublicKey{}, solana.PublicKey{})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, resolved)
	require.Equal(t, types.OutcomeSuccess, pos.resolvedBuy)
}

func TestCoordinatorQuotesQuoteToBaseOnBuy(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	_, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, testPair().QuoteMint.String(), agg.lastInputMint)
	require.Equal(t, testPair().BaseMint.String(), agg.lastOutputMint)
}

func TestCoordinatorQuotesBaseToQuoteOnSell(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	_, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideSell, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(-1),
	})
	require.NoError(t, err)
	require.Equal(t, testPair().BaseMint.String(), agg.lastInputMint)
	require.Equal(t, testPair().QuoteMint.String(), agg.lastOutputMint)
}

type fakeAuditor struct {
	records []types.AuditRecord
}

func (f *fakeAuditor) Record(_ context.Context, rec types.AuditRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func TestCoordinatorRecordsAuditEntryOnDefiniteSuccess(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	auditor := &fakeAuditor{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, auditor)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)
	require.Len(t, auditor.records, 1)
	require.Equal(t, types.OutcomeSuccess, auditor.records[0].Outcome)
	require.Equal(t, testPair().ID(), auditor.records[0].Pair)
}

func TestCoordinatorSkipsAuditWritesWhenAuditorIsNil(t *testing.T) {
	agg := &fakeAgg{}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)
}

func TestCoordinatorPriceImpactGateIsDefiniteFailure(t *testing.T) {
	agg := &fakeAgg{priceImpBp: 1000}
	exec := &fakeExec{results: []types.TxResult{{Outcome: types.OutcomeSuccess}}}
	pos := &fakePosition{}
	c := New(agg, exec, &fakeRecon{}, fakeBalances{}, pos, testLadder(t, 3), 500, false, nil)

	outcome, err := c.Execute(context.Background(), TradeRequest{
		Pair: testPair(), Side: types.SideBuy, AmountInSmallest: 1_000_000,
		ExpectedBaseOut: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	require.Equal(t, types.OutcomeFailure, outcome)
}
