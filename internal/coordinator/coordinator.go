// Package coordinator implements the ExecutionCoordinator: the per-intent
// orchestration loop that walks the attempt ladder, calls the aggregator
// and executor, and falls back to the reconciler on UNKNOWN. Grounded on
// spec section 4.8's pseudocode directly, with the ladder/quote/build/
// submit/reconcile steps kept in the same order as the original
// order_manager.py drives a single order through its lifecycle.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/aggregator"
	"github.com/kyzlo-labs/scalper-core/internal/ladder"
	"github.com/kyzlo-labs/scalper-core/internal/reconciler"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Aggregator is the subset of aggregator.Client the coordinator calls.
type Aggregator interface {
	Quote(ctx context.Context, inputMint, outputMint string, amountIn uint64, slippageBps uint32) (*aggregator.Quote, error)
	BuildSwap(ctx context.Context, q *aggregator.Quote, userAddress string, priorityFeeMicro uint64, priorityFeeAuto bool) ([]byte, error)
}

// Executor is the subset of executor.Executor the coordinator calls.
type Executor interface {
	Execute(ctx context.Context, txBase64 []byte, skipPreflight bool) types.TxResult
}

// Reconciler is the subset of reconciler.Reconciler the coordinator calls.
type Reconciler interface {
	Reconcile(ctx context.Context, intent *types.InflightIntent, baseAccount, quoteAccount solana.PublicKey) (reconciler.Verdict, error)
}

// BalanceReader lets the coordinator snapshot pre-trade balances before
// submit, as the Reconciler's direction check requires.
type BalanceReader interface {
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (decimal.Decimal, error)
}

// PositionMachine is the subset of position.Machine the coordinator
// mutates. State transitions only ever happen through these calls, never
// directly on a types.PairState.
type PositionMachine interface {
	MarkBuySubmitted(p types.Pair, handle *types.IntentHandle)
	ResolveBuy(p types.Pair, outcome types.TxOutcome, entryPrice, sizeBase decimal.Decimal, now time.Time)
	PreserveBuyInflight(p types.Pair, handle *types.IntentHandle)
	MarkSellSubmitted(p types.Pair, handle *types.IntentHandle)
	ResolveSell(p types.Pair, outcome types.TxOutcome, now time.Time)
	PreserveSellInflight(p types.Pair, handle *types.IntentHandle)
}

// AuditRecorder persists an intent's outcome (a definitive or reconciled
// result, or UNKNOWN when the intent is preserved) for crash-restart hinting. Never
// consulted for a trading decision; a nil AuditRecorder simply disables the
// write path (audit.Store is wired in by cmd/engine only when configured).
type AuditRecorder interface {
	Record(ctx context.Context, rec types.AuditRecord) error
}

// Coordinator orchestrates one trade intent end to end.
type Coordinator struct {
	aggregator        Aggregator
	executor          Executor
	reconciler        Reconciler
	balances          BalanceReader
	position          PositionMachine
	ladder            *ladder.Ladder
	maxPriceImpactBps int64
	skipPreflight     bool
	auditor           AuditRecorder

	mu      sync.Mutex
	pending map[string]*types.InflightIntent // keyed by IntentID, survives across ticks
}

// New builds a Coordinator. auditor may be nil, in which case resolved
// intents are simply not persisted.
func New(
	agg Aggregator,
	exec Executor,
	rec Reconciler,
	balances BalanceReader,
	position PositionMachine,
	l *ladder.Ladder,
	maxPriceImpactBps int64,
	skipPreflight bool,
	auditor AuditRecorder,
) *Coordinator {
	return &Coordinator{
		aggregator:        agg,
		executor:          exec,
		reconciler:        rec,
		balances:          balances,
		position:          position,
		ladder:            l,
		maxPriceImpactBps: maxPriceImpactBps,
		skipPreflight:     skipPreflight,
		auditor:           auditor,
		pending:           make(map[string]*types.InflightIntent),
	}
}

// TradeRequest is the input to a single intent.
type TradeRequest struct {
	Pair             types.Pair
	Side             types.Side
	AmountInSmallest uint64
	UserAddress      string
	BaseTokenAccount solana.PublicKey
	QuoteTokenAcct   solana.PublicKey
	ExpectedBaseOut  decimal.Decimal // signed, positive for BUY, negative for SELL
}

// Execute runs the attempt loop from spec section 4.8. Returns the final
// TxOutcome for the intent; UNKNOWN is returned only when an inflight
// handle has been preserved in the position machine and the ladder was
// not advanced.
func (c *Coordinator) Execute(ctx context.Context, req TradeRequest) (types.TxOutcome, error) {
	for attempt := 1; attempt <= c.ladder.MaxAttempts(); attempt++ {
		rung := c.ladder.Rung(attempt)

		inputMint, outputMint := req.Pair.QuoteMint.String(), req.Pair.BaseMint.String()
		if req.Side == types.SideSell {
			inputMint, outputMint = req.Pair.BaseMint.String(), req.Pair.QuoteMint.String()
		}
		q, err := c.aggregator.Quote(ctx, inputMint, outputMint, req.AmountInSmallest, rung.SlippageBps)
		if err != nil {
			continue // quote failure is definite; consume the attempt
		}

		if ok, kind := aggregator.CheckPriceImpact(q, c.maxPriceImpactBps); !ok {
			c.clearInflight(req)
			return types.OutcomeFailure, fmt.Errorf("price impact gate: %s", kind)
		}

		txBytes, err := c.aggregator.BuildSwap(ctx, q, req.UserAddress, rung.PriorityFeeMicro, rung.PriorityFeeAuto)
		if err != nil {
			continue // build failure is definite; consume the attempt
		}

		intentID := uuid.NewString()
		handle := &types.IntentHandle{IntentID: intentID}
		c.markSubmitted(req, handle)

		preBase, err := c.balances.GetTokenBalance(ctx, req.BaseTokenAccount)
		if err != nil {
			continue
		}
		preQuote, err := c.balances.GetTokenBalance(ctx, req.QuoteTokenAcct)
		if err != nil {
			continue
		}

		result := c.executor.Execute(ctx, txBytes, c.skipPreflight)
		if result.Signature != nil {
			handle.Signature = result.Signature
			c.markSubmitted(req, handle)
		}

		switch result.Outcome {
		case types.OutcomeSuccess:
			c.resolve(req, types.OutcomeSuccess, q, now())
			c.record(ctx, req, intentID, handle.Signature, types.OutcomeSuccess, "")
			return types.OutcomeSuccess, nil

		case types.OutcomeFailure:
			c.resolve(req, types.OutcomeFailure, q, now())
			c.record(ctx, req, intentID, handle.Signature, types.OutcomeFailure, result.FailureKind)
			continue

		case types.OutcomeUnknown:
			intent := &types.InflightIntent{
				IntentID:          intentID,
				Signature:         result.Signature,
				Pair:              req.Pair,
				Side:              req.Side,
				ExpectedBaseDelta: req.ExpectedBaseOut,
				PreBalanceToken:   preBase,
				PreBalanceQuote:   preQuote,
				SubmittedAt:       result.Submitted,
				QuotedPrice:       quotedPrice(q, req),
			}
			verdict, err := c.reconciler.Reconcile(ctx, intent, req.BaseTokenAccount, req.QuoteTokenAcct)
			if err != nil {
				// still unresolved: preserve inflight and the intent record,
				// ladder does NOT advance; the scheduler's resolve-unknown
				// pass retries reconciliation on a later tick.
				c.putPending(intent)
				c.preserveInflight(req, handle)
				c.record(ctx, req, intentID, intent.Signature, types.OutcomeUnknown, "")
				return types.OutcomeUnknown, nil
			}
			switch verdict.Outcome {
			case types.ReconciledSuccess:
				entryPrice := quotedPrice(q, req)
				c.resolveWithFill(req, types.OutcomeSuccess, entryPrice, verdict.TokenDelta.Abs(), now())
				c.record(ctx, req, intentID, intent.Signature, types.OutcomeSuccess, "")
				return types.OutcomeSuccess, nil
			case types.ReconciledFailure:
				c.resolve(req, types.OutcomeFailure, q, now())
				c.record(ctx, req, intentID, intent.Signature, types.OutcomeFailure, "")
				continue
			default:
				c.preserveInflight(req, handle)
				c.record(ctx, req, intentID, intent.Signature, types.OutcomeUnknown, "")
				return types.OutcomeUnknown, nil
			}
		}
	}

	// all attempts exhausted by the FAILURE path only
	return types.OutcomeFailure, fmt.Errorf("attempt ladder exhausted for %s %s", req.Pair.ID(), req.Side)
}

func now() time.Time { return time.Now() }

// quotedPrice returns q's implied price in quote-per-base UI units,
// matching the orientation the oracle's PricePoint uses, regardless of
// which mint the quote actually used as input. A BUY quotes quote->base
// (input=quote, output=base); a SELL quotes base->quote (input=base,
// output=quote), so the decimals passed to OutAmountPrice must flip too.
func quotedPrice(q *aggregator.Quote, req TradeRequest) decimal.Decimal {
	if req.Side == types.SideBuy {
		return q.OutAmountPrice(req.AmountInSmallest, req.Pair.QuoteDecimals, req.Pair.BaseDecimals)
	}
	// OutAmountPrice is input-per-output, i.e. base-per-quote on a SELL.
	basePerQuote := q.OutAmountPrice(req.AmountInSmallest, req.Pair.BaseDecimals, req.Pair.QuoteDecimals)
	if basePerQuote.IsZero() {
		return basePerQuote
	}
	return decimal.NewFromInt(1).Div(basePerQuote)
}

func (c *Coordinator) putPending(intent *types.InflightIntent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[intent.IntentID] = intent
}

func (c *Coordinator) dropPending(intentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, intentID)
}

// ResolvePreserved retries reconciliation for an intent a prior tick left
// UNKNOWN. Called by the scheduler's resolve-unknown pass (spec section
// 4.9 step 6) before exits/entries run. Returns OutcomeUnknown with a nil
// error when the handle has no matching pending record (nothing to do,
// e.g. resolved already), and OutcomeUnknown with the reconciler's error
// when reconciliation itself fails again.
func (c *Coordinator) ResolvePreserved(ctx context.Context, p types.Pair, side types.Side, handle *types.IntentHandle, baseAccount, quoteAccount solana.PublicKey) (types.TxOutcome, error) {
	if handle == nil {
		return types.OutcomeUnknown, nil
	}
	c.mu.Lock()
	intent, ok := c.pending[handle.IntentID]
	c.mu.Unlock()
	if !ok {
		return types.OutcomeUnknown, nil
	}

	verdict, err := c.reconciler.Reconcile(ctx, intent, baseAccount, quoteAccount)
	if err != nil {
		return types.OutcomeUnknown, err
	}

	switch verdict.Outcome {
	case types.ReconciledSuccess:
		c.dropPending(handle.IntentID)
		if side == types.SideBuy {
			c.position.ResolveBuy(p, types.OutcomeSuccess, intent.QuotedPrice, verdict.TokenDelta.Abs(), now())
		} else {
			c.position.ResolveSell(p, types.OutcomeSuccess, now())
		}
		c.recordIntent(ctx, intent, types.OutcomeSuccess, "")
		return types.OutcomeSuccess, nil
	case types.ReconciledFailure:
		c.dropPending(handle.IntentID)
		if side == types.SideBuy {
			c.position.ResolveBuy(p, types.OutcomeFailure, decimal.Zero, decimal.Zero, now())
		} else {
			c.position.ResolveSell(p, types.OutcomeFailure, now())
		}
		c.recordIntent(ctx, intent, types.OutcomeFailure, "")
		return types.OutcomeFailure, nil
	default:
		return types.OutcomeUnknown, nil
	}
}

func (c *Coordinator) markSubmitted(req TradeRequest, handle *types.IntentHandle) {
	if req.Side == types.SideBuy {
		c.position.MarkBuySubmitted(req.Pair, handle)
	} else {
		c.position.MarkSellSubmitted(req.Pair, handle)
	}
}

func (c *Coordinator) clearInflight(req TradeRequest) {
	if req.Side == types.SideBuy {
		c.position.MarkBuySubmitted(req.Pair, nil)
	} else {
		c.position.MarkSellSubmitted(req.Pair, nil)
	}
}

func (c *Coordinator) preserveInflight(req TradeRequest, handle *types.IntentHandle) {
	if req.Side == types.SideBuy {
		c.position.PreserveBuyInflight(req.Pair, handle)
	} else {
		c.position.PreserveSellInflight(req.Pair, handle)
	}
}

// record persists an intent's outcome for restart hinting. Best-effort: an
// audit write failure is never surfaced to the caller, it must not block
// or retry the trade it describes.
func (c *Coordinator) record(ctx context.Context, req TradeRequest, intentID string, sig *solana.Signature, outcome types.TxOutcome, failureKind types.FailureKind) {
	if c.auditor == nil {
		return
	}
	sigStr := ""
	if sig != nil {
		sigStr = sig.String()
	}
	_ = c.auditor.Record(ctx, types.AuditRecord{
		IntentID:    intentID,
		Pair:        req.Pair.ID(),
		Side:        req.Side,
		Outcome:     outcome,
		FailureKind: failureKind,
		Signature:   sigStr,
		ResolvedAt:  now(),
	})
}

// recordIntent is record's counterpart for a previously-preserved intent,
// where only the InflightIntent (not the original TradeRequest) survived
// across ticks.
func (c *Coordinator) recordIntent(ctx context.Context, intent *types.InflightIntent, outcome types.TxOutcome, failureKind types.FailureKind) {
	if c.auditor == nil {
		return
	}
	sigStr := ""
	if intent.Signature != nil {
		sigStr = intent.Signature.String()
	}
	_ = c.auditor.Record(ctx, types.AuditRecord{
		IntentID:    intent.IntentID,
		Pair:        intent.Pair.ID(),
		Side:        intent.Side,
		Outcome:     outcome,
		FailureKind: failureKind,
		Signature:   sigStr,
		ResolvedAt:  now(),
	})
}

func (c *Coordinator) resolve(req TradeRequest, outcome types.TxOutcome, q *aggregator.Quote, at time.Time) {
	if req.Side == types.SideBuy {
		entryPrice := decimal.Zero
		sizeBase := decimal.Zero
		if q != nil && outcome == types.OutcomeSuccess {
			entryPrice = quotedPrice(q, req)
			sizeBase = decimal.NewFromInt(int64(q.OutAmount)).Div(decimal.New(1, int32(req.Pair.BaseDecimals)))
		}
		c.position.ResolveBuy(req.Pair, outcome, entryPrice, sizeBase, at)
		return
	}
	c.position.ResolveSell(req.Pair, outcome, at)
}

func (c *Coordinator) resolveWithFill(req TradeRequest, outcome types.TxOutcome, entryPrice, tokenDelta decimal.Decimal, at time.Time) {
	if req.Side == types.SideBuy {
		c.position.ResolveBuy(req.Pair, outcome, entryPrice, tokenDelta, at)
		return
	}
	c.position.ResolveSell(req.Pair, outcome, at)
}
