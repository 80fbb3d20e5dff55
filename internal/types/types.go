// Package types holds the data model shared across the execution core:
// pairs, price points, per-pair state, inflight intents, and the 3-state
// transaction outcome. No package here talks to the network; they are
// pure value types plus the small amount of logic that belongs on them.
package types

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Pair identifies a tradeable base/quote mint combination. Immutable once
// constructed; the core never mints new pairs at runtime.
type Pair struct {
	BaseSymbol    string
	QuoteSymbol   string
	BaseMint      solana.PublicKey
	QuoteMint     solana.PublicKey
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// ID returns the canonical "BASE/QUOTE" identity of the pair.
func (p Pair) ID() string {
	return p.BaseSymbol + "/" + p.QuoteSymbol
}

func (p Pair) String() string { return p.ID() }

// PriceSource identifies which oracle feed produced a PricePoint.
type PriceSource string

const (
	SourcePrimary   PriceSource = "primary"
	SourceSecondary PriceSource = "secondary"
)

// PricePoint is a validated price observation for a pair.
type PricePoint struct {
	Pair          Pair
	Price         decimal.Decimal
	CapturedAt    time.Time
	Source        PriceSource
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// Age returns how long ago the point was captured, relative to now.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.CapturedAt)
}

// Valid reports price>0 and within the configured TTL. shopspring/decimal
// values are always finite (no NaN/Inf representation), so only the sign
// and TTL need checking here.
func (p PricePoint) Valid(now time.Time, ttl time.Duration) bool {
	if !p.Price.IsPositive() {
		return false
	}
	return p.Age(now) <= ttl
}

// Bounds is the static per-pair sanity window a PricePoint must fall inside.
// A quote outside bounds is treated as schema corruption, never a valid price.
type Bounds struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

func (b Bounds) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Low) && price.LessThanOrEqual(b.High)
}

// Side is the direction of a trade intent relative to the base asset.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PairStatus is the position status of a single pair.
type PairStatus string

const (
	StatusFlat     PairStatus = "FLAT"
	StatusOpen     PairStatus = "OPEN"
	StatusExitOnly PairStatus = "EXIT_ONLY"
)

// IntentHandle is an opaque reference to a submitted-but-unresolved
// transaction. It always carries an IntentID minted at submit time;
// Signature is nil until the chain hands one back. This replaces the
// "pending" string sentinel the original system used inconsistently.
type IntentHandle struct {
	IntentID  string
	Signature *solana.Signature
}

func (h *IntentHandle) String() string {
	if h == nil {
		return "<none>"
	}
	if h.Signature != nil {
		return fmt.Sprintf("%s(sig=%s)", h.IntentID, h.Signature.String())
	}
	return fmt.Sprintf("%s(no-sig)", h.IntentID)
}

// PairState is the mutable per-pair position record, exclusively owned by
// the position state machine.
type PairState struct {
	Pair   Pair
	Status PairStatus

	EntryPrice decimal.Decimal
	SizeBase   decimal.Decimal
	OpenedAt   time.Time

	InflightBuy  *IntentHandle
	InflightSell *IntentHandle

	BuyCooldownUntil  time.Time
	SellCooldownUntil time.Time

	BuyConsecutiveFailures  int
	SellConsecutiveFailures int
}

// NewPairState builds the zero-value FLAT state for a pair.
func NewPairState(p Pair) *PairState {
	return &PairState{Pair: p, Status: StatusFlat}
}

// FailureKind classifies why a transaction definitively failed.
type FailureKind string

const (
	FailureBlockhashExpired  FailureKind = "BlockhashExpired"
	FailureSimulationFailed  FailureKind = "SimulationFailed"
	FailureInsufficientFunds FailureKind = "InsufficientFunds"
	FailureSlippageExceeded  FailureKind = "SlippageExceeded"
	FailureProgramError      FailureKind = "ProgramError"
	FailureNetworkError      FailureKind = "NetworkError"
	FailureTimeout           FailureKind = "Timeout"
	FailurePriceImpact       FailureKind = "PriceImpact"
	FailureDeserializeFailed FailureKind = "DeserializeFailed"
	FailureSignFailed        FailureKind = "SignFailed"
	FailureSendFailed        FailureKind = "SendFailed"
	FailureUnknown           FailureKind = "Unknown"
)

// TxOutcome is the 3-state result the entire system pivots on. It must
// never be collapsed to a boolean: doing so reintroduces the double-spend
// hazard this design exists to prevent.
type TxOutcome string

const (
	OutcomeSuccess TxOutcome = "SUCCESS"
	OutcomeFailure TxOutcome = "FAILURE"
	OutcomeUnknown TxOutcome = "UNKNOWN"
)

// ReconcileOutcome is the resolution a Reconciler assigns to a previously
// UNKNOWN intent.
type ReconcileOutcome string

const (
	ReconciledSuccess ReconcileOutcome = "reconciled_success"
	ReconciledFailure ReconcileOutcome = "reconciled_failure"
	ReconcileTimeout  ReconcileOutcome = "timeout"
	ReconcileNoSig    ReconcileOutcome = "no_signature"
)

// InflightIntent is the record of a submitted-but-unresolved transaction
// that the Reconciler checks; the coordinator keeps it across ticks.
// PairStateMachine holds only the IntentHandle.
type InflightIntent struct {
	IntentID          string
	Signature         *solana.Signature
	Pair              Pair
	Side              Side
	ExpectedBaseDelta decimal.Decimal // signed
	PreBalanceToken   decimal.Decimal
	PreBalanceQuote   decimal.Decimal
	PostBalanceToken  decimal.Decimal
	PostBalanceQuote  decimal.Decimal
	SubmittedAt       time.Time
	Outcome           ReconcileOutcome
	QuotedPrice       decimal.Decimal // entry price implied by the quote that produced this intent, for late reconciliation
}

// TxResult is the only sanctioned product of TxExecutor + Reconciler.
type TxResult struct {
	Outcome       TxOutcome
	Signature     *solana.Signature
	FailureKind   FailureKind
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	BalanceDelta  decimal.Decimal
	TokenDelta    decimal.Decimal // actual base-token delta; not set by the executor, reconciliation reports it in reconciler.Verdict
	Submitted     time.Time
	Resolved      time.Time
}

// EngineState is the process-wide run state. Single-writer: the scheduler.
type EngineState string

const (
	StateRunning          EngineState = "RUNNING"
	StatePausedPriceFeed  EngineState = "PAUSED_PRICE_FEED"
	StatePausedSOLReserve EngineState = "PAUSED_SOL_RESERVE"
	StatePausedExecErrors EngineState = "PAUSED_EXEC_ERRORS"
	StateStopped          EngineState = "STOPPED"
)

// AttemptContext is the ephemeral per-attempt execution parameters handed
// out by the attempt ladder.
type AttemptContext struct {
	Pair              Pair
	Side              Side
	Attempt           int
	SlippageBps       uint32
	PriorityFeeMicro  uint64
	PriorityFeeIsAuto bool
}

// WhyNot is the human-readable reason a pair was not traded, returned by
// the position gates and the strategy and logged by the scheduler when it
// skips an entry or exit, mirroring the pre-trade check dataclass pattern
// of gating on a named reason rather than a bare bool.
type WhyNot string

const (
	WhyPriceFetchFailed      WhyNot = "price_fetch_failed"
	WhyPriceStale            WhyNot = "price_stale"
	WhyPositionAlreadyOpen   WhyNot = "position_already_open"
	WhyTradeInflight         WhyNot = "trade_inflight"
	WhySignalFlat            WhyNot = "signal_flat"
	WhyIndicatorNotReady     WhyNot = "rsi_not_oversold"
	WhyInsufficientHistory   WhyNot = "insufficient_history"
	WhyEnginePaused          WhyNot = "engine_paused"
	WhySOLReserveLow         WhyNot = "sol_reserve_low"
	WhyConsecutiveErrors     WhyNot = "consecutive_errors"
	WhyQuoteFailed           WhyNot = "quote_failed"
	WhySwapTxFailed          WhyNot = "swap_tx_failed"
	WhyTxFailed              WhyNot = "tx_failed"
	WhyTradeExecuted         WhyNot = "trade_executed"
	WhyCooldown              WhyNot = "cooldown"
)

// Decision is one WhyNot record for a pair in a single tick.
type Decision struct {
	Pair   Pair
	Reason WhyNot
	Detail string
	At     time.Time
}

// AuditRecord is a persisted snapshot of a resolved intent, used only as a
// restart hint: chain state remains authoritative, this is never consulted
// to make a trading decision.
type AuditRecord struct {
	IntentID    string
	Pair        string
	Side        Side
	Outcome     TxOutcome
	FailureKind FailureKind
	Signature   string
	ResolvedAt  time.Time
}
