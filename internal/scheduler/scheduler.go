// Package scheduler runs the periodic tick loop: price refresh, resolve-
// unknown, exits, entries, pause checks. Grounded on the teacher's
// keeper/service.go Run/tick shape and indexer/service.go's multi-timer
// select pattern, generalized onto a single ticker with a skip-if-running
// guard instead of the teacher's multiple independent timers.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/coordinator"
	"github.com/kyzlo-labs/scalper-core/internal/oracle"
	"github.com/kyzlo-labs/scalper-core/internal/strategy"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// ChainClient is the subset the scheduler needs directly: the reserve
// check. The resolve-unknown pass does not poll signature status; it
// retries balance reconciliation through Executor.ResolvePreserved.
type ChainClient interface {
	GetNativeBalance(ctx context.Context) (decimal.Decimal, error)
}

// OracleGetter is the subset of *oracle.Oracle the scheduler calls.
type OracleGetter interface {
	Get(ctx context.Context, pair types.Pair) oracle.Result
}

// PositionMachine is the subset of *position.Machine the scheduler calls:
// state reads, the exit-only flag, the open/flat pair lists and the
// gating checks. Outcome transitions go through the coordinator.
type PositionMachine interface {
	State(p types.Pair) *types.PairState
	SetExitOnly(v bool)
	ExitOnly() bool
	OpenPairs() []types.Pair
	FlatPairs() []types.Pair
	CanEnter(p types.Pair, now time.Time) (bool, types.WhyNot)
	CanExit(p types.Pair, now time.Time) (bool, types.WhyNot)
}

// Executor is the subset of *coordinator.Coordinator the scheduler calls.
type Executor interface {
	Execute(ctx context.Context, req coordinator.TradeRequest) (types.TxOutcome, error)
	ResolvePreserved(ctx context.Context, p types.Pair, side types.Side, handle *types.IntentHandle, baseAccount, quoteAccount solana.PublicKey) (types.TxOutcome, error)
}

// PairConfig is the static per-pair wiring the scheduler needs to build a
// TradeRequest: accounts and entry sizing. Supplied at boot from config.
type PairConfig struct {
	Pair              types.Pair
	BaseTokenAccount  solana.PublicKey
	QuoteTokenAccount solana.PublicKey
	EntryQuoteAmount  uint64 // smallest-unit quote amount spent per entry
}

// Scheduler drives the tick loop described in spec section 4.9.
type Scheduler struct {
	pairs       []PairConfig
	oracle      OracleGetter
	position    PositionMachine
	strategy    strategy.Strategy
	coordinator Executor
	chain       ChainClient
	logger      *slog.Logger

	userAddress string

	tickInterval         time.Duration
	priceTTL             time.Duration
	minSOLReserve        decimal.Decimal
	maxConsecutiveErrors int

	running           atomic.Bool
	state             atomic.Value // types.EngineState
	consecutiveErrors int
}

// New builds a Scheduler. state starts RUNNING.
func New(
	pairs []PairConfig,
	oracleGetter OracleGetter,
	position PositionMachine,
	strat strategy.Strategy,
	exec Executor,
	chain ChainClient,
	userAddress string,
	tickInterval, priceTTL time.Duration,
	minSOLReserve decimal.Decimal,
	maxConsecutiveErrors int,
	logger *slog.Logger,
) *Scheduler {
	s := &Scheduler{
		pairs:                pairs,
		oracle:               oracleGetter,
		position:             position,
		strategy:             strat,
		coordinator:          exec,
		chain:                chain,
		userAddress:          userAddress,
		tickInterval:         tickInterval,
		priceTTL:             priceTTL,
		minSOLReserve:        minSOLReserve,
		maxConsecutiveErrors: maxConsecutiveErrors,
		logger:               logger,
	}
	s.state.Store(types.StateRunning)
	return s
}

// State returns the current engine state.
func (s *Scheduler) State() types.EngineState {
	return s.state.Load().(types.EngineState)
}

func (s *Scheduler) setState(v types.EngineState) {
	s.state.Store(v)
}

// Run drives the tick loop until ctx is cancelled, then flattens every
// open position before returning.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flattenAll(context.Background())
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs exactly one pass of the ordering in spec section 4.9. Each
// numbered comment corresponds to a numbered step there.
func (s *Scheduler) tick(ctx context.Context) {
	// 1. single-ticker lock: skip if a previous tick is still running.
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("tick skipped: previous tick still running")
		return
	}
	defer s.running.Store(false)

	// 2. engine state gate. The price-feed and SOL-reserve pauses fall
	// through so steps 3-5 can clear them once the condition recovers.
	if st := s.State(); st != types.StateRunning && st != types.StatePausedPriceFeed && st != types.StatePausedSOLReserve {
		s.logger.Info("tick skipped", "state", st)
		return
	}

	// 3. SOL reserve gate.
	reserve, err := s.chain.GetNativeBalance(ctx)
	if err != nil || reserve.LessThan(s.minSOLReserve) {
		s.logger.Warn("tick paused: SOL reserve below minimum", "reserve", reserve, "min", s.minSOLReserve, "err", err)
		s.setState(types.StatePausedSOLReserve)
		return
	}
	if s.State() == types.StatePausedSOLReserve {
		s.setState(types.StateRunning)
	}

	// 4. price refresh for every configured pair.
	now := time.Now()
	prices := make(map[string]types.PricePoint, len(s.pairs))
	allValid := true
	for _, pc := range s.pairs {
		res := s.oracle.Get(ctx, pc.Pair)
		if !res.Ok {
			s.logger.Warn("price unavailable", "pair", pc.Pair.ID(), "reason", res.Reason)
			allValid = false
			continue
		}
		if !res.Point.Valid(now, s.priceTTL) {
			s.logger.Warn("price stale", "pair", pc.Pair.ID())
			allValid = false
			continue
		}
		prices[pc.Pair.ID()] = res.Point
	}

	// 5. fail closed if any configured pair lacks a valid price this tick.
	if !allValid {
		s.setState(types.StatePausedPriceFeed)
		return
	}
	if s.State() == types.StatePausedPriceFeed {
		s.setState(types.StateRunning)
	}

	tickErrors := 0

	// 6. resolve-unknown pass.
	for _, pc := range s.pairs {
		st := s.position.State(pc.Pair)
		if st.InflightBuy != nil {
			outcome, err := s.coordinator.ResolvePreserved(ctx, pc.Pair, types.SideBuy, st.InflightBuy, pc.BaseTokenAccount, pc.QuoteTokenAccount)
			if err != nil || outcome == types.OutcomeUnknown {
				tickErrors++
			}
		}
		if st.InflightSell != nil {
			outcome, err := s.coordinator.ResolvePreserved(ctx, pc.Pair, types.SideSell, st.InflightSell, pc.BaseTokenAccount, pc.QuoteTokenAccount)
			if err != nil || outcome == types.OutcomeUnknown {
				tickErrors++
			}
		}
	}

	// 7. exits pass, strictly before entries.
	for _, pair := range s.position.OpenPairs() {
		pc, ok := s.pairConfig(pair)
		if !ok {
			continue
		}
		if ok, why := s.position.CanExit(pair, now); !ok {
			s.logger.Info("exit skipped", "pair", pair.ID(), "reason", why)
			continue
		}
		price := prices[pair.ID()]
		reason, exit := s.strategy.ExitReason(pair, price)
		if !exit {
			continue
		}
		st := s.position.State(pair)
		amount := sizeBaseSmallest(st.SizeBase, pair.BaseDecimals)
		outcome, err := s.coordinator.Execute(ctx, coordinator.TradeRequest{
			Pair:             pair,
			Side:             types.SideSell,
			AmountInSmallest: amount,
			UserAddress:      s.userAddress,
			BaseTokenAccount: pc.BaseTokenAccount,
			QuoteTokenAcct:   pc.QuoteTokenAccount,
			ExpectedBaseOut:  st.SizeBase.Neg(),
		})
		s.logger.Info("exit dispatched", "pair", pair.ID(), "reason", reason, "outcome", outcome)
		if err != nil && outcome == types.OutcomeFailure {
			tickErrors++
		}
	}

	// 8. entries pass.
	for _, pair := range s.position.FlatPairs() {
		pc, ok := s.pairConfig(pair)
		if !ok {
			continue
		}
		if ok, why := s.position.CanEnter(pair, now); !ok {
			s.logger.Info("entry skipped", "pair", pair.ID(), "reason", why)
			continue
		}
		price := prices[pair.ID()]
		action, why := s.strategy.Signal(pair, price)
		if action != strategy.ActionLong {
			s.logger.Info("entry skipped", "pair", pair.ID(), "reason", why)
			continue
		}
		quoteUI := decimal.NewFromInt(int64(pc.EntryQuoteAmount)).Div(decimal.New(1, int32(pair.QuoteDecimals)))
		expectedBase := quoteUI.Div(price.Price)
		outcome, err := s.coordinator.Execute(ctx, coordinator.TradeRequest{
			Pair:             pair,
			Side:             types.SideBuy,
			AmountInSmallest: pc.EntryQuoteAmount,
			UserAddress:      s.userAddress,
			BaseTokenAccount: pc.BaseTokenAccount,
			QuoteTokenAcct:   pc.QuoteTokenAccount,
			ExpectedBaseOut:  expectedBase,
		})
		s.logger.Info("entry dispatched", "pair", pair.ID(), "outcome", outcome)
		if err != nil && outcome == types.OutcomeFailure {
			tickErrors++
		}
	}

	// 9. consecutive-error pause.
	if tickErrors > 0 {
		s.consecutiveErrors++
	} else {
		s.consecutiveErrors = 0
	}
	if s.consecutiveErrors >= s.maxConsecutiveErrors {
		s.logger.Error("pausing: consecutive execution errors", "count", s.consecutiveErrors)
		s.setState(types.StatePausedExecErrors)
	}

	// 10. lock released by the deferred Store above; sleep remainder is
	// implicit in the outer ticker interval.
}

// flattenAll drives every OPEN/EXIT_ONLY pair toward FLAT on shutdown,
// preserving the SOL reserve and skipping pairs with an inflight sell.
// JUP-style altcoin pairs exit before the native SOL pair so reserve is
// preserved for as long as possible.
func (s *Scheduler) flattenAll(ctx context.Context) {
	s.position.SetExitOnly(true)
	s.logger.Info("shutdown: entering exit-only mode, flattening open positions")

	open := s.position.OpenPairs()
	// SOL-denominated base positions exit last: they're the most expensive
	// to reverse a decision on if the reserve check trips mid-flatten.
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].BaseSymbol != "SOL" && open[j].BaseSymbol == "SOL"
	})
	now := time.Now()

	for _, pair := range open {
		pc, ok := s.pairConfig(pair)
		if !ok {
			continue
		}
		st := s.position.State(pair)
		if st.InflightSell != nil {
			s.logger.Info("flatten skipped: sell already inflight", "pair", pair.ID())
			continue
		}
		if ok, why := s.position.CanExit(pair, now); !ok {
			s.logger.Info("flatten skipped", "pair", pair.ID(), "reason", why)
			continue
		}

		reserve, err := s.chain.GetNativeBalance(ctx)
		if err != nil || reserve.LessThanOrEqual(s.minSOLReserve) {
			s.logger.Warn("flatten skipped: SOL reserve at or below minimum", "pair", pair.ID())
			continue
		}

		amount := sizeBaseSmallest(st.SizeBase, pair.BaseDecimals)
		outcome, _ := s.coordinator.Execute(ctx, coordinator.TradeRequest{
			Pair:             pair,
			Side:             types.SideSell,
			AmountInSmallest: amount,
			UserAddress:      s.userAddress,
			BaseTokenAccount: pc.BaseTokenAccount,
			QuoteTokenAcct:   pc.QuoteTokenAccount,
			ExpectedBaseOut:  st.SizeBase.Neg(),
		})
		s.logger.Info("flatten exit dispatched", "pair", pair.ID(), "outcome", outcome)
	}

	s.setState(types.StateStopped)
}

func (s *Scheduler) pairConfig(p types.Pair) (PairConfig, bool) {
	for _, pc := range s.pairs {
		if pc.Pair.ID() == p.ID() {
			return pc, true
		}
	}
	return PairConfig{}, false
}

func sizeBaseSmallest(sizeBase decimal.Decimal, baseDecimals uint8) uint64 {
	scaled := sizeBase.Mul(decimal.New(1, int32(baseDecimals)))
	return uint64(scaled.IntPart())
}
