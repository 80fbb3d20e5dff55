// Package position implements the per-pair position state machine:
// FLAT/OPEN/EXIT_ONLY, single-flight inflight handles, cooldowns, and the
// gating functions the scheduler consults before dispatching a trade.
// Grounded on the explicit transition-table idiom of the original
// order_state_machine.py, expressed in Go as methods on *types.PairState
// rather than a dict-of-dicts lookup.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Machine exclusively owns every types.PairState in the process.
// ExecutionCoordinator only ever borrows mutable access to one pair's
// state for the duration of a single intent.
type Machine struct {
	mu               sync.Mutex
	states           map[string]*types.PairState
	failureThreshold int
	cooldownWindow   time.Duration
	exitOnly         bool
}

// New builds a Machine. failureThreshold consecutive definite failures on
// a side trip that side's cooldown; cooldownWindow is how long it lasts.
func New(failureThreshold int, cooldownWindow time.Duration) *Machine {
	return &Machine{
		states:           make(map[string]*types.PairState),
		failureThreshold: failureThreshold,
		cooldownWindow:   cooldownWindow,
	}
}

// State returns the pair's state, creating it lazily in FLAT if absent.
// A PairState entry, once created, is never destroyed during a run.
func (m *Machine) State(p types.Pair) *types.PairState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(p)
}

func (m *Machine) stateLocked(p types.Pair) *types.PairState {
	s, ok := m.states[p.ID()]
	if !ok {
		s = types.NewPairState(p)
		m.states[p.ID()] = s
	}
	return s
}

// SetExitOnly flips the global exit-only flag: blocks all new entries but
// permits exits. Used during shutdown and after global degradation.
func (m *Machine) SetExitOnly(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitOnly = v
}

// ExitOnly reports the current global exit-only flag.
func (m *Machine) ExitOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitOnly
}

// OpenPairs returns every pair currently OPEN or EXIT_ONLY, for the
// scheduler's exits pass.
func (m *Machine) OpenPairs() []types.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Pair
	for _, s := range m.states {
		if s.Status == types.StatusOpen || s.Status == types.StatusExitOnly {
			out = append(out, s.Pair)
		}
	}
	return out
}

// FlatPairs returns every pair currently FLAT, for the scheduler's entries
// pass.
func (m *Machine) FlatPairs() []types.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Pair
	for _, s := range m.states {
		if s.Status == types.StatusFlat {
			out = append(out, s.Pair)
		}
	}
	return out
}

// CanEnter reports whether a BUY may be submitted for p right now.
func (m *Machine) CanEnter(p types.Pair, now time.Time) (bool, types.WhyNot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exitOnly {
		return false, types.WhyEnginePaused
	}
	s := m.stateLocked(p)
	if s.Status != types.StatusFlat {
		return false, types.WhyPositionAlreadyOpen
	}
	if s.InflightBuy != nil {
		return false, types.WhyTradeInflight
	}
	if s.BuyCooldownUntil.After(now) {
		return false, types.WhyCooldown
	}
	return true, ""
}

// CanExit reports whether a SELL may be submitted for p right now.
func (m *Machine) CanExit(p types.Pair, now time.Time) (bool, types.WhyNot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(p)
	if s.Status == types.StatusFlat {
		return false, types.WhyPositionAlreadyOpen
	}
	if s.InflightSell != nil {
		return false, types.WhyTradeInflight
	}
	if s.SellCooldownUntil.After(now) {
		return false, types.WhyCooldown
	}
	return true, ""
}

// MarkBuySubmitted records an inflight buy handle before the submission
// suspends on network I/O. Enforces single-flight for the buy side.
func (m *Machine) MarkBuySubmitted(p types.Pair, handle *types.IntentHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(p).InflightBuy = handle
}

// MarkSellSubmitted is the SELL-side equivalent of MarkBuySubmitted.
func (m *Machine) MarkSellSubmitted(p types.Pair, handle *types.IntentHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(p).InflightSell = handle
}

// ResolveBuy applies a definitive BUY outcome. UNKNOWN must never reach
// here: the coordinator only calls ResolveBuy for SUCCESS/FAILURE.
func (m *Machine) ResolveBuy(p types.Pair, outcome types.TxOutcome, entryPrice, sizeBase decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(p)
	s.InflightBuy = nil
	switch outcome {
	case types.OutcomeSuccess:
		s.Status = types.StatusOpen
		s.EntryPrice = entryPrice
		s.SizeBase = sizeBase
		s.OpenedAt = now
		s.BuyConsecutiveFailures = 0
	case types.OutcomeFailure:
		s.BuyConsecutiveFailures++
		if s.BuyConsecutiveFailures >= m.failureThreshold {
			s.BuyCooldownUntil = now.Add(m.cooldownWindow)
		}
	}
}

// PreserveBuyInflight keeps the buy side blocked on an UNKNOWN outcome:
// status and inflight handle are left exactly as submission left them.
func (m *Machine) PreserveBuyInflight(p types.Pair, handle *types.IntentHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(p).InflightBuy = handle
}

// ResolveSell applies a definitive SELL outcome.
func (m *Machine) ResolveSell(p types.Pair, outcome types.TxOutcome, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(p)
	s.InflightSell = nil
	switch outcome {
	case types.OutcomeSuccess:
		s.Status = types.StatusFlat
		s.EntryPrice = decimal.Decimal{}
		s.SizeBase = decimal.Decimal{}
		s.SellConsecutiveFailures = 0
	case types.OutcomeFailure:
		s.SellConsecutiveFailures++
		if s.SellConsecutiveFailures >= m.failureThreshold {
			s.SellCooldownUntil = now.Add(m.cooldownWindow)
		}
		if s.Status == types.StatusOpen && s.SellConsecutiveFailures >= m.failureThreshold {
			s.Status = types.StatusExitOnly
		}
	}
}

// PreserveSellInflight is the SELL-side equivalent of PreserveBuyInflight.
func (m *Machine) PreserveSellInflight(p types.Pair, handle *types.IntentHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(p).InflightSell = handle
}
