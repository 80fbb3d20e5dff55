// Package strategy defines the external-collaborator boundary the
// scheduler calls into for entry/exit signals. No indicator math lives
// here: signal generation is explicitly out of scope for this core, the
// same way the teacher treats market-making quote generation as owned by
// a separate strategy layer it only calls through a narrow interface.
package strategy

import "github.com/kyzlo-labs/scalper-core/internal/types"

// Action is an entry-signal verdict for a flat pair.
type Action string

const (
	ActionLong Action = "LONG"
	ActionFlat Action = "FLAT"
)

// Strategy is the only contract the scheduler depends on. A concrete
// implementation (RSI, momentum, whatever a deployment wires in) lives
// outside this core entirely.
type Strategy interface {
	// Signal decides whether to enter a flat pair at the given price.
	Signal(pair types.Pair, price types.PricePoint) (Action, types.WhyNot)

	// ExitReason decides whether an open pair should be exited at the
	// given price. ok is false when no exit is warranted.
	ExitReason(pair types.Pair, price types.PricePoint) (reason string, ok bool)
}

// Nop is a strategy that never enters and never exits, with no signal
// logic at all. cmd/engine passes it to the scheduler.
type Nop struct{}

func (Nop) Signal(types.Pair, types.PricePoint) (Action, types.WhyNot) {
	return ActionFlat, types.WhySignalFlat
}

func (Nop) ExitReason(types.Pair, types.PricePoint) (string, bool) {
	return "", false
}
