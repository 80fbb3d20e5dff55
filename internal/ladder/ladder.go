// Package ladder implements the deterministic, bounded attempt escalation
// for slippage tolerance and priority fee. Grounded on spec section 4.7's
// pseudocode and the retry-on-failure idiom of the original Python
// adapter (jupiter_adapter.py); consumption is failure-only, never
// advanced on an UNKNOWN outcome.
package ladder

import "fmt"

// Rung is one (slippage, priority-fee) pair in the escalation table.
type Rung struct {
	SlippageBps      uint32
	PriorityFeeMicro uint64
	PriorityFeeAuto  bool
}

// Ladder is an immutable, ordered table of rungs with a hard slippage cap.
type Ladder struct {
	rungs          []Rung
	maxSlippageBps uint32
}

// New builds a Ladder. rungs must be non-empty; maxSlippageBps is the hard
// cap applied to every rung regardless of what the table says.
func New(rungs []Rung, maxSlippageBps uint32) (*Ladder, error) {
	if len(rungs) == 0 {
		return nil, fmt.Errorf("ladder: at least one rung is required")
	}
	capped := make([]Rung, len(rungs))
	for i, r := range rungs {
		if r.SlippageBps > maxSlippageBps {
			r.SlippageBps = maxSlippageBps
		}
		capped[i] = r
	}
	return &Ladder{rungs: capped, maxSlippageBps: maxSlippageBps}, nil
}

// MaxAttempts is the number of rungs configured; attempts never exceed it.
func (l *Ladder) MaxAttempts() int {
	return len(l.rungs)
}

// Rung returns the escalation parameters for the given 1-indexed attempt.
// Attempt is clamped to the last rung if it runs past the table, so a
// caller that (incorrectly) keeps retrying stays on the last, most
// escalated rung rather than panicking.
func (l *Ladder) Rung(attempt int) Rung {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(l.rungs) {
		idx = len(l.rungs) - 1
	}
	return l.rungs[idx]
}

// MaxSlippageBps is the hard cap every rung is clamped to.
func (l *Ladder) MaxSlippageBps() uint32 {
	return l.maxSlippageBps
}
