// Package executor implements the TxExecutor: deserialize, sign, submit,
// poll for confirmation, and classify into the 3-state TxOutcome.
// Grounded on the teacher's sendTransaction/waitForConfirmation shape in
// keeper/service.go, adapted to surface UNKNOWN on timeout instead of
// returning a plain error.
package executor

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/kyzlo-labs/scalper-core/internal/chain"
	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// ChainClient is the subset of *chain.Client the executor needs, narrowed
// to an interface so tests can exercise the confirm/timeout state machine
// without a live RPC endpoint.
type ChainClient interface {
	SubmitRawTx(ctx context.Context, txBase64 []byte, skipPreflight bool) (solana.Signature, types.FailureKind, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (chain.SignatureStatus, error)
}

// Executor signs, submits and confirms a single aggregator-built swap
// transaction.
type Executor struct {
	chain          ChainClient
	confirmTimeout time.Duration
	pollInterval   time.Duration
	dryRun         bool
}

// New builds an Executor. confirmTimeout is the mandatory confirmation
// wait ceiling (design floor 30-60s per spec section 4.4); dryRun, when
// true, simulates every submission as an immediate SUCCESS with no
// network call, matching spec section 6's dry_run contract.
func New(chainClient ChainClient, confirmTimeout time.Duration, dryRun bool) *Executor {
	return &Executor{
		chain:          chainClient,
		confirmTimeout: confirmTimeout,
		pollInterval:   chain.PollInterval,
		dryRun:         dryRun,
	}
}

// WithPollInterval overrides the default ~2Hz poll cadence, used by tests
// that need the state machine to settle quickly.
func (e *Executor) WithPollInterval(d time.Duration) *Executor {
	e.pollInterval = d
	return e
}

// Execute runs one attempt: sign+submit the prebuilt swap tx, then poll
// for confirmation until SUCCESS, a definite FAILURE, or the confirm
// timeout elapses (UNKNOWN). Never returns SUCCESS without a positive
// on-chain confirmation, except in dry_run mode.
func (e *Executor) Execute(ctx context.Context, txBase64 []byte, skipPreflight bool) types.TxResult {
	now := time.Now()

	if e.dryRun {
		return types.TxResult{Outcome: types.OutcomeSuccess, Submitted: now, Resolved: time.Now()}
	}

	sig, failureKind, err := e.chain.SubmitRawTx(ctx, txBase64, skipPreflight)
	if err != nil {
		return types.TxResult{
			Outcome:     types.OutcomeFailure,
			FailureKind: failureKind,
			Submitted:   now,
			Resolved:    time.Now(),
		}
	}

	outcome := e.waitForConfirmation(ctx, sig)
	outcome.Signature = &sig
	outcome.Submitted = now
	return outcome
}

// waitForConfirmation polls at ~2Hz until a positive confirmation, a
// definite on-chain error, or the confirm timeout. A confirmTimeout of
// zero means every submission is classified UNKNOWN immediately, matching
// the boundary behavior in spec section 8: the Reconciler becomes the
// sole decider.
func (e *Executor) waitForConfirmation(ctx context.Context, sig solana.Signature) types.TxResult {
	deadline := time.Now().Add(e.confirmTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if !time.Now().Before(deadline) {
			return types.TxResult{Outcome: types.OutcomeUnknown, Resolved: time.Now()}
		}

		select {
		case <-ctx.Done():
			return types.TxResult{Outcome: types.OutcomeUnknown, Resolved: time.Now()}
		case <-ticker.C:
			status, err := e.chain.GetSignatureStatus(ctx, sig)
			if err != nil || !status.Found {
				continue
			}
			if status.Err != nil {
				return types.TxResult{
					Outcome:     types.OutcomeFailure,
					FailureKind: chain.ClassifyFailure(status.Err),
					Resolved:    time.Now(),
				}
			}
			if status.Confirmed || status.Finalized {
				return types.TxResult{Outcome: types.OutcomeSuccess, Resolved: time.Now()}
			}
		}
	}
}
