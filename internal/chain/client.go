// Package chain is the stateless RPC façade: submit/confirm transactions,
// poll signature status, read balances. Grounded on the sendTransaction /
// waitForConfirmation shape used by the teacher's keeper service, adapted
// for unconfirmed-outcome-aware 2Hz polling instead of a hard error return.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Client is the RPC façade used by the executor, reconciler and scheduler.
type Client struct {
	rpc        *rpc.Client
	signer     solana.PrivateKey
	commitment rpc.CommitmentType
}

// New builds a Client against rpcURL, signing with signer.
func New(rpcURL string, signer solana.PrivateKey, commitment rpc.CommitmentType) *Client {
	return &Client{
		rpc:        rpc.New(rpcURL),
		signer:     signer,
		commitment: commitment,
	}
}

// LocalAddress is the wallet's public key, used as identity and swap payer.
func (c *Client) LocalAddress() solana.PublicKey {
	return c.signer.PublicKey()
}

// PollInterval is the fixed cadence TxExecutor polls signature status at,
// matching the ~2Hz design floor from the executor contract.
const PollInterval = 500 * time.Millisecond

// SubmitRawTx deserializes a base64-encoded, aggregator-built transaction,
// signs it with the wallet key, and submits it. Implements the
// deserialize -> sign -> submit pipeline from spec section 4.4 steps 1-3;
// each of those stages maps onto a distinct definite FailureKind so the
// executor can classify without inspecting this function's internals.
func (c *Client) SubmitRawTx(ctx context.Context, txBase64 []byte, skipPreflight bool) (solana.Signature, types.FailureKind, error) {
	tx, err := solana.TransactionFromBase64(string(txBase64))
	if err != nil {
		return solana.Signature{}, types.FailureDeserializeFailed, fmt.Errorf("deserialize swap tx: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, types.FailureSignFailed, fmt.Errorf("sign swap tx: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, ClassifyFailure(err), fmt.Errorf("send swap tx: %w", err)
	}
	return sig, "", nil
}

// SignatureStatus is the subset of chain confirmation state the executor
// and reconciler care about.
type SignatureStatus struct {
	Found     bool
	Err       error
	Confirmed bool
	Finalized bool
	Slot      uint64
}

// GetSignatureStatus returns the current confirmation state for sig.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return SignatureStatus{Found: false}, nil
	}
	status := result.Value[0]
	out := SignatureStatus{Found: true, Slot: status.Slot}
	if status.Err != nil {
		out.Err = fmt.Errorf("%v", status.Err)
		return out, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		out.Finalized = true
		out.Confirmed = true
	case rpc.ConfirmationStatusConfirmed:
		out.Confirmed = true
	}
	return out, nil
}

// GetNativeBalance returns the wallet's SOL balance in whole SOL.
func (c *Client) GetNativeBalance(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.rpc.GetBalance(ctx, c.signer.PublicKey(), c.commitment)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("get native balance: %w", err)
	}
	lamports := decimal.NewFromInt(int64(out.Value))
	return lamports.Div(decimal.New(1, 9)), nil
}

// GetTokenBalance returns the UI (decimal-adjusted) balance of the token
// account the wallet holds for mint, or zero if no account exists yet.
func (c *Client) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (decimal.Decimal, error) {
	out, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, c.commitment)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") || strings.Contains(strings.ToLower(err.Error()), "could not find account") {
			return decimal.Zero, nil
		}
		return decimal.Decimal{}, fmt.Errorf("get token balance: %w", err)
	}
	if out.Value == nil || out.Value.UiAmountString == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(out.Value.UiAmountString)
}

// ClassifyFailure maps a raw RPC/submit error string into a FailureKind.
// Pure function, no I/O: used by TxExecutor to decide retry eligibility.
func ClassifyFailure(err error) types.FailureKind {
	if err == nil {
		return types.FailureUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.FailureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "block height exceeded"):
		return types.FailureBlockhashExpired
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"):
		return types.FailureInsufficientFunds
	case strings.Contains(msg, "slippage"):
		return types.FailureSlippageExceeded
	case strings.Contains(msg, "simulation failed"), strings.Contains(msg, "preflight"):
		return types.FailureSimulationFailed
	case strings.Contains(msg, "custom program error"), strings.Contains(msg, "program failed"):
		return types.FailureProgramError
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return types.FailureTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "eof"), strings.Contains(msg, "no such host"):
		return types.FailureNetworkError
	default:
		return types.FailureUnknown
	}
}
