package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want types.FailureKind
	}{
		{errors.New("Blockhash not found"), types.FailureBlockhashExpired},
		{errors.New("insufficient funds for rent"), types.FailureInsufficientFunds},
		{errors.New("Slippage tolerance exceeded"), types.FailureSlippageExceeded},
		{errors.New("Transaction simulation failed: error"), types.FailureSimulationFailed},
		{errors.New("custom program error: 0x1"), types.FailureProgramError},
		{errors.New("dial tcp: no such host"), types.FailureNetworkError},
		{errors.New("something else entirely"), types.FailureUnknown},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ClassifyFailure(c.err))
	}
}
