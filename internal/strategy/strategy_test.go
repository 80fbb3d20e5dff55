package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

func TestNopNeverSignalsEntryOrExit(t *testing.T) {
	var s Strategy = Nop{}
	action, reason := s.Signal(types.Pair{}, types.PricePoint{})
	require.Equal(t, ActionFlat, action)
	require.Equal(t, types.WhySignalFlat, reason)

	_, ok := s.ExitReason(types.Pair{}, types.PricePoint{})
	require.False(t, ok)
}
