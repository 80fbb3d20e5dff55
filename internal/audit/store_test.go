package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholdersCountsUpSequentially(t *testing.T) {
	got := rebindPostgresPlaceholders("SELECT * FROM audit_records WHERE pair = ? AND outcome = ?")
	require.Equal(t, "SELECT * FROM audit_records WHERE pair = $1 AND outcome = $2", got)
}

func TestRebindPostgresPlaceholdersIgnoresQuestionMarksInsideStringLiterals(t *testing.T) {
	got := rebindPostgresPlaceholders("SELECT '?' AS literal, outcome FROM audit_records WHERE pair = ?")
	require.Equal(t, "SELECT '?' AS literal, outcome FROM audit_records WHERE pair = $1", got)
}

func TestRebindPostgresPlaceholdersHandlesEscapedQuotes(t *testing.T) {
	got := rebindPostgresPlaceholders("SELECT 'it''s a ? test' FROM audit_records WHERE pair = ?")
	require.Equal(t, "SELECT 'it''s a ? test' FROM audit_records WHERE pair = $1", got)
}

func TestRebindPostgresPlaceholdersNoPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders("SELECT 1")
	require.Equal(t, "SELECT 1", got)
}
