package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReference(t *testing.T) {
	ref, err := NewReference("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", ref.String())

	_, err = NewReference("0123456789")
	require.NoError(t, err)

	_, err = NewReference("0123456789X")
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = NewReference("")
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestParseComparator(t *testing.T) {
	for in, want := range map[string]Comparator{
		"lt":                     LessThanAtExpiry,
		"less_than_at_expiry":    LessThanAtExpiry,
		"gt":                     GreaterThanAtExpiry,
		"greater_than_at_expiry": GreaterThanAtExpiry,
	} {
		got, err := ParseComparator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		if len(in) > 2 {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseComparator("eq")
	require.ErrorIs(t, err, ErrInvalidParameters)
	assert.False(t, Comparator(2).Valid())
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("for")
	require.NoError(t, err)
	assert.Equal(t, SideFor, s)

	s, err = ParseSide("against")
	require.NoError(t, err)
	assert.Equal(t, SideAgainst, s)

	_, err = ParseSide("both")
	require.ErrorIs(t, err, ErrInvalidSide)
	assert.False(t, Side(0).Valid())
}

func TestWinningSide(t *testing.T) {
	side, ok := GameForWins.WinningSide()
	assert.True(t, ok)
	assert.Equal(t, SideFor, side)

	side, ok = GameAgainstWins.WinningSide()
	assert.True(t, ok)
	assert.Equal(t, SideAgainst, side)

	for _, s := range []GameState{GameRunning, GameFailed} {
		_, ok := s.WinningSide()
		assert.False(t, ok, s.String())
		assert.False(t, s.Resolved())
	}
}

func TestWithdrawalRefinements(t *testing.T) {
	assert.ErrorIs(t, ErrAlreadySettled, ErrNotWithdrawable)
	assert.ErrorIs(t, ErrWrongSide, ErrNotWithdrawable)
	assert.NotErrorIs(t, ErrWrongSide, ErrAlreadySettled)
}

func TestCollaboratorError(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("settlement: %w", TransferFailed("transfer_out", cause))

	assert.ErrorIs(t, err, ErrTransferFailure)
	assert.NotErrorIs(t, err, ErrOracleFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")

	assert.ErrorIs(t, OracleFailed("read", cause), ErrOracleFailure)
}
