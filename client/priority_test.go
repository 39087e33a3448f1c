package client

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPriorityString(t *testing.T) {
	require.Equal(t, "normal", Normal.String())
	require.Equal(t, "high", High.String())
	require.True(t, High.IsHigh())
	require.False(t, Normal.IsHigh())
}

func TestPriorityZeroValueIsNormal(t *testing.T) {
	var p Priority
	require.Equal(t, Normal, p)
}

func TestRangeHintNil(t *testing.T) {
	var h *RangeHint
	require.False(t, h.Valid())
	require.False(t, h.Contains(0))
	require.Equal(t, "[any]", h.String())
}

func TestRangeHintContains(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		earliest := rapid.Uint64Range(0, 1<<40).Draw(t, "earliest")
		latest := rapid.Uint64Range(earliest, 1<<41).Draw(t, "latest")
		h := &RangeHint{Earliest: earliest, Latest: latest}
		require.True(t, h.Valid())

		height := rapid.Uint64Range(0, 1<<42).Draw(t, "height")
		inside := height >= earliest && height <= latest
		require.Equal(t, inside, h.Contains(height))
	})
}

func TestRangeHintInverted(t *testing.T) {
	h := &RangeHint{Earliest: 10, Latest: 5}
	require.False(t, h.Valid())
	require.False(t, h.Contains(7))
}
