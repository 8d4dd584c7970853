package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns truncated UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
	require.Equal(t, got, got.Truncate(Precision))
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first))
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 8, 0, 0, 123456789, time.UTC)
	clk := NewManual(start)
	require.Equal(t, start.Truncate(Precision), clk.Now())

	clk.Advance(time.Minute)
	require.Equal(t, start.Truncate(Precision).Add(time.Minute), clk.Now())

	clk.Set(start)
	require.Equal(t, start.Truncate(Precision), clk.Now())
}
