package pickuptime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func TestParseClockOnlyIsToday(t *testing.T) {
	got, clock, err := Parse("9:05", now, time.UTC)
	require.NoError(t, err)
	assert.True(t, clock)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC), got)
}

func TestParseDateTimeLayouts(t *testing.T) {
	want := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	for _, s := range []string{"2026-03-11T08:00", "2026-03-11T08:00:00", "2026-03-11 08:00", "2026-03-11T08:00:00Z"} {
		got, clock, err := Parse(s, now, time.UTC)
		require.NoError(t, err, s)
		assert.False(t, clock)
		assert.True(t, want.Equal(got), s)
	}
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{"", "soon", "25:00", "12:75"} {
		_, _, err := Parse(s, now, time.UTC)
		assert.ErrorIs(t, err, ErrUnparseable, s)
	}
}

func TestResolveRollsPastClockToTomorrow(t *testing.T) {
	got, err := Resolve("08:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), got)

	got, err = Resolve("16:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC), got)
}

func TestResolveKeepsPastDateTime(t *testing.T) {
	got, err := Resolve("2026-03-09T10:00", now, time.UTC)
	require.NoError(t, err)
	assert.True(t, got.Before(now))
}
