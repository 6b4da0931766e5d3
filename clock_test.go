package ethercat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvancesOnlyExplicitly(t *testing.T) {
	clock := newFakeClock()
	require.Equal(t, int64(0), clock.SinceStart())

	clock.Advance(100)
	require.Equal(t, int64(100), clock.SinceStart())
	require.Equal(t, int64(100), clock.SinceEpoch())

	clock.Sleep(50)
	require.Equal(t, int64(150), clock.SinceStart())
}

func TestFakeClockElapsed(t *testing.T) {
	clock := newFakeClock()
	start := clock.SinceStart()
	clock.Advance(250)
	require.Equal(t, int64(250), clock.Elapsed(start))
}
