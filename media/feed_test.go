package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObserveEnergyTracksPayloadLevel(t *testing.T) {
	f := testFeed(t, FeedMic)
	require.Zero(t, f.Energy())

	loud := make([]byte, 160)
	for i := range loud {
		loud[i] = 228 // deviation of 100 from the midpoint
	}
	for i := 0; i < 64; i++ {
		f.observeEnergy(loud)
	}
	require.InDelta(t, 100, f.Energy(), 2)

	quiet := make([]byte, 160)
	for i := range quiet {
		quiet[i] = 128
	}
	for i := 0; i < 64; i++ {
		f.observeEnergy(quiet)
	}
	require.InDelta(t, 0, f.Energy(), 2)

	// Empty payloads never move the estimate.
	prev := f.Energy()
	f.observeEnergy(nil)
	require.Equal(t, prev, f.Energy())
}

func TestFeedStopIsIdempotent(t *testing.T) {
	f := testFeed(t, FeedCamera)
	require.True(t, f.Alive())

	f.Stop()
	f.Stop()
	require.False(t, f.Alive())
}

func TestNilFeedIsSafe(t *testing.T) {
	var f *Feed
	require.False(t, f.Alive())
	f.Stop()
}
