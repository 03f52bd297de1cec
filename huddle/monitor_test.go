package huddle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRTT(t *testing.T) {
	cases := []struct {
		rtt  float64
		want Quality
	}{
		{0, QualityUnknown},
		{-1, QualityUnknown},
		{0.05, QualityGood},
		{0.299, QualityGood},
		{0.3, QualityDegraded},
		{0.6, QualityDegraded},
		{0.601, QualityPoor},
		{2.5, QualityPoor},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyRTT(tc.rtt), "rtt %v", tc.rtt)
	}
}

func TestQualityString(t *testing.T) {
	require.Equal(t, "good", QualityGood.String())
	require.Equal(t, "degraded", QualityDegraded.String())
	require.Equal(t, "poor", QualityPoor.String())
	require.Equal(t, "unknown", QualityUnknown.String())
}

func TestSpeakerEstimate(t *testing.T) {
	fm := &fakeMedia{live: true}
	var changes []bool
	m := NewMonitor(MonitorConfig{
		Media:            fm,
		SpeakerThreshold: 24,
		OnSpeakingChange: func(speaking bool) { changes = append(changes, speaking) },
	})

	fm.energy = 10
	m.sampleSpeaker()
	require.False(t, m.Speaking())

	fm.energy = 40
	m.sampleSpeaker()
	require.True(t, m.Speaking())

	m.sampleSpeaker()
	require.True(t, m.Speaking())

	fm.energy = 5
	m.sampleSpeaker()
	require.False(t, m.Speaking())

	// Callback fires only on transitions.
	require.Equal(t, []bool{true, false}, changes)
}

func TestMediaFailureFiresOnce(t *testing.T) {
	fm := &fakeMedia{live: true}
	failures := 0
	m := NewMonitor(MonitorConfig{
		Media:            fm,
		SpeakerThreshold: 24,
		OnMediaFailure:   func() { failures++ },
	})

	m.sampleSpeaker()
	require.Zero(t, failures)

	fm.Teardown()
	m.sampleSpeaker()
	m.sampleSpeaker()
	require.Equal(t, 1, failures)
}
