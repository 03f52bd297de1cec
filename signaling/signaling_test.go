package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validOffer() *Signal {
	return &Signal{Type: SignalOffer, FromUserID: "alice", SDP: "v=0..."}
}

func TestSignalValidate(t *testing.T) {
	t.Run("offer", func(t *testing.T) {
		require.NoError(t, validOffer().Validate())
	})

	t.Run("offer without sdp", func(t *testing.T) {
		sig := validOffer()
		sig.SDP = ""
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})

	t.Run("answer without sdp", func(t *testing.T) {
		sig := &Signal{Type: SignalAnswer, FromUserID: "alice"}
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})

	t.Run("candidate", func(t *testing.T) {
		sig := &Signal{Type: SignalCandidate, FromUserID: "alice", Candidate: "candidate:1 1 UDP 1 127.0.0.1 9 typ host"}
		require.NoError(t, sig.Validate())
	})

	t.Run("candidate without payload", func(t *testing.T) {
		sig := &Signal{Type: SignalCandidate, FromUserID: "alice"}
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})

	t.Run("unknown type", func(t *testing.T) {
		sig := &Signal{Type: "renegotiate", FromUserID: "alice", SDP: "v=0"}
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})

	t.Run("missing sender", func(t *testing.T) {
		sig := validOffer()
		sig.FromUserID = ""
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})

	t.Run("nil", func(t *testing.T) {
		var sig *Signal
		require.ErrorIs(t, sig.Validate(), ErrInvalidSignal)
	})
}

func TestEnvelopeValidate(t *testing.T) {
	t.Run("signal envelope", func(t *testing.T) {
		env := &Envelope{
			Event:      EventSignal,
			ChannelID:  "ch-1",
			FromUserID: "alice",
			ToUserID:   "bob",
			Signal:     validOffer(),
		}
		require.NoError(t, env.Validate())
	})

	t.Run("signal without target", func(t *testing.T) {
		env := &Envelope{
			Event:      EventSignal,
			ChannelID:  "ch-1",
			FromUserID: "alice",
			Signal:     validOffer(),
		}
		require.ErrorIs(t, env.Validate(), ErrInvalidEvent)
	})

	t.Run("signal with bad payload", func(t *testing.T) {
		env := &Envelope{
			Event:     EventSignal,
			ChannelID: "ch-1",
			ToUserID:  "bob",
			Signal:    &Signal{Type: SignalOffer},
		}
		require.ErrorIs(t, env.Validate(), ErrInvalidSignal)
	})

	t.Run("missing channel", func(t *testing.T) {
		env := &Envelope{Event: EventMute}
		require.ErrorIs(t, env.Validate(), ErrInvalidEvent)
	})

	t.Run("start without huddle id", func(t *testing.T) {
		env := &Envelope{Event: EventStart, ChannelID: "ch-1"}
		require.ErrorIs(t, env.Validate(), ErrInvalidEvent)
	})

	t.Run("presence events", func(t *testing.T) {
		for _, ev := range []Event{EventMute, EventUnmute, EventScreenStart, EventScreenStop, EventMuteAll, EventUserJoined, EventUserLeft} {
			env := &Envelope{Event: ev, ChannelID: "ch-1", FromUserID: "alice"}
			require.NoError(t, env.Validate(), "event %s", ev)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		env := &Envelope{Event: "huddle:reboot", ChannelID: "ch-1"}
		require.ErrorIs(t, env.Validate(), ErrInvalidEvent)
	})
}

func TestEnvelopeWireShape(t *testing.T) {
	idx := uint16(0)
	env := &Envelope{
		Event:      EventSignal,
		ChannelID:  "ch-1",
		HuddleID:   "h-1",
		FromUserID: "alice",
		ToUserID:   "bob",
		Signal: &Signal{
			Type:          SignalCandidate,
			FromUserID:    "alice",
			Candidate:     "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host",
			SDPMid:        "0",
			SDPMLineIndex: &idx,
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	// The negotiation payload travels under the "data" key.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "data")
	require.NotContains(t, raw, "startedBy")

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, env.Signal.Candidate, back.Signal.Candidate)
	require.Equal(t, env.ToUserID, back.ToUserID)
}
