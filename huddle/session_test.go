package huddle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"github.com/teamgrid/huddle/signaling"
	"github.com/teamgrid/huddle/store"
)

// fakeSignal records outbound envelopes and feeds inbound ones on demand.
type fakeSignal struct {
	mu    sync.Mutex
	sent  []*signaling.Envelope
	inbox chan *signaling.Envelope
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{inbox: make(chan *signaling.Envelope, 16)}
}

func (f *fakeSignal) Send(env *signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignal) Read() (*signaling.Envelope, error) {
	env, ok := <-f.inbox
	if !ok {
		return nil, errors.New("closed")
	}
	return env, nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) count(event signaling.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.sent {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeSignal) last(event signaling.Event) *signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == event {
			return f.sent[i]
		}
	}
	return nil
}

// fakeMedia implements LocalMedia without touching capture hardware.
type fakeMedia struct {
	lock      sync.Mutex
	live      bool
	mic       bool
	camera    bool
	sharing   bool
	pinned    bool
	energy    float64
	ensureErr error
	screenErr error
	teardowns int
	swap      func(*webrtc.TrackLocalStaticRTP)
	stopped   func()
}

func (f *fakeMedia) EnsureLocalStream(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.live, f.mic, f.camera = true, true, true
	return nil
}

func (f *fakeMedia) ToggleMic() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.mic = !f.mic
	return f.mic
}

func (f *fakeMedia) ToggleCamera() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.camera = !f.camera
	return f.camera
}

func (f *fakeMedia) MicEnabled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.live && f.mic
}

func (f *fakeMedia) StartScreenShare(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.screenErr != nil {
		return f.screenErr
	}
	f.sharing = true
	return nil
}

func (f *fakeMedia) StopScreenShare() {
	f.lock.Lock()
	wasSharing := f.sharing
	f.sharing = false
	stopped := f.stopped
	f.lock.Unlock()
	if wasSharing && stopped != nil {
		stopped()
	}
}

func (f *fakeMedia) AudioTrack() *webrtc.TrackLocalStaticRTP { return nil }
func (f *fakeMedia) VideoTrack() *webrtc.TrackLocalStaticRTP { return nil }

func (f *fakeMedia) AudioEnergy() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.energy
}

func (f *fakeMedia) Live() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.live
}

func (f *fakeMedia) SetPinned(pinned bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.pinned = pinned
}

func (f *fakeMedia) Pinned() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pinned
}

func (f *fakeMedia) Sharing() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.sharing
}

func (f *fakeMedia) Teardowns() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.teardowns
}

func (f *fakeMedia) OnVideoSwap(fn func(*webrtc.TrackLocalStaticRTP)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.swap = fn
}

func (f *fakeMedia) OnScreenStopped(fn func()) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stopped = fn
}

func (f *fakeMedia) Teardown() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.live, f.mic, f.camera, f.sharing = false, false, false, false
	f.teardowns++
}

func newTestSession(t *testing.T) (*Session, *fakeSignal, *fakeMedia) {
	t.Helper()
	fs := newFakeSignal()
	fm := &fakeMedia{}
	s := NewSession(Config{
		UserID:      "alice",
		Username:    "Alice",
		ChannelID:   "ch-1",
		Signaling:   fs,
		Media:       fm,
		Records:     store.NewRecordStore(t.TempDir()),
		NewHuddleID: func() string { return "h-1" },

		// keep the monitor quiet during tests
		QualityInterval: time.Hour,
		SpeakerInterval: time.Hour,
	})
	return s, fs, fm
}

func startedEnvelope(huddleID, owner string, roster ...signaling.Participant) *signaling.Envelope {
	return &signaling.Envelope{
		Event:        signaling.EventStarted,
		ChannelID:    "ch-1",
		HuddleID:     huddleID,
		StartedBy:    &signaling.Participant{UserID: owner},
		Participants: roster,
	}
}

func TestStartBecomesOwner(t *testing.T) {
	s, fs, fm := newTestSession(t)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, Joined, s.State())
	require.True(t, fm.Pinned())

	env := fs.last(signaling.EventStart)
	require.NotNil(t, env)
	require.Equal(t, "h-1", env.HuddleID)
	require.Equal(t, "alice", env.StartedBy.UserID)

	rec, err := s.cfg.Records.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "h-1", rec.HuddleID)

	// Starting again while active is rejected.
	require.ErrorIs(t, s.Start(context.Background()), ErrBadSession)
}

func TestStartWithoutMediaReturnsToIdle(t *testing.T) {
	s, fs, fm := newTestSession(t)
	fm.ensureErr = errors.New("camera busy")

	err := s.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, Idle, s.State())
	require.Zero(t, fs.count(signaling.EventStart))
	require.False(t, fm.Pinned())
}

func TestJoinOffersTowardExistingRoster(t *testing.T) {
	s, fs, _ := newTestSession(t)

	require.NoError(t, s.Join(context.Background()))
	require.Equal(t, Connecting, s.State())
	require.Equal(t, 1, fs.count(signaling.EventJoinCall))

	s.Dispatch(startedEnvelope("h-9", "bob",
		signaling.Participant{UserID: "bob", Username: "Bob"},
		signaling.Participant{UserID: "carol", Username: "Carol"},
		signaling.Participant{UserID: "alice", Username: "Alice"},
	))

	// One offer per existing member, never one toward ourselves.
	require.Eventually(t, func() bool {
		return fs.count(signaling.EventSignal) >= 2
	}, time.Second, 10*time.Millisecond)

	offers := map[string]bool{}
	fs.mu.Lock()
	for _, env := range fs.sent {
		if env.Event == signaling.EventSignal && env.Signal.Type == signaling.SignalOffer {
			offers[env.ToUserID] = true
		}
	}
	fs.mu.Unlock()
	require.Equal(t, map[string]bool{"bob": true, "carol": true}, offers)

	require.Len(t, s.Participants(), 2)
	require.Equal(t, Connecting, s.State())
}

func TestDispatchDropsForeignAndStaleEnvelopes(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	// Foreign channel.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventEnded, ChannelID: "ch-other", HuddleID: "h-1", FromUserID: "bob",
	})
	require.Equal(t, Joined, s.State())

	// Stale huddle id.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventEnded, ChannelID: "ch-1", HuddleID: "h-stale", FromUserID: "bob",
	})
	require.Equal(t, Joined, s.State())

	// Our own broadcast mirrored back.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventEnded, ChannelID: "ch-1", HuddleID: "h-1", FromUserID: "alice",
	})
	require.Equal(t, Joined, s.State())

	// The genuine article.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventEnded, ChannelID: "ch-1", HuddleID: "h-1", FromUserID: "bob", EndedBy: "bob",
	})
	require.Equal(t, Ended, s.State())
}

func TestLeaveKeepsHuddleAlive(t *testing.T) {
	s, fs, fm := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Leave())
	require.Equal(t, Idle, s.State())
	require.Equal(t, 1, fs.count(signaling.EventLeaveCall))
	require.Zero(t, fs.count(signaling.EventEnd))
	require.Equal(t, 1, fm.Teardowns())
	require.False(t, fm.Pinned())

	rec, err := s.cfg.Records.Load()
	require.NoError(t, err)
	require.Nil(t, rec)

	require.ErrorIs(t, s.Leave(), ErrNotJoined)
	require.Equal(t, 1, fm.Teardowns())
}

func TestEndIsOwnerOnly(t *testing.T) {
	t.Run("owner", func(t *testing.T) {
		s, fs, _ := newTestSession(t)
		require.NoError(t, s.Start(context.Background()))

		require.NoError(t, s.End())
		require.Equal(t, Ended, s.State())
		env := fs.last(signaling.EventEnd)
		require.NotNil(t, env)
		require.Equal(t, "alice", env.EndedBy)
	})

	t.Run("non-owner", func(t *testing.T) {
		s, fs, _ := newTestSession(t)
		require.NoError(t, s.Join(context.Background()))
		s.Dispatch(startedEnvelope("h-9", "bob"))

		require.ErrorIs(t, s.End(), ErrNotOwner)
		require.Zero(t, fs.count(signaling.EventEnd))
	})
}

func TestMuteAllIsOwnerOnly(t *testing.T) {
	t.Run("owner broadcasts", func(t *testing.T) {
		s, fs, _ := newTestSession(t)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.MuteAll())
		require.Equal(t, 1, fs.count(signaling.EventMuteAll))
	})

	t.Run("non-owner rejected", func(t *testing.T) {
		s, fs, _ := newTestSession(t)
		require.NoError(t, s.Join(context.Background()))
		s.Dispatch(startedEnvelope("h-9", "bob"))
		require.ErrorIs(t, s.MuteAll(), ErrNotOwner)
		require.Zero(t, fs.count(signaling.EventMuteAll))
	})
}

func TestMuteAllFromOwnerMutesLocally(t *testing.T) {
	s, fs, fm := newTestSession(t)
	require.NoError(t, s.Join(context.Background()))
	s.Dispatch(startedEnvelope("h-9", "bob"))
	require.True(t, fm.MicEnabled())

	// A non-owner's mute-all is ignored.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventMuteAll, ChannelID: "ch-1", FromUserID: "carol",
	})
	require.True(t, fm.MicEnabled())

	// The owner's applies as a local mute and re-broadcasts presence.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventMuteAll, ChannelID: "ch-1", FromUserID: "bob",
	})
	require.False(t, fm.MicEnabled())
	require.Equal(t, 1, fs.count(signaling.EventMute))

	// Already muted: idempotent, no second broadcast.
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventMuteAll, ChannelID: "ch-1", FromUserID: "bob",
	})
	require.Equal(t, 1, fs.count(signaling.EventMute))
}

func TestToggleMicBroadcastsPresence(t *testing.T) {
	s, fs, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	require.False(t, s.ToggleMic())
	require.Equal(t, 1, fs.count(signaling.EventMute))

	require.True(t, s.ToggleMic())
	require.Equal(t, 1, fs.count(signaling.EventUnmute))

	// Camera toggles are local only.
	s.ToggleCamera()
	require.Equal(t, 1, fs.count(signaling.EventMute))
	require.Equal(t, 1, fs.count(signaling.EventUnmute))
}

func TestPresenceFlagsTracked(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventUserJoined, ChannelID: "ch-1", HuddleID: "h-1",
		FromUserID: "dave", FromUsername: "Dave",
	})
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventMute, ChannelID: "ch-1", FromUserID: "dave",
	})
	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventScreenStart, ChannelID: "ch-1", FromUserID: "dave",
	})

	parts := s.Participants()
	require.Len(t, parts, 1)
	require.Equal(t, "dave", parts[0].UserID)
	require.True(t, parts[0].IsMuted)
	require.True(t, parts[0].IsScreenSharing)

	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventUserLeft, ChannelID: "ch-1", FromUserID: "dave",
	})
	require.Empty(t, s.Participants())
}

func TestScreenShareLifecycle(t *testing.T) {
	s, fs, fm := newTestSession(t)

	require.ErrorIs(t, s.StartScreenShare(context.Background()), ErrNotJoined)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.StartScreenShare(context.Background()))
	require.True(t, fm.Sharing())
	require.Equal(t, 1, fs.count(signaling.EventScreenStart))

	// Stopping flows through the media stop hook which broadcasts presence.
	s.StopScreenShare()
	require.False(t, fm.Sharing())
	require.Equal(t, 1, fs.count(signaling.EventScreenStop))

	s.StopScreenShare()
	require.Equal(t, 1, fs.count(signaling.EventScreenStop))
}

func TestRelayErrorWhileConnectingReturnsToIdle(t *testing.T) {
	s, _, fm := newTestSession(t)
	require.NoError(t, s.Join(context.Background()))
	require.Equal(t, Connecting, s.State())

	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventError, ChannelID: "ch-1",
		Error: "no active huddle in this channel",
	})
	require.Equal(t, Idle, s.State())
	require.False(t, fm.Pinned())
}

func TestRelayErrorDuringCallIsAdvisory(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventError, ChannelID: "ch-1", Error: "transient",
	})
	require.Equal(t, Joined, s.State())
}

func TestResumeMetadata(t *testing.T) {
	dir := t.TempDir()
	records := store.NewRecordStore(dir)
	require.NoError(t, records.Save(&store.Record{
		HuddleID: "h-old", ChannelID: "ch-1",
		StartedBy: signaling.Participant{UserID: "bob"},
	}))

	s := NewSession(Config{
		UserID: "alice", ChannelID: "ch-1",
		Signaling: newFakeSignal(), Media: &fakeMedia{},
		Records: records,
	})
	rec := s.ResumeMetadata()
	require.NotNil(t, rec)
	require.Equal(t, "h-old", rec.HuddleID)

	other := NewSession(Config{
		UserID: "alice", ChannelID: "ch-2",
		Signaling: newFakeSignal(), Media: &fakeMedia{},
		Records: records,
	})
	require.Nil(t, other.ResumeMetadata())
}

func TestNegotiationFailureDoesNotEndCall(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	s.Dispatch(&signaling.Envelope{
		Event: signaling.EventSignal, ChannelID: "ch-1", HuddleID: "h-1",
		FromUserID: "bob", ToUserID: "alice",
		Signal: &signaling.Signal{
			Type: signaling.SignalOffer, FromUserID: "bob", SDP: "garbage",
		},
	})

	require.Equal(t, Joined, s.State())
	require.Empty(t, s.Participants())
}
