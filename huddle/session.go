// Package huddle drives one channel's group call: the session lifecycle,
// the envelope router, and the presence/quality/speaker monitor. A Session
// is owned at composition scope and injected where needed so the call
// survives navigation; only explicit leave or end tears it down.
package huddle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/teamgrid/huddle/peer"
	"github.com/teamgrid/huddle/signaling"
	"github.com/teamgrid/huddle/store"
)

// LocalMedia is the local capture surface a session drives: the mic+camera
// stream, the screen feed, and their transmission gates. Implemented by
// media.Manager.
type LocalMedia interface {
	EnsureLocalStream(ctx context.Context) error
	ToggleMic() bool
	ToggleCamera() bool
	MicEnabled() bool
	StartScreenShare(ctx context.Context) error
	StopScreenShare()
	AudioTrack() *webrtc.TrackLocalStaticRTP
	VideoTrack() *webrtc.TrackLocalStaticRTP
	AudioEnergy() float64
	Live() bool
	SetPinned(pinned bool)
	OnVideoSwap(fn func(track *webrtc.TrackLocalStaticRTP))
	OnScreenStopped(fn func())
	Teardown()
}

// State is the session lifecycle.
type State int

const (
	Idle State = iota
	Announcing
	Connecting
	Joined
	Leaving
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Announcing:
		return "announcing"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Huddle is one group-call instance scoped to a channel.
type Huddle struct {
	ID        string
	ChannelID string
	StartedBy signaling.Participant
	StartedAt time.Time
}

var (
	ErrNotOwner   = errors.New("huddle: only the participant who started the huddle may do that")
	ErrBusy       = errors.New("huddle: a call is already active")
	ErrNotJoined  = errors.New("huddle: no active call")
	ErrNoHuddle   = errors.New("huddle: no active huddle in this channel")
	ErrBadSession = errors.New("huddle: session is not in a state that allows this")
)

// Config wires a session together.
type Config struct {
	UserID    string
	Username  string
	ChannelID string

	Signaling signaling.Client
	Media     LocalMedia
	Records   *store.RecordStore
	WebRTC    webrtc.Configuration

	// NewHuddleID defaults to uuid generation.
	NewHuddleID func() string

	QualityInterval  time.Duration
	SpeakerInterval  time.Duration
	SpeakerThreshold float64
}

// call is the per-huddle state: mesh, monitor, and exactly-once teardown.
type call struct {
	huddle   Huddle
	mesh     *peer.Mesh
	monitor  *Monitor
	cancel   context.CancelFunc
	teardown sync.Once
}

// Session is the huddle engine's entry point for one channel.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *call
	pinned  bool

	// resume is the persisted record found at startup, if any. Metadata
	// reattachment only; media is renegotiated from scratch.
	resume *store.Record
}

func NewSession(cfg Config) *Session {
	if cfg.NewHuddleID == nil {
		cfg.NewHuddleID = uuid.NewString
	}
	if cfg.QualityInterval == 0 {
		cfg.QualityInterval = 3 * time.Second
	}
	if cfg.SpeakerInterval == 0 {
		cfg.SpeakerInterval = 250 * time.Millisecond
	}
	if cfg.SpeakerThreshold == 0 {
		cfg.SpeakerThreshold = 24
	}

	s := &Session{cfg: cfg, state: Idle}
	if cfg.Records != nil {
		if rec, err := cfg.Records.Load(); err != nil {
			slog.Warn("could not read persisted session record", "err", err)
		} else if rec != nil && rec.ChannelID == cfg.ChannelID {
			s.resume = rec
			slog.Info("found persisted huddle record", "huddleId", rec.HuddleID)
		}
	}
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResumeMetadata returns the persisted record discovered at startup, nil when
// none exists.
func (s *Session) ResumeMetadata() *store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

// SetPinned marks the session as pinned to the application scope: while
// pinned, view-driven releases are ignored.
func (s *Session) SetPinned(pinned bool) {
	s.mu.Lock()
	s.pinned = pinned
	s.mu.Unlock()
	s.cfg.Media.SetPinned(pinned)
}

// Start announces a new huddle in the channel: Idle → Announcing → Joined.
// The caller becomes the huddle owner.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle && s.state != Ended {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadSession, s.state)
	}
	s.state = Announcing
	s.mu.Unlock()

	if err := s.cfg.Media.EnsureLocalStream(ctx); err != nil {
		s.toIdleOnMediaFailure(err)
		return err
	}

	h := Huddle{
		ID:        s.cfg.NewHuddleID(),
		ChannelID: s.cfg.ChannelID,
		StartedBy: signaling.Participant{UserID: s.cfg.UserID, Username: s.cfg.Username},
		StartedAt: time.Now().UTC(),
	}

	if err := s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      signaling.EventStart,
		ChannelID:  h.ChannelID,
		HuddleID:   h.ID,
		FromUserID: s.cfg.UserID,
		StartedBy:  &h.StartedBy,
	}); err != nil {
		s.toIdleOnMediaFailure(err)
		return fmt.Errorf("announce huddle: %w", err)
	}

	s.mu.Lock()
	s.beginCallLocked(h)
	s.state = Joined
	s.mu.Unlock()

	s.persistRecord(h)
	s.SetPinned(true)
	slog.Info("huddle started", "huddleId", h.ID, "channelId", h.ChannelID)
	return nil
}

// Join announces intent to join the channel's existing huddle:
// Idle → Connecting, then → Joined once the first connection is usable.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle && s.state != Ended {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadSession, s.state)
	}
	s.state = Connecting
	s.mu.Unlock()

	if err := s.cfg.Media.EnsureLocalStream(ctx); err != nil {
		s.toIdleOnMediaFailure(err)
		return err
	}

	if err := s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      signaling.EventJoinCall,
		ChannelID:  s.cfg.ChannelID,
		FromUserID: s.cfg.UserID,
	}); err != nil {
		s.toIdleOnMediaFailure(err)
		return fmt.Errorf("announce join: %w", err)
	}

	s.SetPinned(true)
	slog.Info("join announced", "channelId", s.cfg.ChannelID)
	return nil
}

// beginCallLocked creates the per-huddle mesh and monitor. Caller holds s.mu.
func (s *Session) beginCallLocked(h Huddle) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &call{huddle: h, cancel: cancel}
	c.mesh = peer.NewMesh(peer.Config{
		LocalUserID: s.cfg.UserID,
		ChannelID:   h.ChannelID,
		HuddleID:    h.ID,
		WebRTC:      s.cfg.WebRTC,
		Send:        s.cfg.Signaling.Send,
		AudioTrack:  s.cfg.Media.AudioTrack,
		VideoTrack:  s.cfg.Media.VideoTrack,
		OnLinkConnected: func(userID string) {
			s.markJoined(userID)
		},
		OnParticipantRemoved: func(userID string) {
			slog.Info("participant removed", "userId", userID)
		},
	})

	c.monitor = NewMonitor(MonitorConfig{
		Mesh:             c.mesh,
		Media:            s.cfg.Media,
		QualityInterval:  s.cfg.QualityInterval,
		SpeakerInterval:  s.cfg.SpeakerInterval,
		SpeakerThreshold: s.cfg.SpeakerThreshold,
		OnMediaFailure: func() {
			s.Fail(errors.New("local capture died"))
		},
	})
	go c.monitor.Run(ctx)

	s.cfg.Media.OnVideoSwap(c.mesh.ReplaceVideo)
	s.cfg.Media.OnScreenStopped(func() {
		s.broadcastPresence(signaling.EventScreenStop)
	})
	s.current = c
}

func (s *Session) markJoined(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connecting {
		s.state = Joined
		slog.Info("first connection usable, joined", "remote", userID)
	}
}

func (s *Session) persistRecord(h Huddle) {
	if s.cfg.Records == nil {
		return
	}
	err := s.cfg.Records.Save(&store.Record{
		HuddleID:  h.ID,
		ChannelID: h.ChannelID,
		StartedBy: h.StartedBy,
	})
	if err != nil {
		slog.Warn("could not persist session record", "err", err)
	}
}

// Leave is the voluntary departure of this participant only:
// Joined → Leaving → Idle. The huddle persists for everyone else.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.state = Leaving
	c := s.current
	s.mu.Unlock()

	if err := s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      signaling.EventLeaveCall,
		ChannelID:  s.cfg.ChannelID,
		FromUserID: s.cfg.UserID,
	}); err != nil {
		slog.Warn("leave announcement failed", "err", err)
	}

	s.teardownCall(c, Idle)
	slog.Info("left huddle", "huddleId", c.huddle.ID)
	return nil
}

// End terminates the huddle for everyone. Owner-only; a non-owner's attempt
// affects nobody.
func (s *Session) End() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	c := s.current
	if c.huddle.StartedBy.UserID != s.cfg.UserID {
		s.mu.Unlock()
		return ErrNotOwner
	}
	s.mu.Unlock()

	if err := s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      signaling.EventEnd,
		ChannelID:  c.huddle.ChannelID,
		HuddleID:   c.huddle.ID,
		FromUserID: s.cfg.UserID,
		EndedBy:    s.cfg.UserID,
	}); err != nil {
		slog.Warn("end announcement failed", "err", err)
	}

	s.teardownCall(c, Ended)
	slog.Info("huddle ended", "huddleId", c.huddle.ID)
	return nil
}

// MuteAll broadcasts the owner's mute-everyone instruction. Recipients apply
// it as a local mute; no state transition happens anywhere.
func (s *Session) MuteAll() error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return ErrNotJoined
	}
	if c.huddle.StartedBy.UserID != s.cfg.UserID {
		return ErrNotOwner
	}
	return s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      signaling.EventMuteAll,
		ChannelID:  c.huddle.ChannelID,
		FromUserID: s.cfg.UserID,
	})
}

// ToggleMic flips the local mic and broadcasts the matching presence event
// so peers can show a muted indicator.
func (s *Session) ToggleMic() bool {
	enabled := s.cfg.Media.ToggleMic()
	if enabled {
		s.broadcastPresence(signaling.EventUnmute)
	} else {
		s.broadcastPresence(signaling.EventMute)
	}
	return enabled
}

// ToggleCamera flips the local camera without touching transmission of audio
// or any negotiation.
func (s *Session) ToggleCamera() bool {
	return s.cfg.Media.ToggleCamera()
}

// StartScreenShare swaps the outgoing video of every connection to a screen
// track and broadcasts the presence event.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	joined := s.current != nil
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if err := s.cfg.Media.StartScreenShare(ctx); err != nil {
		return err
	}
	s.broadcastPresence(signaling.EventScreenStart)
	return nil
}

// StopScreenShare reverts outgoing video to the camera. The presence
// broadcast happens on the media manager's stop path, which an OS-initiated
// capture stop also flows through.
func (s *Session) StopScreenShare() {
	s.cfg.Media.StopScreenShare()
}

func (s *Session) broadcastPresence(event signaling.Event) {
	err := s.cfg.Signaling.Send(&signaling.Envelope{
		Event:      event,
		ChannelID:  s.cfg.ChannelID,
		FromUserID: s.cfg.UserID,
	})
	if err != nil {
		slog.Warn("presence broadcast failed", "event", event, "err", err)
	}
}

// Participants snapshots the remote participant registry of the active call.
func (s *Session) Participants() []peer.RemoteParticipant {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.mesh.Participants()
}

// Quality reports the advisory transport classification of the active call.
func (s *Session) Quality() Quality {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return QualityUnknown
	}
	return c.monitor.Quality()
}

// Speaking reports whether the local user is currently estimated to speak.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return false
	}
	return c.monitor.Speaking()
}

// Fail is the unrecoverable-failure path: any state → Idle, releasing
// everything.
func (s *Session) Fail(cause error) {
	slog.Error("unrecoverable session failure", "err", cause)
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c != nil {
		s.teardownCall(c, Idle)
		return
	}
	s.toIdleOnMediaFailure(cause)
}

func (s *Session) toIdleOnMediaFailure(cause error) {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	s.cfg.Media.SetPinned(false)
	slog.Warn("returned to idle", "err", cause)
}

// teardownCall is the single idempotent cleanup every termination path
// converges on: stop monitoring, close connections, release capture, clear
// the persisted record. Repeated or concurrent invocation releases exactly
// once.
func (s *Session) teardownCall(c *call, terminal State) {
	c.teardown.Do(func() {
		c.cancel()
		c.mesh.CloseAll()
		s.cfg.Media.SetPinned(false)
		s.cfg.Media.Teardown()
		if s.cfg.Records != nil {
			if err := s.cfg.Records.Clear(); err != nil {
				slog.Warn("could not clear session record", "err", err)
			}
		}

		s.mu.Lock()
		if s.current == c {
			s.current = nil
		}
		s.state = terminal
		s.resume = nil
		s.mu.Unlock()
	})
}

// Run reads envelopes from the signaling adapter and dispatches them until
// the context ends or the transport fails. It is the engine's event loop.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := s.cfg.Signaling.Read()
		if err != nil {
			return fmt.Errorf("signaling read: %w", err)
		}
		s.Dispatch(env)
	}
}

// Dispatch applies one inbound envelope. Envelopes for a foreign channel or
// a stale huddle are silently dropped.
func (s *Session) Dispatch(env *signaling.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Debug("invalid envelope dropped", "err", err)
		return
	}
	if env.ChannelID != s.cfg.ChannelID {
		return
	}
	if env.FromUserID == s.cfg.UserID {
		// our own broadcast mirrored back
		return
	}

	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	// Huddle-scoped envelopes must match the active call.
	if env.HuddleID != "" && c != nil && env.HuddleID != c.huddle.ID {
		slog.Debug("stale envelope dropped", "event", env.Event, "huddleId", env.HuddleID)
		return
	}

	switch env.Event {
	case signaling.EventStarted:
		s.handleStarted(env, c)
	case signaling.EventUserJoined:
		if c != nil {
			// The new joiner initiates toward us; just track them.
			c.mesh.TrackParticipant(env.FromUserID, env.FromUsername)
		}
	case signaling.EventUserLeft:
		if c != nil {
			c.mesh.RemoveParticipant(env.FromUserID)
		}
	case signaling.EventEnded:
		if c != nil {
			slog.Info("huddle ended by owner", "endedBy", env.EndedBy)
			s.teardownCall(c, Ended)
		}
	case signaling.EventSignal:
		s.handleSignal(env, c)
	case signaling.EventMute:
		if c != nil {
			c.mesh.MarkMuted(env.FromUserID, true)
		}
	case signaling.EventUnmute:
		if c != nil {
			c.mesh.MarkMuted(env.FromUserID, false)
		}
	case signaling.EventScreenStart:
		if c != nil {
			c.mesh.MarkScreenSharing(env.FromUserID, true)
		}
	case signaling.EventScreenStop:
		if c != nil {
			c.mesh.MarkScreenSharing(env.FromUserID, false)
		}
	case signaling.EventMuteAll:
		s.handleMuteAll(env, c)
	case signaling.EventError:
		s.handleRelayError(env, c)
	default:
		slog.Debug("unhandled event", "event", env.Event)
	}
}

// handleStarted is the relay's reply carrying huddle metadata and the
// current roster. A connecting client builds its call from it and, as the
// newest joiner, offers toward every existing member.
func (s *Session) handleStarted(env *signaling.Envelope, c *call) {
	if c != nil {
		return
	}

	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		slog.Debug("huddle announced while not connecting", "huddleId", env.HuddleID)
		return
	}
	h := Huddle{
		ID:        env.HuddleID,
		ChannelID: env.ChannelID,
		StartedAt: time.Now().UTC(),
	}
	if env.StartedBy != nil {
		h.StartedBy = *env.StartedBy
	}
	s.beginCallLocked(h)
	c = s.current
	s.mu.Unlock()

	s.persistRecord(h)

	for _, p := range env.Participants {
		if p.UserID == s.cfg.UserID {
			continue
		}
		if err := c.mesh.ConnectTo(p.UserID, p.Username, true); err != nil {
			slog.Warn("could not initiate toward member", "remote", p.UserID, "err", err)
		}
	}
}

func (s *Session) handleSignal(env *signaling.Envelope, c *call) {
	if c == nil {
		slog.Debug("negotiation envelope with no active call dropped")
		return
	}
	if env.ToUserID != s.cfg.UserID {
		return
	}
	if err := c.mesh.HandleSignal(env.Signal); err != nil {
		// Isolated to the one affected connection; the huddle continues.
		slog.Warn("negotiation failed", "err", err)
	}
}

// handleRelayError is the relay refusing our last request, most commonly a
// join against a channel with no active huddle. A session still waiting for
// its call returns to idle; an established call just logs it.
func (s *Session) handleRelayError(env *signaling.Envelope, c *call) {
	slog.Warn("relay rejected request", "error", env.Error)
	if c != nil {
		return
	}
	s.mu.Lock()
	waiting := s.state == Connecting || s.state == Announcing
	s.mu.Unlock()
	if waiting {
		s.toIdleOnMediaFailure(errors.New(env.Error))
	}
}

// handleMuteAll applies the owner's broadcast as a local mute. No lifecycle
// transition happens.
func (s *Session) handleMuteAll(env *signaling.Envelope, c *call) {
	if c == nil {
		return
	}
	if env.FromUserID != c.huddle.StartedBy.UserID {
		slog.Debug("mute-all from non-owner ignored", "fromUserId", env.FromUserID)
		return
	}
	if s.cfg.Media.MicEnabled() {
		s.cfg.Media.ToggleMic()
		s.broadcastPresence(signaling.EventMute)
	}
}
