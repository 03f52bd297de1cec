package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// AccessError reports a capture device or pipeline that could not be
// acquired. Fatal to joining a huddle; it never affects other participants.
type AccessError struct {
	Device string
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access denied for %s: %v", e.Device, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// FeedKind names one capture leg.
type FeedKind string

const (
	FeedMic    FeedKind = "mic"
	FeedCamera FeedKind = "camera"
	FeedScreen FeedKind = "screen"
)

// Config carries the capture pipelines and their localhost RTP ports.
type Config struct {
	MicPort    string
	CameraPort string
	ScreenPort string

	MicPipeline    string
	CameraPipeline string
	ScreenPipeline string

	MTU int
}

func (c Config) withDefaults() Config {
	if c.MicPort == "" {
		c.MicPort = "5006"
	}
	if c.CameraPort == "" {
		c.CameraPort = "5004"
	}
	if c.ScreenPort == "" {
		c.ScreenPort = "5008"
	}
	if c.MicPipeline == "" {
		c.MicPipeline = defaultMicPipeline(c.MicPort)
	}
	if c.CameraPipeline == "" {
		c.CameraPipeline = defaultCameraPipeline(c.CameraPort)
	}
	if c.ScreenPipeline == "" {
		c.ScreenPipeline = defaultScreenPipeline(c.ScreenPort)
	}
	if c.MTU == 0 {
		c.MTU = 1400
	}
	return c
}

// Manager owns the process-wide local capture state: the mic+camera stream,
// an independent screen feed, and the mute/camera-off/screen-share gates.
// Only the manager mutates capture; the peer mesh just swaps which track its
// senders carry.
type Manager struct {
	mu            sync.Mutex
	cfg           Config
	audio         *Feed
	camera        *Feed
	screen        *Feed
	screenSharing bool
	pinned        bool

	// swapVideo re-points every connection's outgoing video. Installed by
	// the session, backed by the mesh's track replacement.
	swapVideo func(track *webrtc.TrackLocalStaticRTP)

	// onScreenStopped fires on every transition out of screen sharing, so a
	// pipeline ended by the OS and an explicit stop converge on one path.
	onScreenStopped func()

	acquire func(ctx context.Context, kind FeedKind) (*Feed, error)
}

func NewManager(cfg Config) *Manager {
	m := &Manager{cfg: cfg.withDefaults()}
	m.acquire = m.acquireFeed
	return m
}

// OnVideoSwap installs the outgoing-video replacement hook.
func (m *Manager) OnVideoSwap(fn func(track *webrtc.TrackLocalStaticRTP)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapVideo = fn
}

// OnScreenStopped installs the screen-share-ended notification hook.
func (m *Manager) OnScreenStopped(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onScreenStopped = fn
}

func (m *Manager) acquireFeed(ctx context.Context, kind FeedKind) (*Feed, error) {
	switch kind {
	case FeedMic:
		return newFeed(ctx,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "huddle-mic",
			"127.0.0.1:"+m.cfg.MicPort, m.cfg.MicPipeline, string(kind), m.cfg.MTU)
	case FeedCamera:
		return newFeed(ctx,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "huddle-camera",
			"127.0.0.1:"+m.cfg.CameraPort, m.cfg.CameraPipeline, string(kind), m.cfg.MTU)
	case FeedScreen:
		return newFeed(ctx,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "huddle-screen",
			"127.0.0.1:"+m.cfg.ScreenPort, m.cfg.ScreenPipeline, string(kind), m.cfg.MTU)
	default:
		return nil, &AccessError{Device: string(kind), Err: fmt.Errorf("unknown feed kind")}
	}
}

// EnsureLocalStream reuses the existing mic+camera capture while it retains
// a live track, otherwise issues a fresh acquisition of both. Acquisition is
// all-or-nothing: a partial failure releases whatever was just started.
func (m *Manager) EnsureLocalStream(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audio.Alive() && m.camera.Alive() {
		slog.Debug("reusing live local stream")
		return nil
	}

	audio, err := m.acquire(ctx, FeedMic)
	if err != nil {
		return err
	}
	camera, err := m.acquire(ctx, FeedCamera)
	if err != nil {
		audio.Stop()
		return err
	}

	m.audio.Stop()
	m.camera.Stop()
	m.audio = audio
	m.camera = camera
	slog.Info("local stream acquired")
	return nil
}

// ToggleMic flips the mic transmission gate and reports the new state. The
// capture itself keeps running.
func (m *Manager) ToggleMic() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.audio.Alive() {
		return false
	}
	next := !m.audio.Enabled()
	m.audio.SetEnabled(next)
	slog.Debug("mic toggled", "enabled", next)
	return next
}

// ToggleCamera flips the camera gate and reports the new state.
func (m *Manager) ToggleCamera() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.camera.Alive() {
		return false
	}
	next := !m.camera.Enabled()
	m.camera.SetEnabled(next)
	slog.Debug("camera toggled", "enabled", next)
	return next
}

func (m *Manager) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio.Alive() && m.audio.Enabled()
}

func (m *Manager) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera.Alive() && m.camera.Enabled()
}

// StartScreenShare acquires a video-only screen feed and swaps it into every
// outgoing connection via track replacement; no renegotiation happens and
// audio is untouched.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.screenSharing {
		m.mu.Unlock()
		return nil
	}

	screen, err := m.acquire(ctx, FeedScreen)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.screen = screen
	m.screenSharing = true
	swap := m.swapVideo
	m.mu.Unlock()

	if swap != nil {
		swap(screen.Track)
	}
	slog.Info("screen share started")

	// A capture ended by the OS or compositor goes through the same stop
	// path as an explicit one.
	go func() {
		<-screen.Done()
		m.stopScreenShare(screen)
	}()
	return nil
}

// StopScreenShare ends screen sharing and reverts every connection's
// outgoing video to the retained camera track. Idempotent.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	screen := m.screen
	m.mu.Unlock()
	m.stopScreenShare(screen)
}

func (m *Manager) stopScreenShare(screen *Feed) {
	m.mu.Lock()
	if !m.screenSharing || m.screen != screen {
		m.mu.Unlock()
		return
	}
	m.screenSharing = false
	m.screen = nil
	swap := m.swapVideo
	stopped := m.onScreenStopped
	camera := m.camera
	m.mu.Unlock()

	screen.Stop()
	if swap != nil && camera.Alive() {
		swap(camera.Track)
	}
	if stopped != nil {
		stopped()
	}
	slog.Info("screen share stopped")
}

func (m *Manager) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenSharing
}

// AudioTrack returns the local mic track, nil when no live capture exists.
func (m *Manager) AudioTrack() *webrtc.TrackLocalStaticRTP {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.audio.Alive() {
		return nil
	}
	return m.audio.Track
}

// VideoTrack returns the track currently transmitted as outgoing video:
// exactly one of screen or camera.
func (m *Manager) VideoTrack() *webrtc.TrackLocalStaticRTP {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenSharing && m.screen.Alive() {
		return m.screen.Track
	}
	if !m.camera.Alive() {
		return nil
	}
	return m.camera.Track
}

// AudioEnergy reports the current mic signal-level estimate for the speaker
// monitor.
func (m *Manager) AudioEnergy() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.audio.Alive() {
		return 0
	}
	return m.audio.Energy()
}

// Live reports whether any capture leg is still running.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio.Alive() || m.camera.Alive() || m.screen.Alive()
}

// SetPinned marks the capture as owned beyond any single view; while pinned,
// view-driven releases are ignored and only explicit leave/end tears down.
func (m *Manager) SetPinned(pinned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = pinned
}

func (m *Manager) Pinned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned
}

// ReleaseIfUnpinned is the navigation/unmount path: it tears down capture
// only when the stream is not pinned to a live session. Reports whether a
// release happened.
func (m *Manager) ReleaseIfUnpinned() bool {
	m.mu.Lock()
	if m.pinned {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	m.Teardown()
	return true
}

// Teardown releases every capture resource. Idempotent; repeated or
// concurrent invocation stops each feed exactly once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	audio, camera, screen := m.audio, m.camera, m.screen
	m.audio, m.camera, m.screen = nil, nil, nil
	m.screenSharing = false
	m.mu.Unlock()

	audio.Stop()
	camera.Stop()
	screen.Stop()
	slog.Debug("local media released")
}
