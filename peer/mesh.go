package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/teamgrid/huddle/signaling"
)

// RemoteParticipant is the engine's view of one contributing peer: identity,
// last-known stream, and the presence flags broadcast out of band.
type RemoteParticipant struct {
	UserID          string
	Username        string
	StreamID        string
	IsMuted         bool
	IsScreenSharing bool
}

// Config wires a mesh into one huddle.
type Config struct {
	LocalUserID string
	ChannelID   string
	HuddleID    string
	WebRTC      webrtc.Configuration

	// Send transmits a negotiation envelope through the signaling adapter.
	Send func(*signaling.Envelope) error

	// AudioTrack/VideoTrack supply the local capture tracks to attach when a
	// link is created. The mesh never mutates capture, it only attaches and
	// swaps tracks.
	AudioTrack func() *webrtc.TrackLocalStaticRTP
	VideoTrack func() *webrtc.TrackLocalStaticRTP

	OnRemoteTrack        func(userID string, track *webrtc.TrackRemote)
	OnParticipantRemoved func(userID string)
	OnLinkConnected      func(userID string)
}

// Mesh maintains one bidirectional connection per remote participant: a full
// mesh with no hub. It is the single owner of the connection registry.
type Mesh struct {
	cfg Config

	mu           sync.Mutex
	links        map[string]*link
	participants map[string]*RemoteParticipant
}

func NewMesh(cfg Config) *Mesh {
	return &Mesh{
		cfg:          cfg,
		links:        make(map[string]*link),
		participants: make(map[string]*RemoteParticipant),
	}
}

// ConnectTo creates the connection toward a remote participant, attaching
// local tracks and negotiation callbacks. As initiator it produces and sends
// the offer; otherwise it awaits one. A second call for the same peer is a
// no-op: at most one connection exists per pair.
func (m *Mesh) ConnectTo(remoteUserID, username string, asInitiator bool) error {
	m.mu.Lock()
	if _, exists := m.links[remoteUserID]; exists {
		m.mu.Unlock()
		return nil
	}
	l, err := m.newLink(remoteUserID, asInitiator)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.links[remoteUserID] = l
	m.ensureParticipantLocked(remoteUserID, username)
	m.mu.Unlock()

	slog.Info("link created", "remote", remoteUserID, "initiator", asInitiator)
	if asInitiator {
		return m.sendOffer(l)
	}
	return nil
}

func (m *Mesh) newLink(remoteUserID string, asInitiator bool) (*link, error) {
	pc, err := webrtc.NewPeerConnection(m.cfg.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remoteUserID, err)
	}

	l := &link{
		remoteUserID: remoteUserID,
		pc:           pc,
		state:        StateNew,
		initiator:    asInitiator,
	}

	if err := m.attachLocalTracks(l); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cj := c.ToJSON()
		var mid string
		if cj.SDPMid != nil {
			mid = *cj.SDPMid
		}
		env := &signaling.Envelope{
			Event:      signaling.EventSignal,
			ChannelID:  m.cfg.ChannelID,
			HuddleID:   m.cfg.HuddleID,
			FromUserID: m.cfg.LocalUserID,
			ToUserID:   remoteUserID,
			Signal: &signaling.Signal{
				Type:          signaling.SignalCandidate,
				FromUserID:    m.cfg.LocalUserID,
				Candidate:     cj.Candidate,
				SDPMid:        mid,
				SDPMLineIndex: cj.SDPMLineIndex,
			},
		}
		if err := m.cfg.Send(env); err != nil {
			slog.Warn("candidate send failed", "remote", remoteUserID, "err", err)
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.handleRemoteTrack(remoteUserID, tr)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		slog.Info("peer connection state", "remote", remoteUserID, "state", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.setState(StateConnected)
			if m.cfg.OnLinkConnected != nil {
				m.cfg.OnLinkConnected(remoteUserID)
			}
		case webrtc.PeerConnectionStateFailed:
			m.dropLink(remoteUserID, StateFailed)
		case webrtc.PeerConnectionStateDisconnected:
			m.dropLink(remoteUserID, StateDisconnected)
		}
	})

	return l, nil
}

// attachLocalTracks adds the shared capture tracks to a new connection and
// drains sender RTCP so interceptors keep running.
func (m *Mesh) attachLocalTracks(l *link) error {
	if m.cfg.AudioTrack != nil {
		if track := m.cfg.AudioTrack(); track != nil {
			sender, err := l.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("attach audio track: %w", err)
			}
			l.audioSender = sender
			go drainRTCP(sender)
		}
	}
	if m.cfg.VideoTrack != nil {
		if track := m.cfg.VideoTrack(); track != nil {
			sender, err := l.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("attach video track: %w", err)
			}
			l.videoSender = sender
			go drainRTCP(sender)
		}
	}

	// With no local capture (recv-only joins) we still negotiate media in
	// both kinds.
	if l.audioSender == nil {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if l.videoSender == nil {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Mesh) sendOffer(l *link) error {
	l.mu.Lock()
	offer, err := l.pc.CreateOffer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		l.mu.Unlock()
		return m.failNegotiation(l.remoteUserID, err)
	}
	l.offerOutstanding = true
	l.state = StateNegotiating
	l.mu.Unlock()

	return m.cfg.Send(&signaling.Envelope{
		Event:      signaling.EventSignal,
		ChannelID:  m.cfg.ChannelID,
		HuddleID:   m.cfg.HuddleID,
		FromUserID: m.cfg.LocalUserID,
		ToUserID:   l.remoteUserID,
		Signal: &signaling.Signal{
			Type:       signaling.SignalOffer,
			FromUserID: m.cfg.LocalUserID,
			SDP:        offer.SDP,
		},
	})
}

// HandleSignal routes one validated negotiation payload into the matching
// link.
func (m *Mesh) HandleSignal(sig *signaling.Signal) error {
	switch sig.Type {
	case signaling.SignalOffer:
		return m.handleOffer(sig)
	case signaling.SignalAnswer:
		return m.handleAnswer(sig)
	case signaling.SignalCandidate:
		return m.handleCandidate(sig)
	default:
		return fmt.Errorf("%w: unroutable type %q", signaling.ErrInvalidSignal, sig.Type)
	}
}

func (m *Mesh) handleOffer(sig *signaling.Signal) error {
	from := sig.FromUserID

	m.mu.Lock()
	l, ok := m.links[from]
	if !ok {
		var err error
		l, err = m.newLink(from, false)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.links[from] = l
		m.ensureParticipantLocked(from, "")
	}
	m.mu.Unlock()

	// Glare: both sides produced an offer. Deterministic tie-break, the
	// lexicographically lower user id's offer wins; the loser rebuilds its
	// connection as answerer.
	l.mu.Lock()
	glare := l.offerOutstanding
	l.mu.Unlock()
	if glare {
		if m.cfg.LocalUserID < from {
			slog.Debug("glare: local offer wins, ignoring remote offer", "remote", from)
			return nil
		}
		slog.Debug("glare: remote offer wins, rebuilding link as answerer", "remote", from)
		var err error
		l, err = m.rebuildLink(from)
		if err != nil {
			return err
		}
	}

	l.setState(StateNegotiating)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	if err := l.setRemoteDescription(offer); err != nil {
		return m.failNegotiation(from, err)
	}

	l.mu.Lock()
	answer, err := l.pc.CreateAnswer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(answer)
	}
	l.mu.Unlock()
	if err != nil {
		return m.failNegotiation(from, err)
	}

	return m.cfg.Send(&signaling.Envelope{
		Event:      signaling.EventSignal,
		ChannelID:  m.cfg.ChannelID,
		HuddleID:   m.cfg.HuddleID,
		FromUserID: m.cfg.LocalUserID,
		ToUserID:   from,
		Signal: &signaling.Signal{
			Type:       signaling.SignalAnswer,
			FromUserID: m.cfg.LocalUserID,
			SDP:        answer.SDP,
		},
	})
}

func (m *Mesh) handleAnswer(sig *signaling.Signal) error {
	from := sig.FromUserID

	m.mu.Lock()
	l, ok := m.links[from]
	m.mu.Unlock()
	if !ok {
		slog.Debug("answer for unknown link dropped", "remote", from)
		return nil
	}

	l.mu.Lock()
	outstanding := l.offerOutstanding
	l.mu.Unlock()
	if !outstanding {
		// Answers apply only against an outstanding local offer.
		slog.Debug("answer without outstanding offer dropped", "remote", from)
		return nil
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
	if err := l.setRemoteDescription(answer); err != nil {
		return m.failNegotiation(from, err)
	}
	return nil
}

func (m *Mesh) handleCandidate(sig *signaling.Signal) error {
	from := sig.FromUserID

	m.mu.Lock()
	l, ok := m.links[from]
	if !ok {
		// Candidate raced ahead of the offer; create the link so the
		// candidate can queue against it.
		var err error
		l, err = m.newLink(from, false)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.links[from] = l
		m.ensureParticipantLocked(from, "")
	}
	m.mu.Unlock()

	cand := webrtc.ICECandidateInit{
		Candidate:     sig.Candidate,
		SDPMid:        nullableStringPtr(sig.SDPMid),
		SDPMLineIndex: sig.SDPMLineIndex,
	}
	if err := l.addCandidate(cand); err != nil {
		return m.failNegotiation(from, err)
	}
	return nil
}

func (m *Mesh) handleRemoteTrack(remoteUserID string, tr *webrtc.TrackRemote) {
	slog.Info("remote track", "remote", remoteUserID, "kind", tr.Kind(), "codec", tr.Codec().MimeType)

	m.mu.Lock()
	p := m.ensureParticipantLocked(remoteUserID, "")
	p.StreamID = tr.StreamID()
	cb := m.cfg.OnRemoteTrack
	m.mu.Unlock()

	if cb != nil {
		cb(remoteUserID, tr)
	}
}

// rebuildLink replaces an existing link with a fresh answerer-side one,
// keeping the participant record. Candidates still queued on the old link
// carry over so nothing that arrived before the winning offer is lost. The
// registry swap happens under one lock hold; the old connection is closed
// after.
func (m *Mesh) rebuildLink(remoteUserID string) (*link, error) {
	m.mu.Lock()
	old := m.links[remoteUserID]
	delete(m.links, remoteUserID)

	l, err := m.newLink(remoteUserID, false)
	if err != nil {
		m.mu.Unlock()
		if old != nil {
			old.close(StateClosed)
		}
		return nil, err
	}
	if old != nil {
		old.mu.Lock()
		l.pending = append(l.pending, old.pending...)
		old.mu.Unlock()
	}
	m.links[remoteUserID] = l
	m.mu.Unlock()

	if old != nil {
		old.close(StateClosed)
	}
	return l, nil
}

// failNegotiation tears down the one affected connection and reports the
// typed error. No automatic retry; re-establishment requires a fresh
// handshake triggered by a later presence event.
func (m *Mesh) failNegotiation(remoteUserID string, err error) error {
	m.dropLink(remoteUserID, StateFailed)
	return &NegotiationError{RemoteUserID: remoteUserID, Err: err}
}

// dropLink closes and discards one connection and its participant. Other
// links and the huddle as a whole are unaffected.
func (m *Mesh) dropLink(remoteUserID string, terminal LinkState) {
	m.mu.Lock()
	l, ok := m.links[remoteUserID]
	if ok {
		delete(m.links, remoteUserID)
	}
	_, hadParticipant := m.participants[remoteUserID]
	delete(m.participants, remoteUserID)
	cb := m.cfg.OnParticipantRemoved
	m.mu.Unlock()

	if ok {
		l.close(terminal)
	}
	if (ok || hadParticipant) && cb != nil {
		cb(remoteUserID)
	}
}

// RemoveParticipant is the explicit-leave path for one remote user.
func (m *Mesh) RemoveParticipant(remoteUserID string) {
	m.dropLink(remoteUserID, StateClosed)
}

// ReplaceVideo re-points the outgoing video of every active connection via
// track replacement; no renegotiation is triggered.
func (m *Mesh) ReplaceVideo(track *webrtc.TrackLocalStaticRTP) {
	if track == nil {
		return
	}
	m.mu.Lock()
	senders := make([]*webrtc.RTPSender, 0, len(m.links))
	for _, l := range m.links {
		if l.videoSender != nil {
			senders = append(senders, l.videoSender)
		}
	}
	m.mu.Unlock()

	for _, s := range senders {
		if err := s.ReplaceTrack(track); err != nil {
			slog.Warn("video track replacement failed", "err", err)
		}
	}
}

func (m *Mesh) ensureParticipantLocked(userID, username string) *RemoteParticipant {
	p, ok := m.participants[userID]
	if !ok {
		p = &RemoteParticipant{UserID: userID}
		m.participants[userID] = p
	}
	if username != "" {
		p.Username = username
	}
	return p
}

// TrackParticipant records a peer announced by presence before any
// negotiation contact has happened.
func (m *Mesh) TrackParticipant(userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureParticipantLocked(userID, username)
}

// MarkMuted records a presence broadcast for a peer's mute state.
func (m *Mesh) MarkMuted(userID string, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureParticipantLocked(userID, "").IsMuted = muted
}

// MarkScreenSharing records a presence broadcast for a peer's screen share.
func (m *Mesh) MarkScreenSharing(userID string, sharing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureParticipantLocked(userID, "").IsScreenSharing = sharing
}

// Participants returns a snapshot of the remote participant registry.
func (m *Mesh) Participants() []RemoteParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteParticipant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	return out
}

// Participant looks up one remote participant by user id.
func (m *Mesh) Participant(userID string) (RemoteParticipant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[userID]
	if !ok {
		return RemoteParticipant{}, false
	}
	return *p, true
}

// LinkCount reports the number of live connections in the registry.
func (m *Mesh) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// HasLink reports whether a connection to the given peer exists.
func (m *Mesh) HasLink(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[userID]
	return ok
}

// LinkState reports the lifecycle state of one connection.
func (m *Mesh) LinkState(userID string) (LinkState, bool) {
	m.mu.Lock()
	l, ok := m.links[userID]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return l.State(), true
}

// QualityRTT samples one representative connection's transport statistics
// and returns the current round-trip time in seconds. Advisory only.
func (m *Mesh) QualityRTT() (float64, bool) {
	m.mu.Lock()
	var pick *link
	for _, l := range m.links {
		if l.State() == StateConnected {
			pick = l
			break
		}
	}
	m.mu.Unlock()
	if pick == nil {
		return 0, false
	}

	for _, stat := range pick.pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.State == webrtc.StatsICECandidatePairStateSucceeded && pair.CurrentRoundTripTime > 0 {
			return pair.CurrentRoundTripTime, true
		}
	}
	return 0, false
}

// CloseAll releases every connection and empties both registries.
// Idempotent; concurrent invocation closes each connection exactly once.
func (m *Mesh) CloseAll() {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*link)
	m.participants = make(map[string]*RemoteParticipant)
	m.mu.Unlock()

	for _, l := range links {
		l.close(StateClosed)
	}
}

func nullableStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
