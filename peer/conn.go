package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LinkState is the lifecycle of one peer-to-peer connection.
type LinkState int

const (
	StateNew LinkState = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NegotiationError marks a malformed or unexpected description/candidate.
// It is isolated to one connection; the mesh tears that link down and leaves
// the rest of the huddle alone.
type NegotiationError struct {
	RemoteUserID string
	Err          error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.RemoteUserID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// link is one exclusively-owned bidirectional media connection to a remote
// participant. Candidates arriving before the remote description are queued
// and flushed in order once it lands.
type link struct {
	remoteUserID string

	mu               sync.Mutex
	pc               *webrtc.PeerConnection
	state            LinkState
	initiator        bool
	offerOutstanding bool
	haveRemote       bool
	pending          []webrtc.ICECandidateInit

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (l *link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	l.state = s
}

// setRemoteDescription applies the remote description and flushes queued
// candidates in arrival order.
func (l *link) setRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.haveRemote = true
	if desc.Type == webrtc.SDPTypeAnswer {
		l.offerOutstanding = false
	}

	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			slog.Warn("queued candidate rejected", "remote", l.remoteUserID, "err", err)
		}
	}
	l.pending = nil
	return nil
}

// addCandidate appends the candidate once a remote description exists,
// otherwise queues it.
func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveRemote {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.pc.AddICECandidate(c)
}

// close releases the connection. Idempotent: the first call wins, later ones
// are no-ops.
func (l *link) close(terminal LinkState) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	if terminal == StateFailed || terminal == StateDisconnected {
		// remember why we went away for logging only
		slog.Debug("link closed after transport loss", "remote", l.remoteUserID, "state", terminal)
	}
	pc := l.pc
	l.pending = nil
	l.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
}
