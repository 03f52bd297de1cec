package signaling

import (
	"errors"
	"fmt"
)

// Client is the transport the huddle engine signals through. Lost envelopes
// are a call-establishment failure; the adapter never retries or buffers
// because offer/answer exchange is not safely idempotent.
type Client interface {
	Send(envelope *Envelope) error
	Read() (*Envelope, error)
	Close()
}

// Event identifies one relay wire message.
type Event string

const (
	EventStart       Event = "huddle:start"
	EventJoinCall    Event = "huddle:joinCall"
	EventLeaveCall   Event = "huddle:leaveCall"
	EventEnd         Event = "huddle:end"
	EventSignal      Event = "huddle:signal"
	EventMute        Event = "huddle:mute"
	EventUnmute      Event = "huddle:unmute"
	EventScreenStart Event = "huddle:screen-start"
	EventScreenStop  Event = "huddle:screen-stop"
	EventMuteAll     Event = "huddle:mute-all"

	// Server-to-client mirrors emitted by the relay.
	EventStarted    Event = "huddle:started"
	EventEnded      Event = "huddle:ended"
	EventUserJoined Event = "huddle:user-joined"
	EventUserLeft   Event = "huddle:user-left"
	EventError      Event = "huddle:error"
)

// SignalType tags the negotiation payload variant carried by EventSignal.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

var (
	ErrInvalidSignal = errors.New("signaling: invalid negotiation payload")
	ErrInvalidEvent  = errors.New("signaling: invalid envelope")
)

// Signal is the closed offer|answer|candidate variant. It is validated at
// the adapter boundary so malformed payloads never reach the peer mesh.
type Signal struct {
	Type          SignalType `json:"type"`
	FromUserID    string     `json:"fromUserId,omitempty"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        string     `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
}

func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: missing signal data", ErrInvalidSignal)
	}
	if s.FromUserID == "" {
		return fmt.Errorf("%w: missing fromUserId", ErrInvalidSignal)
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == "" {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}

// Participant identifies one channel member contributing to a huddle.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Envelope is one relay-forwarded signaling message. The relay routes on the
// header fields only and never interprets call semantics.
type Envelope struct {
	Event        Event         `json:"event"`
	ChannelID    string        `json:"channelId"`
	HuddleID     string        `json:"huddleId,omitempty"`
	FromUserID   string        `json:"fromUserId,omitempty"`
	FromUsername string        `json:"fromUsername,omitempty"`
	ToUserID     string        `json:"toUserId,omitempty"`
	EndedBy      string        `json:"endedBy,omitempty"`
	StartedBy    *Participant  `json:"startedBy,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Signal       *Signal       `json:"data,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Validate checks the envelope shape for its event kind. Negotiation
// envelopes additionally validate their nested signal variant.
func (e *Envelope) Validate() error {
	if e.ChannelID == "" {
		return fmt.Errorf("%w: missing channelId", ErrInvalidEvent)
	}
	switch e.Event {
	case EventSignal:
		if e.ToUserID == "" {
			return fmt.Errorf("%w: huddle:signal without toUserId", ErrInvalidEvent)
		}
		return e.Signal.Validate()
	case EventStart, EventEnd, EventStarted, EventEnded:
		if e.HuddleID == "" {
			return fmt.Errorf("%w: %s without huddleId", ErrInvalidEvent, e.Event)
		}
	case EventJoinCall, EventLeaveCall, EventMute, EventUnmute,
		EventScreenStart, EventScreenStop, EventMuteAll,
		EventUserJoined, EventUserLeft, EventError:
	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, e.Event)
	}
	return nil
}
