package domain

import (
	"fmt"
	"time"
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallAudio, CallVideo:
		return CallKind(s), nil
	default:
		return "", fmt.Errorf("unknown call kind %q", s)
	}
}

type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
)

// DisplayMeta is what the UI shows for a participant. It is a value type:
// copying a Participant never shares state with the original.
type DisplayMeta struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Label returns the best human readable name available.
func (m DisplayMeta) Label() string {
	switch {
	case m.Name != "":
		return m.Name
	case m.Email != "":
		return m.Email
	default:
		return "Unknown User"
	}
}

type Participant struct {
	ID   UserID      `json:"userId"`
	Meta DisplayMeta `json:"displayMeta"`
}

// CallSession is the relay-side record of one call attempt.
//
// CallerConn and ReceiverConn are the handles seen when the call was created.
// Routing goes through the presence registry so a participant that reconnects
// mid-call is reached on the new connection.
type CallSession struct {
	ID           CallID
	Caller       Participant
	Receiver     Participant
	Kind         CallKind
	Status       CallStatus
	CallerConn   ConnID
	ReceiverConn ConnID
	CreatedAt    time.Time
	AcceptedAt   time.Time
}

// Counterpart returns the participant on the other side of userID.
func (s CallSession) Counterpart(userID UserID) (Participant, bool) {
	switch userID {
	case s.Caller.ID:
		return s.Receiver, true
	case s.Receiver.ID:
		return s.Caller, true
	default:
		return Participant{}, false
	}
}

// IncomingCall is what a receiver learns about a ringing call.
type IncomingCall struct {
	CallID CallID
	Caller Participant
	Kind   CallKind
}
