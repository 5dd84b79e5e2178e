package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventName string

const (
	EventRegisterPresence EventName = "registerPresence"
	EventPresenceSnapshot EventName = "presenceSnapshot"
	EventCallRequest      EventName = "callRequest"
	EventCallRequestAck   EventName = "callRequestAck"
	EventCallFailed       EventName = "callFailed"
	EventIncomingCall     EventName = "incomingCall"
	EventCallAccepted     EventName = "callAccepted"
	EventCallRejected     EventName = "callRejected"
	EventOffer            EventName = "offer"
	EventAnswer           EventName = "answer"
	EventICECandidate     EventName = "iceCandidate"
	EventCallEnded        EventName = "callEnded"
	EventError            EventName = "error"
)

// Reasons carried by callFailed, callRejected and callEnded.
const (
	ReasonOffline        = "offline"
	ReasonDisconnected   = "disconnected"
	ReasonDeclined       = "declined"
	ReasonHangup         = "hangup"
	ReasonConnectionLost = "connection lost"
	ReasonConnectFailed  = "connection failed"
	ReasonRelayLost      = "relay unavailable"
	ReasonBusy           = "busy"
)

// Envelope is the single frame shape on the wire in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(name EventName, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Envelope{Event: name, Data: raw}, nil
}

// NewEnvelopeVerbatim encodes data, then sets the field named key to raw
// exactly as given. data must encode that field as null.
func NewEnvelopeVerbatim(name EventName, data any, key string, raw json.RawMessage) (Envelope, error) {
	env, err := NewEnvelope(name, data)
	if err != nil {
		return Envelope{}, err
	}
	if !json.Valid(raw) {
		return Envelope{}, fmt.Errorf("encode %s: %s is not valid json", name, key)
	}
	field := []byte(`"` + key + `":`)
	at := bytes.Index(env.Data, append(field, "null"...))
	if at < 0 {
		return Envelope{}, fmt.Errorf("encode %s: no null %s field", name, key)
	}
	start := at + len(field)
	out := make([]byte, 0, len(env.Data)+len(raw))
	out = append(out, env.Data[:start]...)
	out = append(out, raw...)
	out = append(out, env.Data[start+len("null"):]...)
	env.Data = out
	return env, nil
}

// Frame is the wire encoding of e. Data is written as held, so payloads
// decoded from one frame reach the next one unchanged.
func (e Envelope) Frame() ([]byte, error) {
	name, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(name)+len(e.Data)+20)
	buf = append(buf, `{"event":`...)
	buf = append(buf, name...)
	if len(e.Data) > 0 {
		if !json.Valid(e.Data) {
			return nil, errors.New("frame " + string(e.Event) + ": invalid data")
		}
		buf = append(buf, `,"data":`...)
		buf = append(buf, e.Data...)
	}
	return append(buf, '}'), nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

type RegisterPresence struct {
	UserID UserID      `json:"userId"`
	Meta   DisplayMeta `json:"displayMeta"`
}

type PresenceSnapshot struct {
	Entries []Participant `json:"entries"`
}

type CallRequest struct {
	Caller   Participant `json:"caller"`
	Receiver Participant `json:"receiver"`
	Kind     CallKind    `json:"kind"`
}

type CallRequestAck struct {
	CallID CallID `json:"callId"`
}

// CallFailed carries CallID only when the call had already been acked.
type CallFailed struct {
	CallID CallID `json:"callId,omitempty"`
	Reason string `json:"reason"`
}

type IncomingCallEvent struct {
	CallID CallID      `json:"callId"`
	Caller Participant `json:"caller"`
	Kind   CallKind    `json:"kind"`
}

// CallAccepted is sent by the receiver with Receiver set, and delivered by
// the relay to both sides with Counterpart set.
type CallAccepted struct {
	CallID      CallID       `json:"callId"`
	Receiver    *Participant `json:"receiver,omitempty"`
	Counterpart *Participant `json:"counterpart,omitempty"`
}

type CallRejected struct {
	CallID CallID `json:"callId"`
	Reason string `json:"reason"`
}

// DescriptionRelay carries an offer or an answer. SDP is forwarded untouched.
type DescriptionRelay struct {
	CallID         CallID          `json:"callId"`
	SDP            json.RawMessage `json:"sdp"`
	TargetUserID   UserID          `json:"targetUserId,omitempty"`
	FromConnection ConnID          `json:"fromConnection,omitempty"`
	ICERestart     bool            `json:"iceRestart,omitempty"`
}

type CandidateRelay struct {
	CallID         CallID          `json:"callId"`
	Candidate      json.RawMessage `json:"candidate"`
	TargetUserID   UserID          `json:"targetUserId,omitempty"`
	FromConnection ConnID          `json:"fromConnection,omitempty"`
}

type CallEnded struct {
	CallID       CallID `json:"callId"`
	TargetUserID UserID `json:"targetUserId,omitempty"`
	Reason       string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
