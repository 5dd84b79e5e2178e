package domain

import "fmt"

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

func (d SessionDescription) Validate(want SDPType) error {
	if d.Type != want {
		return fmt.Errorf("sdp type %q, want %q", d.Type, want)
	}
	if d.SDP == "" {
		return fmt.Errorf("empty %s sdp", want)
	}
	return nil
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Connectivity is the ICE connection state as seen by the call lifecycle.
type Connectivity string

const (
	ConnectivityNew          Connectivity = "new"
	ConnectivityChecking     Connectivity = "checking"
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityCompleted    Connectivity = "completed"
	ConnectivityDisconnected Connectivity = "disconnected"
	ConnectivityFailed       Connectivity = "failed"
	ConnectivityClosed       Connectivity = "closed"
)

// RemoteTrack describes media that arrived from the counterpart.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
}
