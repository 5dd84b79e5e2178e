package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// LocalMedia is a set of captured local tracks. Stop releases the devices.
type LocalMedia interface {
	Kind() domain.CallKind
	Stop() error
}

type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (LocalMedia, error)
}

// SessionPeer is the part of a peer connection the negotiation controller drives.
type SessionPeer interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
}

// PeerConnection is the full surface the call lifecycle needs.
type PeerConnection interface {
	SessionPeer
	AddMedia(m LocalMedia) error
	OnLocalCandidate(fn func(domain.ICECandidate))
	OnRemoteTrack(fn func(domain.RemoteTrack))
	OnConnectivityChange(fn func(domain.Connectivity))
	Connectivity() domain.Connectivity
	Close() error
}

type PeerFactory interface {
	NewPeer(ctx context.Context, kind domain.CallKind) (PeerConnection, error)
}
