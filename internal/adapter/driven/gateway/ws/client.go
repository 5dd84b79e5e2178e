package ws

import "github.com/Wyydra/yacall/internal/core/domain"

// Client is one live websocket connection. Send must not block: it queues
// the frame or fails.
type Client interface {
	ID() domain.ConnID
	Send(env domain.Envelope) error
	Close() error
}
