package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// SignalingChannel is the client's view of the relay.
type SignalingChannel interface {
	Emit(ctx context.Context, name domain.EventName, data any) error
	// On registers fn for name and returns a func that removes it.
	On(name domain.EventName, fn func(domain.Envelope)) (off func())
}
