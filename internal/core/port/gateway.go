package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RealTimeGateway delivers envelopes to live connections.
type RealTimeGateway interface {
	Send(ctx context.Context, conn domain.ConnID, env domain.Envelope) error
	Broadcast(ctx context.Context, env domain.Envelope) error
}
