package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// relayChat forwards chat notifications (new message, typing, read receipts
// and the like) to the receiver's connection. Nothing is stored; a receiver
// that is offline simply misses the notification.
func (r *Relay) relayChat(ctx context.Context, conn domain.ConnID, env domain.Envelope, out domain.EventName) error {
	var msg domain.ChatMessage
	if err := decode(env, &msg); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	targetConn, ok := r.presence.Resolve(msg.Receiver.ID)
	if !ok {
		log.Debug().Str("event", string(env.Event)).Str("receiver", msg.Receiver.ID.String()).Msg("Chat receiver offline")
		r.metrics.Dropped(env.Event, "unreachable")
		return nil
	}

	forwarded := domain.ChatMessage{Sender: msg.Sender, Payload: msg.Payload}
	if err := r.send(ctx, targetConn, out, forwarded); err != nil {
		r.metrics.Dropped(env.Event, "send_failed")
		return nil
	}
	r.metrics.Relayed(env.Event)
	return nil
}
