package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

func (r *Relay) registerPresence(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var req domain.RegisterPresence
	if err := decode(env, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: missing userId", errBadRequest)
	}

	l := log.With().Str("conn_id", conn.String()).Str("user_id", req.UserID.String()).Logger()

	// Calls reached through the connection being replaced cannot follow the
	// user: a reconnecting client has already dropped them.
	if prev, ok := r.presence.Resolve(req.UserID); ok && prev != conn {
		r.endCallsOn(ctx, prev, l)
	}

	superseded, replaced := r.presence.Register(domain.PresenceEntry{
		UserID: req.UserID,
		Conn:   conn,
		Meta:   req.Meta,
	})

	if replaced {
		l.Info().Str("superseded_conn", superseded.String()).Msg("User re-registered on a new connection")
	} else {
		l.Info().Int("online", r.presence.Len()).Msg("User online")
	}

	r.broadcastPresence(ctx)
	return nil
}

func (r *Relay) broadcastPresence(ctx context.Context) {
	entries := r.presence.Snapshot()
	snapshot := domain.PresenceSnapshot{Entries: make([]domain.Participant, 0, len(entries))}
	for _, e := range entries {
		snapshot.Entries = append(snapshot.Entries, domain.Participant{ID: e.UserID, Meta: e.Meta})
	}

	env, err := domain.NewEnvelope(domain.EventPresenceSnapshot, snapshot)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode presence snapshot")
		return
	}
	if err := r.gateway.Broadcast(ctx, env); err != nil {
		log.Error().Err(err).Msg("Failed to broadcast presence snapshot")
	}
}
