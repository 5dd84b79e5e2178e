package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// relayDescription forwards an offer or answer. The relay does not check
// that the sender takes part in the call, and the sdp bytes pass through
// untouched.
func (r *Relay) relayDescription(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var msg domain.DescriptionRelay
	if err := decode(env, &msg); err != nil {
		return err
	}
	if msg.TargetUserID == "" || len(msg.SDP) == 0 {
		return fmt.Errorf("%w: targetUserId and sdp are required", errBadRequest)
	}

	out, err := domain.NewEnvelopeVerbatim(env.Event, domain.DescriptionRelay{
		CallID:         msg.CallID,
		FromConnection: conn,
		ICERestart:     msg.ICERestart,
	}, "sdp", msg.SDP)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	r.forward(ctx, conn, msg.CallID, msg.TargetUserID, out)
	return nil
}

func (r *Relay) relayCandidate(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var msg domain.CandidateRelay
	if err := decode(env, &msg); err != nil {
		return err
	}
	if msg.TargetUserID == "" || len(msg.Candidate) == 0 {
		return fmt.Errorf("%w: targetUserId and candidate are required", errBadRequest)
	}

	out, err := domain.NewEnvelopeVerbatim(env.Event, domain.CandidateRelay{
		CallID:         msg.CallID,
		FromConnection: conn,
	}, "candidate", msg.Candidate)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	r.forward(ctx, conn, msg.CallID, msg.TargetUserID, out)
	return nil
}

// forward is fire-and-forget: an unreachable target drops the message.
func (r *Relay) forward(ctx context.Context, from domain.ConnID, callID domain.CallID, target domain.UserID, env domain.Envelope) {
	name := env.Event
	l := log.With().
		Str("conn_id", from.String()).
		Str("call_id", callID.String()).
		Str("event", string(name)).
		Str("target", target.String()).
		Logger()

	targetConn, ok := r.presence.Resolve(target)
	if !ok {
		l.Debug().Msg("Target offline, message dropped")
		r.metrics.Dropped(name, "unreachable")
		return
	}
	if err := r.gateway.Send(ctx, targetConn, env); err != nil {
		l.Debug().Err(err).Msg("Forward failed, message dropped")
		r.metrics.Dropped(name, "send_failed")
		return
	}
	r.metrics.Relayed(name)
	l.Debug().Msg("Forwarded")
}
