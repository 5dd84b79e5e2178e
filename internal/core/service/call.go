package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Labels for call termination metrics. Client supplied reasons are free
// text and never become labels.
const (
	endRejected     = "rejected"
	endHangup       = "hangup"
	endDisconnected = "disconnected"
	endUndelivered  = "undelivered"
)

func (r *Relay) callRequest(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var req domain.CallRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if req.Caller.ID == "" || req.Receiver.ID == "" {
		return fmt.Errorf("%w: caller and receiver are required", errBadRequest)
	}
	kind, err := domain.ParseCallKind(string(req.Kind))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	l := log.With().
		Str("conn_id", conn.String()).
		Str("caller", req.Caller.ID.String()).
		Str("receiver", req.Receiver.ID.String()).
		Str("kind", string(kind)).
		Logger()

	r.metrics.CallRequested(kind)

	receiverConn, ok := r.presence.Resolve(req.Receiver.ID)
	if !ok {
		l.Info().Msg("Call failed: receiver offline")
		r.metrics.CallFailed(domain.ReasonOffline)
		return r.send(ctx, conn, domain.EventCallFailed, domain.CallFailed{Reason: domain.ReasonOffline})
	}

	session, err := r.createSession(ctx, domain.CallSession{
		Caller:       req.Caller,
		Receiver:     req.Receiver,
		Kind:         kind,
		CallerConn:   conn,
		ReceiverConn: receiverConn,
		CreatedAt:    r.now(),
	})
	if err != nil {
		r.metrics.CallFailed("internal")
		l.Error().Err(err).Msg("Failed to create call session")
		return r.send(ctx, conn, domain.EventCallFailed, domain.CallFailed{Reason: "internal error"})
	}
	l = l.With().Str("call_id", session.ID.String()).Logger()

	// The caller learns the call id before anything else about this call.
	if err := r.send(ctx, conn, domain.EventCallRequestAck, domain.CallRequestAck{CallID: session.ID}); err != nil {
		l.Warn().Err(err).Msg("Failed to ack call request")
	}

	incoming := domain.IncomingCallEvent{CallID: session.ID, Caller: session.Caller, Kind: session.Kind}
	if err := r.send(ctx, receiverConn, domain.EventIncomingCall, incoming); err != nil {
		l.Warn().Err(err).Msg("Incoming call undeliverable")
		r.calls.Delete(ctx, session.ID)
		r.metrics.CallEnded(endUndelivered)
		return r.send(ctx, conn, domain.EventCallFailed, domain.CallFailed{CallID: session.ID, Reason: domain.ReasonOffline})
	}

	l.Info().Msg("Call ringing")
	return nil
}

func (r *Relay) createSession(ctx context.Context, session domain.CallSession) (domain.CallSession, error) {
	var err error
	for i := 0; i < maxCallIDAttempts; i++ {
		session.ID = r.newCallID()
		err = r.calls.Create(ctx, session)
		if err == nil {
			session.Status = domain.StatusRinging
			return session, nil
		}
		if !errors.Is(err, domain.ErrCallExists) {
			return domain.CallSession{}, err
		}
		log.Warn().Str("call_id", session.ID.String()).Msg("Call id collision, regenerating")
	}
	return domain.CallSession{}, fmt.Errorf("no free call id after %d attempts: %w", maxCallIDAttempts, err)
}

func (r *Relay) callAccepted(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var req domain.CallAccepted
	if err := decode(env, &req); err != nil {
		return err
	}

	l := log.With().Str("conn_id", conn.String()).Str("call_id", req.CallID.String()).Logger()

	pending, ok := r.calls.Get(req.CallID)
	if !ok {
		l.Debug().Msg("Accept for unknown call dropped")
		r.metrics.Dropped(domain.EventCallAccepted, "unknown_call")
		return nil
	}
	if receiverConn, ok := r.connFor(pending.Receiver, pending.ReceiverConn); !ok || receiverConn != conn {
		l.Warn().Msg("Accept from a connection other than the receiver dropped")
		r.metrics.Dropped(domain.EventCallAccepted, "not_receiver")
		return nil
	}

	session, err := r.calls.Transition(ctx, req.CallID, domain.StatusConnected, r.now())
	if err != nil {
		l.Debug().Err(err).Msg("Duplicate accept dropped")
		r.metrics.Dropped(domain.EventCallAccepted, "duplicate")
		return nil
	}
	r.metrics.CallAccepted()

	caller, receiver := session.Caller, session.Receiver
	if conn, ok := r.connFor(caller, session.CallerConn); ok {
		if err := r.send(ctx, conn, domain.EventCallAccepted, domain.CallAccepted{CallID: session.ID, Counterpart: &receiver}); err != nil {
			l.Warn().Err(err).Msg("Failed to notify caller of acceptance")
		}
	}
	if conn, ok := r.connFor(receiver, session.ReceiverConn); ok {
		if err := r.send(ctx, conn, domain.EventCallAccepted, domain.CallAccepted{CallID: session.ID, Counterpart: &caller}); err != nil {
			l.Warn().Err(err).Msg("Failed to notify receiver of acceptance")
		}
	}

	l.Info().Msg("Call connected")
	return nil
}

func (r *Relay) callRejected(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var req domain.CallRejected
	if err := decode(env, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonDeclined
	}

	l := log.With().Str("conn_id", conn.String()).Str("call_id", req.CallID.String()).Logger()

	session, ok := r.calls.Delete(ctx, req.CallID)
	if !ok {
		l.Debug().Msg("Reject for unknown call dropped")
		r.metrics.Dropped(domain.EventCallRejected, "unknown_call")
		return nil
	}
	r.metrics.CallEnded(endRejected)

	if callerConn, ok := r.connFor(session.Caller, session.CallerConn); ok {
		if err := r.send(ctx, callerConn, domain.EventCallRejected, domain.CallRejected{CallID: session.ID, Reason: req.Reason}); err != nil {
			l.Warn().Err(err).Msg("Failed to notify caller of rejection")
		}
	}

	l.Info().Str("reason", req.Reason).Msg("Call rejected")
	return nil
}

func (r *Relay) callEnded(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	var req domain.CallEnded
	if err := decode(env, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonHangup
	}

	l := log.With().Str("conn_id", conn.String()).Str("call_id", req.CallID.String()).Logger()

	session, had := r.calls.Delete(ctx, req.CallID)
	if had {
		r.metrics.CallEnded(endHangup)
	}

	target, ok := r.endTarget(conn, req.TargetUserID, session, had)
	if !ok {
		l.Debug().Str("target", req.TargetUserID.String()).Msg("Call end target unreachable")
		r.metrics.Dropped(domain.EventCallEnded, "unreachable")
		return nil
	}
	if err := r.send(ctx, target, domain.EventCallEnded, domain.CallEnded{CallID: req.CallID, Reason: req.Reason}); err != nil {
		l.Debug().Err(err).Msg("Failed to deliver call end")
		r.metrics.Dropped(domain.EventCallEnded, "send_failed")
		return nil
	}

	l.Info().Str("reason", req.Reason).Msg("Call ended")
	return nil
}

// endTarget picks who hears about a hang-up: the named user, or when no
// user is named, the other participant of the session.
func (r *Relay) endTarget(conn domain.ConnID, targetID domain.UserID, session domain.CallSession, had bool) (domain.ConnID, bool) {
	if targetID != "" {
		if target, ok := r.presence.Resolve(targetID); ok {
			return target, true
		}
		if had {
			switch targetID {
			case session.Caller.ID:
				return r.connFor(session.Caller, session.CallerConn)
			case session.Receiver.ID:
				return r.connFor(session.Receiver, session.ReceiverConn)
			}
		}
		return "", false
	}
	if !had {
		return "", false
	}

	callerConn, _ := r.connFor(session.Caller, session.CallerConn)
	receiverConn, _ := r.connFor(session.Receiver, session.ReceiverConn)
	switch conn {
	case callerConn:
		return receiverConn, receiverConn != ""
	case receiverConn:
		return callerConn, callerConn != ""
	}
	return "", false
}

// handleDisconnect ends every call bound to conn, tells the other side once,
// then drops conn's presence.
func (r *Relay) handleDisconnect(ctx context.Context, conn domain.ConnID) {
	l := log.With().Str("conn_id", conn.String()).Logger()

	r.endCallsOn(ctx, conn, l)

	if userID, ok := r.presence.Remove(conn); ok {
		l.Info().Str("user_id", userID.String()).Int("online", r.presence.Len()).Msg("User offline")
		r.broadcastPresence(ctx)
	}
}

// endCallsOn removes every session a participant is reached through conn
// and notifies the other participant with reason "disconnected".
func (r *Relay) endCallsOn(ctx context.Context, conn domain.ConnID, l zerolog.Logger) {
	for _, session := range r.calls.List() {
		callerConn, _ := r.connFor(session.Caller, session.CallerConn)
		receiverConn, _ := r.connFor(session.Receiver, session.ReceiverConn)

		var other domain.ConnID
		switch conn {
		case callerConn:
			other = receiverConn
		case receiverConn:
			other = callerConn
		default:
			continue
		}

		if _, ok := r.calls.Delete(ctx, session.ID); !ok {
			continue
		}
		r.metrics.CallEnded(endDisconnected)

		if other != "" && other != conn {
			ended := domain.CallEnded{CallID: session.ID, Reason: domain.ReasonDisconnected}
			if err := r.send(ctx, other, domain.EventCallEnded, ended); err != nil {
				l.Debug().Err(err).Str("call_id", session.ID.String()).Msg("Failed to notify counterpart")
			}
		}
		l.Info().Str("call_id", session.ID.String()).Msg("Call ended by disconnect")
	}
}
