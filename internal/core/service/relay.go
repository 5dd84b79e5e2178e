package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueSize = 256

	// Attempts at minting a call id that no live session uses.
	maxCallIDAttempts = 8
)

var (
	ErrRelayStopped = errors.New("relay stopped")

	errBadRequest   = errors.New("bad request")
	errUnknownEvent = errors.New("unknown event")
)

type inboundKind int

const (
	inboundEvent inboundKind = iota
	inboundDisconnect
	inboundBarrier
)

type inbound struct {
	kind inboundKind
	conn domain.ConnID
	env  domain.Envelope
	done chan struct{}
}

// Relay is the signaling dispatcher. Every inbound event and every
// disconnect is handled by the Run goroutine, one at a time and in arrival
// order, so a handler always sees the registry and the session store in a
// consistent state.
type Relay struct {
	presence port.PresenceRegistry
	calls    port.CallSessionStore
	gateway  port.RealTimeGateway
	metrics  port.RelayMetrics

	newCallID func() domain.CallID
	now       func() time.Time
	queueSize int

	inbox    chan inbound
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Relay)

func WithMetrics(m port.RelayMetrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithCallIDGenerator(fn func() domain.CallID) Option {
	return func(r *Relay) { r.newCallID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Relay) { r.now = fn }
}

func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func NewRelay(presence port.PresenceRegistry, calls port.CallSessionStore, gateway port.RealTimeGateway, opts ...Option) *Relay {
	r := &Relay{
		presence:  presence,
		calls:     calls,
		gateway:   gateway,
		metrics:   port.NopMetrics{},
		newCallID: domain.NewCallID,
		now:       time.Now,
		queueSize: DefaultQueueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.inbox = make(chan inbound, r.queueSize)
	return r
}

// Run processes events until ctx is cancelled or Stop is called.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)
	log.Info().Msg("Relay started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Relay stopping: context done")
			return
		case <-r.quit:
			log.Info().Msg("Relay stopping")
			return
		case in := <-r.inbox:
			r.handle(ctx, in)
		}
	}
}

func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// Dispatch queues an event received on conn.
func (r *Relay) Dispatch(ctx context.Context, conn domain.ConnID, env domain.Envelope) error {
	return r.enqueue(ctx, inbound{kind: inboundEvent, conn: conn, env: env})
}

// Disconnect queues the closure of conn. It is handled after every event
// conn sent before it.
func (r *Relay) Disconnect(ctx context.Context, conn domain.ConnID) error {
	return r.enqueue(ctx, inbound{kind: inboundDisconnect, conn: conn})
}

// Flush waits until everything queued before it has been handled.
func (r *Relay) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := r.enqueue(ctx, inbound{kind: inboundBarrier, done: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-r.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) enqueue(ctx context.Context, in inbound) error {
	select {
	case <-r.done:
		return ErrRelayStopped
	default:
	}

	select {
	case r.inbox <- in:
		return nil
	case <-r.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handle(ctx context.Context, in inbound) {
	switch in.kind {
	case inboundEvent:
		r.handleEvent(ctx, in.conn, in.env)
	case inboundDisconnect:
		r.handleDisconnect(ctx, in.conn)
	}

	r.metrics.SetOnline(r.presence.Len())
	r.metrics.SetActiveCalls(r.calls.Len())

	if in.done != nil {
		close(in.done)
	}
}

func (r *Relay) handleEvent(ctx context.Context, conn domain.ConnID, env domain.Envelope) {
	var err error
	switch env.Event {
	case domain.EventRegisterPresence:
		err = r.registerPresence(ctx, conn, env)
	case domain.EventCallRequest:
		err = r.callRequest(ctx, conn, env)
	case domain.EventCallAccepted:
		err = r.callAccepted(ctx, conn, env)
	case domain.EventCallRejected:
		err = r.callRejected(ctx, conn, env)
	case domain.EventCallEnded:
		err = r.callEnded(ctx, conn, env)
	case domain.EventOffer, domain.EventAnswer:
		err = r.relayDescription(ctx, conn, env)
	case domain.EventICECandidate:
		err = r.relayCandidate(ctx, conn, env)
	default:
		if out, ok := domain.ChatEventFor(env.Event); ok {
			err = r.relayChat(ctx, conn, env, out)
		} else {
			err = fmt.Errorf("%w %q", errUnknownEvent, env.Event)
		}
	}

	if err == nil {
		return
	}

	l := log.With().Str("conn_id", conn.String()).Str("event", string(env.Event)).Logger()
	l.Warn().Err(err).Msg("Event rejected")

	code := ""
	switch {
	case errors.Is(err, errBadRequest):
		code = "bad_request"
	case errors.Is(err, errUnknownEvent):
		code = "unknown_event"
	default:
		return
	}
	if sendErr := r.send(ctx, conn, domain.EventError, domain.ErrorEvent{Code: code, Message: err.Error()}); sendErr != nil {
		l.Debug().Err(sendErr).Msg("Failed to report error to client")
	}
}

func (r *Relay) send(ctx context.Context, conn domain.ConnID, name domain.EventName, data any) error {
	env, err := domain.NewEnvelope(name, data)
	if err != nil {
		return err
	}
	return r.gateway.Send(ctx, conn, env)
}

func decode(env domain.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// connFor resolves the connection a participant is reachable on right now.
// The handle recorded at call creation is only used for participants that
// never registered presence.
func (r *Relay) connFor(p domain.Participant, recorded domain.ConnID) (domain.ConnID, bool) {
	if conn, ok := r.presence.Resolve(p.ID); ok {
		return conn, true
	}
	if recorded != "" {
		if _, owned := r.presence.UserOf(recorded); !owned {
			return recorded, true
		}
	}
	return "", false
}
