// Package call runs calls on the client side: local media, the peer
// connection, negotiation and teardown.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/negotiation"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

type Stage string

const (
	StageIdle       Stage = "idle"
	StageRinging    Stage = "ringing"
	StageConnecting Stage = "connecting"
	StageConnected  Stage = "connected"
	StageEnded      Stage = "ended"
)

const (
	DefaultGracePeriod        = 5 * time.Second
	DefaultICERestartAttempts = 1
	DefaultAckTimeout         = 10 * time.Second

	notifyTimeout = 2 * time.Second
)

type Config struct {
	// GracePeriod bounds how long a disconnected call may take to recover.
	GracePeriod        time.Duration
	ICERestartAttempts int
	// AckTimeout bounds how long Dial waits for the relay to answer.
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        DefaultGracePeriod,
		ICERestartAttempts: DefaultICERestartAttempts,
		AckTimeout:         DefaultAckTimeout,
	}
}

// Deps are the collaborators a call needs.
type Deps struct {
	Signal port.SignalingChannel
	Media  port.MediaSource
	Peers  port.PeerFactory
}

// Observer receives call state for display. Either func may be nil. They
// are called from internal goroutines and must not block.
type Observer struct {
	OnStage       func(c *Controller, stage Stage, reason string)
	OnRemoteTrack func(c *Controller, track domain.RemoteTrack)
}

// Controller drives one call from media acquisition to cleanup.
type Controller struct {
	role   negotiation.Role
	self   domain.Participant
	remote domain.Participant
	kind   domain.CallKind
	deps   Deps
	cfg    Config
	obs    Observer
	l      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	id          domain.CallID
	stage       Stage
	reason      string
	local       port.LocalMedia
	peer        port.PeerConnection
	neg         *negotiation.Controller
	offs        []func()
	grace       *time.Timer
	restarts    int
	connectedAt time.Time

	acked   chan error
	endOnce sync.Once
	done    chan struct{}
	onEnd   func(*Controller)
}

func newController(role negotiation.Role, self, remote domain.Participant, kind domain.CallKind, deps Deps, cfg Config, obs Observer, l zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		role:   role,
		self:   self,
		remote: remote,
		kind:   kind,
		deps:   deps,
		cfg:    cfg,
		obs:    obs,
		l:      l.With().Str("role", role.String()).Str("remote", remote.ID.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		stage:  StageIdle,
		acked:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *Controller) ID() domain.CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Reason is why the call ended, empty while it is live.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ConnectedAt is when media first flowed, zero if it never did.
func (c *Controller) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

func (c *Controller) Role() negotiation.Role          { return c.role }
func (c *Controller) Counterpart() domain.Participant { return c.remote }
func (c *Controller) Kind() domain.CallKind           { return c.kind }

// Done is closed once cleanup has run.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Controller) setStage(s Stage) {
	c.mu.Lock()
	if c.stage == s || c.stage == StageEnded {
		c.mu.Unlock()
		return
	}
	c.stage = s
	if s == StageConnected && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	id := c.id
	c.mu.Unlock()

	c.l.Info().Str("call", id.String()).Str("stage", string(s)).Msg("Call stage")
	if c.obs.OnStage != nil {
		c.obs.OnStage(c, s, "")
	}
}

// prepare acquires local media and builds the peer connection. Nothing has
// been signaled yet, so a failure here just releases what was taken.
func (c *Controller) prepare(ctx context.Context) error {
	local, err := c.deps.Media.Acquire(ctx, c.kind)
	if err != nil {
		return fmt.Errorf("acquire %s media: %w", c.kind, err)
	}
	peer, err := c.deps.Peers.NewPeer(ctx, c.kind)
	if err != nil {
		_ = local.Stop()
		return fmt.Errorf("create peer: %w", err)
	}
	if err := peer.AddMedia(local); err != nil {
		_ = peer.Close()
		_ = local.Stop()
		return fmt.Errorf("attach media: %w", err)
	}

	peer.OnLocalCandidate(c.onLocalCandidate)
	peer.OnRemoteTrack(func(t domain.RemoteTrack) {
		c.l.Info().Str("track", t.ID).Str("kind", t.Kind).Msg("Remote track")
		if c.obs.OnRemoteTrack != nil {
			c.obs.OnRemoteTrack(c, t)
		}
	})
	peer.OnConnectivityChange(c.onConnectivity)

	c.mu.Lock()
	c.local = local
	c.peer = peer
	c.neg = negotiation.New(c.role, peer, c.l)
	c.mu.Unlock()
	return nil
}

func (c *Controller) subscribe() {
	sig := c.deps.Signal
	offs := []func(){
		sig.On(domain.EventOffer, c.onOffer),
		sig.On(domain.EventAnswer, c.onAnswer),
		sig.On(domain.EventICECandidate, c.onRemoteCandidate),
		sig.On(domain.EventCallEnded, c.onRemoteEnded),
	}
	if c.role == negotiation.RoleCaller {
		offs = append(offs,
			sig.On(domain.EventCallRequestAck, c.onAck),
			sig.On(domain.EventCallFailed, c.onFailed),
			sig.On(domain.EventCallRejected, c.onRejected),
			sig.On(domain.EventCallAccepted, c.onAccepted),
		)
	}
	c.mu.Lock()
	c.offs = append(c.offs, offs...)
	c.mu.Unlock()
}

// dial places the call and waits for the relay to assign it an id.
func (c *Controller) dial(ctx context.Context) error {
	if err := c.prepare(ctx); err != nil {
		c.end(err.Error(), false)
		return err
	}
	c.subscribe()

	req := domain.CallRequest{Caller: c.self, Receiver: c.remote, Kind: c.kind}
	if err := c.deps.Signal.Emit(ctx, domain.EventCallRequest, req); err != nil {
		c.end(domain.ReasonRelayLost, false)
		return fmt.Errorf("send call request: %w", err)
	}

	timeout := time.NewTimer(c.cfg.AckTimeout)
	defer timeout.Stop()
	select {
	case err := <-c.acked:
		return err
	case <-c.done:
		select {
		case err := <-c.acked:
			if err != nil {
				return err
			}
		default:
		}
		return fmt.Errorf("call ended before ringing: %s", c.Reason())
	case <-timeout.C:
		c.end(domain.ReasonRelayLost, false)
		return fmt.Errorf("no answer from relay: %w", domain.ErrRelayUnavailable)
	case <-ctx.Done():
		c.end(domain.ReasonHangup, false)
		return ctx.Err()
	}
}

// accept answers an incoming call once prepare has succeeded.
func (c *Controller) accept(ctx context.Context) error {
	c.subscribe()

	self := c.self
	if err := c.deps.Signal.Emit(ctx, domain.EventCallAccepted, domain.CallAccepted{CallID: c.id, Receiver: &self}); err != nil {
		c.end(domain.ReasonRelayLost, false)
		return fmt.Errorf("send accept: %w", err)
	}
	c.setStage(StageConnecting)
	return nil
}

// mine reports whether an event for id belongs to this call.
func (c *Controller) mine(id domain.CallID) bool {
	if id == "" || c.ended() {
		return false
	}
	return id == c.ID()
}

func (c *Controller) onAck(env domain.Envelope) {
	var ack domain.CallRequestAck
	if err := env.Decode(&ack); err != nil {
		c.l.Warn().Err(err).Msg("Bad callRequestAck")
		return
	}
	c.mu.Lock()
	if c.id != "" {
		c.mu.Unlock()
		return
	}
	c.id = ack.CallID
	c.mu.Unlock()

	c.setStage(StageRinging)
	select {
	case c.acked <- nil:
	default:
	}
}

func (c *Controller) onFailed(env domain.Envelope) {
	var f domain.CallFailed
	if err := env.Decode(&f); err != nil {
		c.l.Warn().Err(err).Msg("Bad callFailed")
		return
	}
	// Without an id the failure answers the request still waiting for an ack.
	c.mu.Lock()
	ours := (f.CallID == "" && c.id == "") || (f.CallID != "" && f.CallID == c.id)
	c.mu.Unlock()
	if !ours || c.ended() {
		return
	}

	err := fmt.Errorf("call failed: %s", f.Reason)
	if f.Reason == domain.ReasonOffline {
		err = fmt.Errorf("%s is offline: %w", c.remote.ID, domain.ErrUserUnreachable)
	}
	select {
	case c.acked <- err:
	default:
	}
	c.end(f.Reason, false)
}

func (c *Controller) onRejected(env domain.Envelope) {
	var r domain.CallRejected
	if err := env.Decode(&r); err != nil || !c.mine(r.CallID) {
		return
	}
	reason := r.Reason
	if reason == "" {
		reason = domain.ReasonDeclined
	}
	c.end(reason, false)
}

// onAccepted starts negotiation. Only the caller offers, and only once the
// receiver has accepted.
func (c *Controller) onAccepted(env domain.Envelope) {
	var a domain.CallAccepted
	if err := env.Decode(&a); err != nil || !c.mine(a.CallID) {
		return
	}
	c.setStage(StageConnecting)

	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()

	desc, err := neg.CreateOffer(c.ctx)
	switch {
	case errors.Is(err, domain.ErrDuplicateDescription), errors.Is(err, domain.ErrNegotiationRace):
		c.l.Debug().Err(err).Msg("Offer not needed")
		return
	case err != nil:
		c.l.Error().Err(err).Msg("Could not create offer")
		c.end(domain.ReasonConnectFailed, true)
		return
	}
	c.sendDescription(domain.EventOffer, desc, false)
}

func (c *Controller) sendDescription(name domain.EventName, desc domain.SessionDescription, iceRestart bool) {
	raw, err := json.Marshal(desc)
	if err != nil {
		c.l.Error().Err(err).Msg("Encode description")
		return
	}
	out := domain.DescriptionRelay{CallID: c.ID(), SDP: raw, TargetUserID: c.remote.ID, ICERestart: iceRestart}
	if err := c.deps.Signal.Emit(c.ctx, name, out); err != nil {
		c.l.Warn().Err(err).Str("event", string(name)).Msg("Could not send description")
	}
}

func (c *Controller) decodeDescription(env domain.Envelope) (domain.DescriptionRelay, domain.SessionDescription, bool) {
	var rel domain.DescriptionRelay
	if err := env.Decode(&rel); err != nil || !c.mine(rel.CallID) {
		return rel, domain.SessionDescription{}, false
	}
	var desc domain.SessionDescription
	if err := json.Unmarshal(rel.SDP, &desc); err != nil {
		c.l.Warn().Err(err).Str("event", string(env.Event)).Msg("Undecodable description")
		return rel, desc, false
	}
	return rel, desc, true
}

func (c *Controller) onOffer(env domain.Envelope) {
	rel, desc, ok := c.decodeDescription(env)
	if !ok {
		return
	}
	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()

	answer, err := neg.HandleRemoteOffer(c.ctx, desc, rel.ICERestart)
	if err != nil {
		c.logNegotiation(err, "Remote offer")
		return
	}
	c.sendDescription(domain.EventAnswer, answer, rel.ICERestart)
}

func (c *Controller) onAnswer(env domain.Envelope) {
	_, desc, ok := c.decodeDescription(env)
	if !ok {
		return
	}
	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()

	if err := neg.HandleRemoteAnswer(c.ctx, desc); err != nil {
		c.logNegotiation(err, "Remote answer")
	}
}

// logNegotiation keeps negotiation failures inside this call.
func (c *Controller) logNegotiation(err error, what string) {
	switch {
	case errors.Is(err, domain.ErrDuplicateDescription):
		c.l.Debug().Err(err).Msg(what + " ignored")
	case errors.Is(err, domain.ErrControllerClosed):
	default:
		c.l.Warn().Err(err).Msg(what + " failed")
	}
}

func (c *Controller) onRemoteCandidate(env domain.Envelope) {
	var rel domain.CandidateRelay
	if err := env.Decode(&rel); err != nil || !c.mine(rel.CallID) {
		return
	}
	var cand domain.ICECandidate
	if err := json.Unmarshal(rel.Candidate, &cand); err != nil {
		c.l.Warn().Err(err).Msg("Undecodable candidate")
		return
	}
	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()
	if err := neg.AddRemoteCandidate(cand); err != nil {
		c.logNegotiation(err, "Remote candidate")
	}
}

func (c *Controller) onLocalCandidate(cand domain.ICECandidate) {
	if c.ended() {
		return
	}
	raw, err := json.Marshal(cand)
	if err != nil {
		return
	}
	out := domain.CandidateRelay{CallID: c.ID(), Candidate: raw, TargetUserID: c.remote.ID}
	if err := c.deps.Signal.Emit(c.ctx, domain.EventICECandidate, out); err != nil {
		c.l.Debug().Err(err).Msg("Could not send candidate")
	}
}

func (c *Controller) onRemoteEnded(env domain.Envelope) {
	var e domain.CallEnded
	if err := env.Decode(&e); err != nil || !c.mine(e.CallID) {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = domain.ReasonHangup
	}
	c.end(reason, false)
}

func (c *Controller) onConnectivity(state domain.Connectivity) {
	if c.ended() {
		return
	}
	c.l.Debug().Str("ice", string(state)).Msg("Connectivity")

	switch state {
	case domain.ConnectivityConnected, domain.ConnectivityCompleted:
		c.stopGrace()
		c.setStage(StageConnected)
	case domain.ConnectivityDisconnected:
		c.startGrace(false)
	case domain.ConnectivityFailed:
		c.onFailedConnectivity()
	}
}

// startGrace arms the recovery deadline. restart replaces a running timer.
func (c *Controller) startGrace(restart bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grace != nil {
		if !restart {
			return
		}
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(c.cfg.GracePeriod, func() {
		c.l.Warn().Dur("grace", c.cfg.GracePeriod).Msg("Connectivity did not recover")
		c.end(domain.ReasonConnectionLost, true)
	})
}

func (c *Controller) stopGrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

// onFailedConnectivity attempts an ICE restart. The caller sends the
// restart offer; the receiver waits for it until the grace period runs out.
func (c *Controller) onFailedConnectivity() {
	if c.role == negotiation.RoleReceiver {
		c.startGrace(false)
		return
	}

	c.mu.Lock()
	allowed := c.restarts < c.cfg.ICERestartAttempts
	if allowed {
		c.restarts++
	}
	attempt := c.restarts
	neg := c.neg
	c.mu.Unlock()

	if !allowed {
		c.l.Warn().Msg("Connectivity failed, no restarts left")
		c.end(domain.ReasonConnectFailed, true)
		return
	}

	c.startGrace(true)
	go func() {
		c.l.Info().Int("attempt", attempt).Msg("Restarting ICE")
		desc, err := neg.RestartOffer(c.ctx)
		if err != nil {
			c.logNegotiation(err, "ICE restart")
			if !errors.Is(err, domain.ErrControllerClosed) {
				c.end(domain.ReasonConnectFailed, true)
			}
			return
		}
		c.sendDescription(domain.EventOffer, desc, true)
	}()
}

// Hangup ends the call locally and tells the counterpart.
func (c *Controller) Hangup() {
	c.end(domain.ReasonHangup, true)
}

// Abort ends the call without telling anyone, for when the relay is gone.
func (c *Controller) Abort(reason string) {
	c.end(reason, false)
}

// end is the only teardown path. It runs once: media stopped, peer closed,
// buffered candidates dropped, relay listeners detached.
func (c *Controller) end(reason string, notify bool) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.stage = StageEnded
		c.reason = reason
		id := c.id
		offs, local, peer, neg, grace := c.offs, c.local, c.peer, c.neg, c.grace
		c.offs, c.local, c.peer, c.grace = nil, nil, nil, nil
		c.mu.Unlock()

		if grace != nil {
			grace.Stop()
		}
		for _, off := range offs {
			off()
		}
		if notify && id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			end := domain.CallEnded{CallID: id, TargetUserID: c.remote.ID, Reason: reason}
			if err := c.deps.Signal.Emit(ctx, domain.EventCallEnded, end); err != nil {
				c.l.Debug().Err(err).Msg("Could not notify counterpart")
			}
			cancel()
		}
		c.cancel()
		if neg != nil {
			neg.Close()
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				c.l.Debug().Err(err).Msg("Close peer")
			}
		}
		if local != nil {
			if err := local.Stop(); err != nil {
				c.l.Debug().Err(err).Msg("Stop local media")
			}
		}
		close(c.done)

		c.l.Info().Str("call", id.String()).Str("reason", reason).Msg("Call ended")
		if c.obs.OnStage != nil {
			c.obs.OnStage(c, StageEnded, reason)
		}
		if c.onEnd != nil {
			c.onEnd(c)
		}
	})
}
