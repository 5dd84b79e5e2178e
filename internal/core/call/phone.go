package call

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/negotiation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phone owns the calls of one registered user and routes incoming calls to
// OnIncoming handlers. Each call runs its own Controller.
type Phone struct {
	self domain.Participant
	deps Deps
	cfg  Config
	obs  Observer
	l    zerolog.Logger

	// dialMu keeps one request waiting for its ack at a time, since
	// callRequestAck does not say which request it answers.
	dialMu sync.Mutex

	mu       sync.Mutex
	calls    map[domain.CallID]*Controller
	incoming map[domain.CallID]*Incoming
	handlers []func(*Incoming)
	offs     []func()
	closed   bool
}

type Option func(*Phone)

func WithConfig(cfg Config) Option {
	return func(p *Phone) { p.cfg = cfg }
}

func WithObserver(obs Observer) Option {
	return func(p *Phone) { p.obs = obs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Phone) { p.l = l }
}

func NewPhone(self domain.Participant, deps Deps, opts ...Option) *Phone {
	p := &Phone{
		self:     self,
		deps:     deps,
		cfg:      DefaultConfig(),
		l:        log.Logger,
		calls:    make(map[domain.CallID]*Controller),
		incoming: make(map[domain.CallID]*Incoming),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.l = p.l.With().Str("user", self.ID.String()).Logger()
	p.offs = []func(){
		deps.Signal.On(domain.EventIncomingCall, p.onIncomingCall),
		deps.Signal.On(domain.EventCallEnded, p.onCallEnded),
	}
	return p
}

func (p *Phone) Self() domain.Participant { return p.self }

// Register announces the user to the relay. It is called again after every
// reconnect.
func (p *Phone) Register(ctx context.Context) error {
	return p.deps.Signal.Emit(ctx, domain.EventRegisterPresence, domain.RegisterPresence{
		UserID: p.self.ID,
		Meta:   p.self.Meta,
	})
}

// OnIncoming adds a handler for incoming calls. Handlers run on the
// signaling goroutine and must hand Accept off to another goroutine.
func (p *Phone) OnIncoming(fn func(*Incoming)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

// Dial calls to and returns once the relay has assigned a call id. An
// offline receiver yields domain.ErrUserUnreachable; media failures return
// before anything is signaled. Dial must not be called from a signaling
// handler.
func (p *Phone) Dial(ctx context.Context, to domain.Participant, kind domain.CallKind) (*Controller, error) {
	if to.ID == "" || to.ID == p.self.ID {
		return nil, fmt.Errorf("dial %q: invalid receiver", to.ID)
	}
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	p.dialMu.Lock()
	defer p.dialMu.Unlock()

	c := p.newController(negotiation.RoleCaller, to, kind)
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	p.track(c)
	return c, nil
}

func (p *Phone) newController(role negotiation.Role, remote domain.Participant, kind domain.CallKind) *Controller {
	c := newController(role, p.self, remote, kind, p.deps, p.cfg, p.obs, p.l)
	c.onEnd = p.untrack
	return c
}

func (p *Phone) track(c *Controller) {
	id := c.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.ended() {
		return
	}
	p.calls[id] = c
}

func (p *Phone) untrack(c *Controller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.calls[c.ID()]; ok && cur == c {
		delete(p.calls, c.ID())
	}
}

func (p *Phone) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrControllerClosed
	}
	return nil
}

func (p *Phone) Call(id domain.CallID) (*Controller, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	return c, ok
}

// Active lists live calls ordered by id.
func (p *Phone) Active() []*Controller {
	p.mu.Lock()
	out := make([]*Controller, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AbortAll ends every call without signaling. Used when the relay
// connection is lost: the relay forgets sessions of a dropped connection,
// so none of them can continue.
func (p *Phone) AbortAll(reason string) {
	p.mu.Lock()
	pending := p.incoming
	p.incoming = make(map[domain.CallID]*Incoming)
	p.mu.Unlock()

	for _, in := range pending {
		in.cancel()
	}
	for _, c := range p.Active() {
		c.Abort(reason)
	}
}

// Close hangs up every call and detaches from the relay.
func (p *Phone) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	offs := p.offs
	p.offs = nil
	p.mu.Unlock()

	for _, c := range p.Active() {
		c.Hangup()
	}
	for _, off := range offs {
		off()
	}
}

func (p *Phone) onIncomingCall(env domain.Envelope) {
	var ev domain.IncomingCallEvent
	if err := env.Decode(&ev); err != nil || ev.CallID == "" {
		p.l.Warn().Err(err).Msg("Bad incomingCall")
		return
	}
	in := &Incoming{
		Call:      domain.IncomingCall{CallID: ev.CallID, Caller: ev.Caller, Kind: ev.Kind},
		phone:     p,
		cancelled: make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.incoming[ev.CallID] = in
	handlers := make([]func(*Incoming), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	p.l.Info().Str("call", ev.CallID.String()).Str("caller", ev.Caller.ID.String()).Str("kind", string(ev.Kind)).Msg("Incoming call")
	for _, fn := range handlers {
		fn(in)
	}
}

// onCallEnded withdraws an incoming call the caller gave up on.
func (p *Phone) onCallEnded(env domain.Envelope) {
	var e domain.CallEnded
	if err := env.Decode(&e); err != nil {
		return
	}
	p.mu.Lock()
	in, ok := p.incoming[e.CallID]
	delete(p.incoming, e.CallID)
	p.mu.Unlock()
	if ok {
		p.l.Info().Str("call", e.CallID.String()).Str("reason", e.Reason).Msg("Incoming call withdrawn")
		in.cancel()
	}
}

// claim removes the pending incoming call so it is answered once.
func (p *Phone) claim(id domain.CallID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrControllerClosed
	}
	if _, ok := p.incoming[id]; !ok {
		return fmt.Errorf("incoming call %s: %w", id, domain.ErrCallNotFound)
	}
	delete(p.incoming, id)
	return nil
}

// Incoming is a ringing call waiting for Accept or Reject.
type Incoming struct {
	Call domain.IncomingCall

	phone      *Phone
	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Cancelled is closed when the caller hangs up before an answer, or the
// relay connection is lost.
func (i *Incoming) Cancelled() <-chan struct{} { return i.cancelled }

func (i *Incoming) cancel() {
	i.cancelOnce.Do(func() { close(i.cancelled) })
}

// Accept acquires media and answers. If media cannot be acquired the call
// is still pending and may be rejected.
func (i *Incoming) Accept(ctx context.Context) (*Controller, error) {
	p := i.phone
	if err := p.claim(i.Call.CallID); err != nil {
		return nil, err
	}

	c := p.newController(negotiation.RoleReceiver, i.Call.Caller, i.Call.Kind)
	c.id = i.Call.CallID
	if err := c.prepare(ctx); err != nil {
		c.end(err.Error(), false)
		p.mu.Lock()
		if !p.closed {
			p.incoming[i.Call.CallID] = i
		}
		p.mu.Unlock()
		return nil, err
	}
	if err := c.accept(ctx); err != nil {
		return nil, err
	}
	p.track(c)
	return c, nil
}

func (i *Incoming) Reject(ctx context.Context, reason string) error {
	p := i.phone
	if err := p.claim(i.Call.CallID); err != nil {
		return err
	}
	if reason == "" {
		reason = domain.ReasonDeclined
	}
	return p.deps.Signal.Emit(ctx, domain.EventCallRejected, domain.CallRejected{CallID: i.Call.CallID, Reason: reason})
}
