// Package negotiation keeps one coherent offer/answer exchange per call.
//
// The controller is a small state machine:
//
//	idle --begin_offer--> offering --offer_applied--> offered --remote_answer--> stable
//	idle --remote_offer--> answering --answer_applied--> stable
//
// An ICE restart reopens a stable negotiation: the caller moves
// stable -> offering again, the receiver accepts a flagged offer with
// stable -> answering. Remote candidates are held back until a remote
// description exists and are then applied in arrival order.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

type State string

const (
	StateIdle      State = "idle"
	StateOffering  State = "offering"
	StateOffered   State = "offered"
	StateAnswering State = "answering"
	StateStable    State = "stable"
)

const (
	evBeginOffer     = "begin_offer"
	evOfferApplied   = "offer_applied"
	evOfferAborted   = "offer_aborted"
	evRestartAborted = "restart_aborted"
	evRemoteOffer    = "remote_offer"
	evAnswerApplied  = "answer_applied"
	evRemoteAnswer   = "remote_answer"
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evBeginOffer, Src: []string{string(StateIdle), string(StateStable)}, Dst: string(StateOffering)},
			{Name: evOfferApplied, Src: []string{string(StateOffering)}, Dst: string(StateOffered)},
			{Name: evOfferAborted, Src: []string{string(StateOffering)}, Dst: string(StateIdle)},
			{Name: evRestartAborted, Src: []string{string(StateOffering)}, Dst: string(StateStable)},
			{Name: evRemoteOffer, Src: []string{string(StateIdle), string(StateStable)}, Dst: string(StateAnswering)},
			{Name: evAnswerApplied, Src: []string{string(StateAnswering)}, Dst: string(StateStable)},
			{Name: evRemoteAnswer, Src: []string{string(StateOffered)}, Dst: string(StateStable)},
		},
		fsm.Callbacks{},
	)
}

// Controller enforces single offer/answer discipline for one call. It is
// safe for concurrent use.
type Controller struct {
	role Role
	peer port.SessionPeer
	l    zerolog.Logger

	mu      sync.Mutex
	state   *fsm.FSM
	pending []domain.ICECandidate
	epochs  int  // completed negotiations
	restart bool // the offer in flight is an ICE restart
	closed  bool
}

func New(role Role, peer port.SessionPeer, l zerolog.Logger) *Controller {
	return &Controller{
		role:  role,
		peer:  peer,
		l:     l.With().Str("role", role.String()).Logger(),
		state: newMachine(),
	}
}

func (c *Controller) Role() Role { return c.role }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *Controller) current() State {
	return State(c.state.Current())
}

// hasRemote reports whether a remote description is in place. After the
// first completed exchange one always is, even mid restart.
func (c *Controller) hasRemote() bool {
	switch c.current() {
	case StateAnswering, StateStable:
		return true
	}
	return c.epochs > 0
}

func (c *Controller) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemote()
}

func (c *Controller) HasLocalDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.current() {
	case StateOffered, StateStable:
		return true
	}
	return c.epochs > 0
}

// Buffered is the number of candidates waiting for a remote description.
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) event(ctx context.Context, name string) {
	if err := c.state.Event(ctx, name); err != nil {
		// Every call site checks the source state first.
		c.l.Error().Err(err).Str("event", name).Msg("Negotiation state machine refused event")
	}
}

// CreateOffer creates and applies the local offer. Only the caller offers,
// once, and never while another offer is being prepared.
func (c *Controller) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return c.offer(ctx, false)
}

// RestartOffer reopens a stable negotiation with an ICE restart offer.
func (c *Controller) RestartOffer(ctx context.Context) (domain.SessionDescription, error) {
	return c.offer(ctx, true)
}

func (c *Controller) offer(ctx context.Context, restart bool) (domain.SessionDescription, error) {
	c.mu.Lock()
	if err := c.beginOffer(ctx, restart); err != nil {
		c.mu.Unlock()
		return domain.SessionDescription{}, err
	}
	c.mu.Unlock()

	desc, err := c.peer.CreateOffer(ctx, restart)
	if err == nil {
		err = c.peer.SetLocalDescription(ctx, desc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.restart {
			c.event(ctx, evRestartAborted)
		} else {
			c.event(ctx, evOfferAborted)
		}
		c.restart = false
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	c.event(ctx, evOfferApplied)
	if c.closed {
		return domain.SessionDescription{}, domain.ErrControllerClosed
	}
	c.l.Debug().Bool("ice_restart", restart).Msg("Local offer applied")
	return desc, nil
}

func (c *Controller) beginOffer(ctx context.Context, restart bool) error {
	if c.closed {
		return domain.ErrControllerClosed
	}
	if c.role != RoleCaller {
		return fmt.Errorf("receiver cannot offer: %w", domain.ErrNegotiationRace)
	}
	want := StateIdle
	if restart {
		want = StateStable
	}
	switch cur := c.current(); {
	case cur == want:
	case cur == StateOffering:
		return fmt.Errorf("offer in flight: %w", domain.ErrNegotiationRace)
	case cur == StateOffered, cur == StateStable:
		return fmt.Errorf("local offer already set: %w", domain.ErrDuplicateDescription)
	default:
		return fmt.Errorf("offer in state %s: %w", cur, domain.ErrUnexpectedDescription)
	}
	c.restart = restart
	c.event(ctx, evBeginOffer)
	return nil
}

// HandleRemoteOffer applies a remote offer and returns the answer to send
// back. A second offer for the same exchange returns ErrDuplicateDescription
// and changes nothing; iceRestart offers open a new exchange once the
// previous one is stable.
func (c *Controller) HandleRemoteOffer(ctx context.Context, offer domain.SessionDescription, iceRestart bool) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.SessionDescription{}, domain.ErrControllerClosed
	}
	if c.role == RoleCaller {
		return domain.SessionDescription{}, fmt.Errorf("caller got an offer: %w", domain.ErrNegotiationRace)
	}
	if err := offer.Validate(domain.SDPOffer); err != nil {
		return domain.SessionDescription{}, err
	}
	switch cur := c.current(); {
	case cur == StateIdle:
	case cur == StateStable && iceRestart:
	case cur == StateStable, cur == StateAnswering:
		return domain.SessionDescription{}, fmt.Errorf("remote offer: %w", domain.ErrDuplicateDescription)
	default:
		return domain.SessionDescription{}, fmt.Errorf("remote offer in state %s: %w", cur, domain.ErrUnexpectedDescription)
	}

	if err := c.peer.SetRemoteDescription(ctx, offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("apply remote offer: %w", err)
	}
	c.event(ctx, evRemoteOffer)
	c.drain()

	answer, err := c.peer.CreateAnswer(ctx)
	if err == nil {
		err = c.peer.SetLocalDescription(ctx, answer)
	}
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	c.event(ctx, evAnswerApplied)
	c.epochs++
	c.l.Debug().Bool("ice_restart", iceRestart).Msg("Remote offer answered")
	return answer, nil
}

// HandleRemoteAnswer applies the answer to our offer.
func (c *Controller) HandleRemoteAnswer(ctx context.Context, answer domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrControllerClosed
	}
	if c.role != RoleCaller {
		return fmt.Errorf("receiver got an answer: %w", domain.ErrUnexpectedDescription)
	}
	if err := answer.Validate(domain.SDPAnswer); err != nil {
		return err
	}
	switch cur := c.current(); cur {
	case StateOffered:
	case StateStable:
		return fmt.Errorf("remote answer: %w", domain.ErrDuplicateDescription)
	default:
		return fmt.Errorf("remote answer in state %s: %w", cur, domain.ErrUnexpectedDescription)
	}

	if err := c.peer.SetRemoteDescription(ctx, answer); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	c.event(ctx, evRemoteAnswer)
	c.restart = false
	c.epochs++
	c.drain()
	c.l.Debug().Msg("Remote answer applied")
	return nil
}

// AddRemoteCandidate applies cand, or buffers it until a remote description
// is set.
func (c *Controller) AddRemoteCandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrControllerClosed
	}
	if !c.hasRemote() {
		c.pending = append(c.pending, cand)
		return nil
	}
	if err := c.peer.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// drain applies buffered candidates in arrival order. A candidate the peer
// refuses is logged and skipped; it would be refused again later.
func (c *Controller) drain() {
	if len(c.pending) == 0 {
		return
	}
	var errs []error
	for _, cand := range c.pending {
		if err := c.peer.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	c.l.Debug().Int("count", len(c.pending)).Int("failed", len(errs)).Msg("Buffered candidates applied")
	if err := errors.Join(errs...); err != nil {
		c.l.Warn().Err(err).Msg("Some buffered candidates were refused")
	}
	c.pending = nil
}

// Close drops buffered candidates and refuses further work.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
}
