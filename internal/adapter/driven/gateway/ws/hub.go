package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Hub tracks live connections by id.
// implements port.RealTimeGateway
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ConnID]Client
	stopped bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[domain.ConnID]Client)}
}

func (h *Hub) Register(c Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errHubStopped
	}
	h.clients[c.ID()] = c
	log.Debug().Str("conn", c.ID().String()).Msg("Client registered")
	return nil
}

// Unregister removes c if it is still the client known under its id.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID()]; ok && cur == c {
		delete(h.clients, c.ID())
		log.Debug().Str("conn", c.ID().String()).Msg("Client unregistered")
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Send(_ context.Context, conn domain.ConnID, env domain.Envelope) error {
	h.mu.RLock()
	c, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, conn)
	}
	return h.deliver(c, env)
}

func (h *Hub) Broadcast(_ context.Context, env domain.Envelope) error {
	h.mu.RLock()
	targets := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		if err := h.deliver(c, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver drops clients that cannot keep up. Closing makes the read side
// fail, which runs the usual disconnect path.
func (h *Hub) deliver(c Client, env domain.Envelope) error {
	if err := c.Send(env); err != nil {
		log.Warn().Err(err).Str("conn", c.ID().String()).Str("event", string(env.Event)).Msg("Dropping slow or closed client")
		h.Unregister(c)
		_ = c.Close()
		return fmt.Errorf("send to %s: %w", c.ID(), err)
	}
	return nil
}

// Stop closes every client and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[domain.ConnID]Client)
	h.stopped = true
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}

var errHubStopped = errors.New("hub stopped")
