package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// How long a closing connection may wait for the relay to accept its
// disconnect.
const disconnectTimeout = 5 * time.Second

var (
	errSendQueueFull = errors.New("send queue full")
	errClientClosed  = errors.New("client closed")
)

// WSClient owns one websocket connection. Frames to the browser go through
// a bounded queue drained by writePump, the only goroutine that writes to
// conn.
type WSClient struct {
	id   domain.ConnID
	conn *websocket.Conn
	l    zerolog.Logger

	send      chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newWSClient(conn *websocket.Conn, cfg config.Server) *WSClient {
	id := domain.NewConnID()
	return &WSClient{
		id:           id,
		conn:         conn,
		l:            log.With().Str("conn", id.String()).Logger(),
		send:         make(chan domain.Envelope, cfg.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
}

func (c *WSClient) ID() domain.ConnID {
	return c.id
}

func (c *WSClient) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close stops the write pump, which closes the socket. The read loop then
// fails and runs the disconnect path.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			frame, err := env.Frame()
			if err != nil {
				c.l.Error().Err(err).Str("event", string(env.Event)).Msg("Dropping unencodable frame")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.l.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.l.Debug().Err(err).Msg("Ping failed")
				c.Close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

// reject answers the sender directly, bypassing the relay.
func (c *WSClient) reject(code, message string) {
	env, err := domain.NewEnvelope(domain.EventError, domain.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := c.Send(env); err != nil {
		c.l.Debug().Err(err).Str("code", code).Msg("Could not report error to client")
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and pumps frames into the relay until the
// connection drops.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(conn, h.cfg)
	l := client.l
	if err := h.Hub.Register(client); err != nil {
		l.Warn().Err(err).Msg("Refusing connection")
		conn.Close()
		return
	}
	l.Info().Str("remote", r.RemoteAddr).Msg("New client connected")

	go client.writePump()

	defer func() {
		h.Hub.Unregister(client)
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := h.Relay.Disconnect(ctx, client.ID()); err != nil {
			l.Warn().Err(err).Msg("Relay did not take the disconnect")
		}
		l.Info().Msg("Client disconnected")
	}()

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if !limiter.Allow() {
			l.Warn().Msg("Rate limit exceeded, frame dropped")
			client.reject("rate_limited", "too many messages")
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			l.Debug().Err(err).Msg("Malformed frame")
			client.reject("bad_request", "frame is not an event envelope")
			continue
		}

		if err := h.Relay.Dispatch(r.Context(), client.ID(), env); err != nil {
			l.Error().Err(err).Str("event", string(env.Event)).Msg("Failed to dispatch event")
			return
		}
	}
}
