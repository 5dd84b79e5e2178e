// Package wsclient is the peer side of the relay websocket. It keeps one
// connection alive, reconnecting with exponential backoff, and fans
// inbound events out to handlers registered with On.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	sendQueue    = 64
)

type handler struct {
	id uint64
	fn func(domain.Envelope)
}

// Client implements port.SignalingChannel over a reconnecting websocket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	min    time.Duration
	max    time.Duration

	mu           sync.RWMutex
	handlers     map[domain.EventName][]handler
	nextID       uint64
	sess         *session
	onConnect    []func(context.Context)
	onDisconnect []func(error)
}

type Option func(*Client)

func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 && max >= min {
			c.min, c.max = min, max
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		min:      DefaultReconnectMin,
		max:      DefaultReconnectMax,
		handlers: make(map[domain.EventName][]handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnect runs fn after every successful dial, before any inbound event
// is dispatched. fn may Emit but must not wait for replies.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnDisconnect runs fn each time an established connection is lost.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// On registers fn for inbound events named name. Handlers run one at a time
// on the read goroutine, in registration order, so events are seen in the
// order the relay sent them.
func (c *Client) On(name domain.EventName, fn func(domain.Envelope)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[name] = append(c.handlers[name], handler{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		hs := c.handlers[name]
		for i, h := range hs {
			if h.id == id {
				c.handlers[name] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// Emit queues an event for the relay. Without a live connection it fails
// with domain.ErrRelayUnavailable.
func (c *Client) Emit(ctx context.Context, name domain.EventName, data any) error {
	env, err := domain.NewEnvelope(name, data)
	if err != nil {
		return err
	}
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("emit %s: %w", name, domain.ErrRelayUnavailable)
	}
	select {
	case sess.send <- env:
		return nil
	case <-sess.done:
		return fmt.Errorf("emit %s: %w", name, domain.ErrRelayUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess != nil
}

// Run keeps the connection up until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.min
	for {
		sess, err := c.dial(ctx)
		if err == nil {
			backoff = c.min
			err = c.serve(ctx, sess)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := jitter(backoff)
		log.Warn().Err(err).Str("url", c.url).Dur("retry_in", wait).Msg("Relay unavailable")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > c.max {
			backoff = c.max
		}
	}
}

// jitter spreads reconnects over [d/2, d].
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + rand.N(half+1)
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &session{
		conn: conn,
		send: make(chan domain.Envelope, sendQueue),
		done: make(chan struct{}),
	}, nil
}

// serve runs one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, sess *session) error {
	c.mu.Lock()
	c.sess = sess
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.Unlock()

	go sess.writeLoop()
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	log.Info().Str("url", c.url).Msg("Connected to relay")
	for _, fn := range hooks {
		fn(ctx)
	}

	err := c.readLoop(sess)
	sess.close()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	lost := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	if ctx.Err() == nil {
		for _, fn := range lost {
			fn(err)
		}
	}
	return err
}

func (c *Client) readLoop(sess *session) error {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("Undecodable frame from relay")
			continue
		}
		if env.Event == domain.EventError {
			var e domain.ErrorEvent
			_ = env.Decode(&e)
			log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Relay reported an error")
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	c.mu.RLock()
	hs := append([]handler(nil), c.handlers[env.Event]...)
	c.mu.RUnlock()
	for _, h := range hs {
		h.fn(env)
	}
}

type session struct {
	conn *websocket.Conn
	send chan domain.Envelope
	done chan struct{}
	once sync.Once
}

// close stops the writer, which closes the socket and so ends the reader.
func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case env := <-s.send:
			frame, err := env.Frame()
			if err != nil {
				log.Error().Err(err).Str("event", string(env.Event)).Msg("Dropping unencodable frame")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("Relay write failed")
				s.close()
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			return
		}
	}
}
