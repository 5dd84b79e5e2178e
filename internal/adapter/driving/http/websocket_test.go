package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/metrics"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	relay *service.Relay
}

func newTestServer(t *testing.T, mutate func(*config.Server)) *testServer {
	t.Helper()
	cfg := config.DefaultServer()
	if mutate != nil {
		mutate(&cfg)
	}

	presence := repo.NewPresenceRegistry()
	calls := callmem.NewCallStore()
	hub := ws.NewHub()
	m := metrics.NewRelayMetrics(false)
	relay := service.NewRelay(presence, calls, hub, service.WithMetrics(m))
	go relay.Run(t.Context())

	h := NewHandler(relay, hub, presence, calls, cfg)
	h.Metrics = m.Handler()
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		relay.Stop()
	})
	return &testServer{Server: srv, relay: relay}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, name domain.EventName, data any) {
	t.Helper()
	env, err := domain.NewEnvelope(name, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// expect reads frames until one named name arrives.
func expect(t *testing.T, conn *websocket.Conn, name domain.EventName, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env domain.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", name)
		if env.Event != name {
			continue
		}
		if v != nil {
			require.NoError(t, env.Decode(v))
		}
		return
	}
}

func register(t *testing.T, conn *websocket.Conn, user domain.UserID) {
	t.Helper()
	emit(t, conn, domain.EventRegisterPresence, domain.RegisterPresence{UserID: user, Meta: domain.DisplayMeta{Name: string(user)}})
	var snap domain.PresenceSnapshot
	for {
		expect(t, conn, domain.EventPresenceSnapshot, &snap)
		for _, e := range snap.Entries {
			if e.ID == user {
				return
			}
		}
	}
}

func TestCallSetupOverWebsocket(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := srv.dial(t)
	bob := srv.dial(t)
	register(t, alice, "alice")
	register(t, bob, "bob")

	emit(t, alice, domain.EventCallRequest, domain.CallRequest{
		Caller:   domain.Participant{ID: "alice"},
		Receiver: domain.Participant{ID: "bob"},
		Kind:     domain.CallVideo,
	})

	var ack domain.CallRequestAck
	expect(t, alice, domain.EventCallRequestAck, &ack)
	require.NotEmpty(t, ack.CallID)

	var incoming domain.IncomingCallEvent
	expect(t, bob, domain.EventIncomingCall, &incoming)
	assert.Equal(t, ack.CallID, incoming.CallID)
	assert.Equal(t, domain.UserID("alice"), incoming.Caller.ID)

	emit(t, bob, domain.EventCallAccepted, domain.CallAccepted{
		CallID:   ack.CallID,
		Receiver: &domain.Participant{ID: "bob"},
	})
	expect(t, alice, domain.EventCallAccepted, nil)

	sdp := `{ "type": "offer", "sdp": "v=0\r\na=label:<x>&y\r\n" }`
	frame := `{"event":"offer","data":{"callId":"` + string(ack.CallID) + `","sdp":` + sdp + `,"targetUserId":"bob"}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(frame)))

	var offer domain.DescriptionRelay
	expect(t, bob, domain.EventOffer, &offer)
	assert.Equal(t, sdp, string(offer.SDP))
	assert.NotEmpty(t, offer.FromConnection)
}

func TestDisconnectEndsCall(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := srv.dial(t)
	bob := srv.dial(t)
	register(t, alice, "alice")
	register(t, bob, "bob")

	emit(t, alice, domain.EventCallRequest, domain.CallRequest{
		Caller:   domain.Participant{ID: "alice"},
		Receiver: domain.Participant{ID: "bob"},
		Kind:     domain.CallAudio,
	})
	var ack domain.CallRequestAck
	expect(t, alice, domain.EventCallRequestAck, &ack)
	expect(t, bob, domain.EventIncomingCall, nil)

	require.NoError(t, bob.Close())

	var ended domain.CallEnded
	expect(t, alice, domain.EventCallEnded, &ended)
	assert.Equal(t, ack.CallID, ended.CallID)
	assert.Equal(t, domain.ReasonDisconnected, ended.Reason)
}

func TestMalformedFrameIsReported(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var e domain.ErrorEvent
	expect(t, conn, domain.EventError, &e)
	assert.Equal(t, "bad_request", e.Code)
}

func TestRateLimitedFramesAreDropped(t *testing.T) {
	srv := newTestServer(t, func(c *config.Server) {
		c.MessagesPerSecond = 0.001
		c.MessageBurst = 1
	})
	conn := srv.dial(t)

	emit(t, conn, domain.EventRegisterPresence, domain.RegisterPresence{UserID: "alice"})
	emit(t, conn, domain.EventRegisterPresence, domain.RegisterPresence{UserID: "alice"})

	var e domain.ErrorEvent
	expect(t, conn, domain.EventError, &e)
	assert.Equal(t, "rate_limited", e.Code)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t, func(c *config.Server) { c.MaxMessageBytes = 128 })
	conn := srv.dial(t)

	big := strings.Repeat("x", 1024)
	_ = conn.WriteMessage(websocket.TextMessage, []byte(big))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestOriginCheck(t *testing.T) {
	srv := newTestServer(t, func(c *config.Server) { c.AllowedOrigins = []string{"https://app.example"} })
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := srv.dial(t)
	register(t, conn, "alice")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Online)
	assert.Equal(t, 1, health.Connections)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
