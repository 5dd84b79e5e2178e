package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	callmem "github.com/Wyydra/yacall/internal/adapter/driven/call/memory"
	repo "github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	conn domain.ConnID
	env  domain.Envelope
}

// recorder is a gateway that keeps everything it is asked to deliver.
type recorder struct {
	mu         sync.Mutex
	sends      []delivery
	broadcasts []domain.Envelope
	dead       map[domain.ConnID]bool
}

func (g *recorder) Send(_ context.Context, conn domain.ConnID, env domain.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead[conn] {
		return domain.ErrConnectionNotFound
	}
	g.sends = append(g.sends, delivery{conn: conn, env: env})
	return nil
}

func (g *recorder) Broadcast(_ context.Context, env domain.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, env)
	return nil
}

func (g *recorder) to(conn domain.ConnID) []domain.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Envelope
	for _, d := range g.sends {
		if d.conn == conn {
			out = append(out, d.env)
		}
	}
	return out
}

func (g *recorder) named(conn domain.ConnID, name domain.EventName) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range g.to(conn) {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	relay    *Relay
	gw       *recorder
	presence *repo.PresenceRegistry
	calls    *callmem.CallStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		gw:       &recorder{dead: map[domain.ConnID]bool{}},
		presence: repo.NewPresenceRegistry(),
		calls:    callmem.NewCallStore(),
	}
	h.relay = NewRelay(h.presence, h.calls, h.gw, opts...)
	go h.relay.Run(t.Context())
	t.Cleanup(h.relay.Stop)
	return h
}

func (h *harness) emit(t *testing.T, conn domain.ConnID, name domain.EventName, data any) {
	t.Helper()
	env, err := domain.NewEnvelope(name, data)
	require.NoError(t, err)
	require.NoError(t, h.relay.Dispatch(t.Context(), conn, env))
	require.NoError(t, h.relay.Flush(t.Context()))
}

func (h *harness) disconnect(t *testing.T, conn domain.ConnID) {
	t.Helper()
	require.NoError(t, h.relay.Disconnect(t.Context(), conn))
	require.NoError(t, h.relay.Flush(t.Context()))
}

func (h *harness) register(t *testing.T, conn domain.ConnID, user domain.UserID) {
	t.Helper()
	h.emit(t, conn, domain.EventRegisterPresence, domain.RegisterPresence{
		UserID: user,
		Meta:   domain.DisplayMeta{Name: string(user)},
	})
}

var (
	alice = domain.Participant{ID: "alice", Meta: domain.DisplayMeta{Name: "Alice"}}
	bob   = domain.Participant{ID: "bob", Meta: domain.DisplayMeta{Name: "Bob"}}
)

// ring registers alice on c-a and bob on c-b and has alice call bob.
func (h *harness) ring(t *testing.T) domain.CallID {
	t.Helper()
	h.register(t, "c-a", alice.ID)
	h.register(t, "c-b", bob.ID)
	h.emit(t, "c-a", domain.EventCallRequest, domain.CallRequest{Caller: alice, Receiver: bob, Kind: domain.CallAudio})

	acks := h.gw.named("c-a", domain.EventCallRequestAck)
	require.Len(t, acks, 1)
	var ack domain.CallRequestAck
	require.NoError(t, acks[0].Decode(&ack))
	return ack.CallID
}

func decodeOne[T any](t *testing.T, envs []domain.Envelope) T {
	t.Helper()
	require.Len(t, envs, 1)
	var v T
	require.NoError(t, envs[0].Decode(&v))
	return v
}

func TestCallRequestAcksCallerThenRingsReceiver(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	require.NotEmpty(t, id)
	assert.Equal(t, domain.EventCallRequestAck, h.gw.to("c-a")[0].Event, "ack comes before anything else")

	in := decodeOne[domain.IncomingCallEvent](t, h.gw.named("c-b", domain.EventIncomingCall))
	assert.Equal(t, id, in.CallID)
	assert.Equal(t, alice, in.Caller)
	assert.Equal(t, domain.CallAudio, in.Kind)

	session, ok := h.calls.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRinging, session.Status)
	assert.Equal(t, 1, h.calls.Len())
}

func TestCallRequestToOfflineReceiver(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-a", alice.ID)
	h.emit(t, "c-a", domain.EventCallRequest, domain.CallRequest{Caller: alice, Receiver: bob, Kind: domain.CallVideo})

	failed := decodeOne[domain.CallFailed](t, h.gw.named("c-a", domain.EventCallFailed))
	assert.Equal(t, domain.ReasonOffline, failed.Reason)
	assert.Empty(t, failed.CallID)
	assert.Zero(t, h.calls.Len())
}

func TestUndeliverableIncomingCallFails(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-a", alice.ID)
	h.register(t, "c-b", bob.ID)
	h.gw.dead["c-b"] = true

	h.emit(t, "c-a", domain.EventCallRequest, domain.CallRequest{Caller: alice, Receiver: bob, Kind: domain.CallAudio})

	ack := decodeOne[domain.CallRequestAck](t, h.gw.named("c-a", domain.EventCallRequestAck))
	failed := decodeOne[domain.CallFailed](t, h.gw.named("c-a", domain.EventCallFailed))
	assert.Equal(t, ack.CallID, failed.CallID)
	assert.Zero(t, h.calls.Len())
}

func TestRejectRemovesSession(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	h.emit(t, "c-b", domain.EventCallRejected, domain.CallRejected{CallID: id, Reason: domain.ReasonDeclined})

	rejected := decodeOne[domain.CallRejected](t, h.gw.named("c-a", domain.EventCallRejected))
	assert.Equal(t, domain.CallRejected{CallID: id, Reason: domain.ReasonDeclined}, rejected)
	_, ok := h.calls.Get(id)
	assert.False(t, ok)

	h.emit(t, "c-b", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &bob})
	assert.Empty(t, h.gw.named("c-a", domain.EventCallAccepted))
	assert.Empty(t, h.gw.named("c-b", domain.EventCallAccepted))
}

func TestAcceptNotifiesBothSides(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	h.emit(t, "c-b", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &bob})

	toCaller := decodeOne[domain.CallAccepted](t, h.gw.named("c-a", domain.EventCallAccepted))
	require.NotNil(t, toCaller.Counterpart)
	assert.Equal(t, bob, *toCaller.Counterpart)

	toReceiver := decodeOne[domain.CallAccepted](t, h.gw.named("c-b", domain.EventCallAccepted))
	require.NotNil(t, toReceiver.Counterpart)
	assert.Equal(t, alice, *toReceiver.Counterpart)

	session, _ := h.calls.Get(id)
	assert.Equal(t, domain.StatusConnected, session.Status)

	// A second accept changes nothing.
	h.emit(t, "c-b", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &bob})
	assert.Len(t, h.gw.named("c-a", domain.EventCallAccepted), 1)
}

func TestDescriptionsForwardedVerbatim(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	sdp := json.RawMessage(`{ "type": "offer", "sdp": "v=0\r\na=label:<x>&y\r\n" }`)
	offer, err := domain.NewEnvelopeVerbatim(domain.EventOffer, domain.DescriptionRelay{CallID: id, TargetUserID: bob.ID}, "sdp", sdp)
	require.NoError(t, err)
	require.NoError(t, h.relay.Dispatch(t.Context(), "c-a", offer))
	require.NoError(t, h.relay.Flush(t.Context()))

	got := decodeOne[domain.DescriptionRelay](t, h.gw.named("c-b", domain.EventOffer))
	assert.Equal(t, string(sdp), string(got.SDP), "sdp bytes pass through unchanged")
	assert.Equal(t, domain.ConnID("c-a"), got.FromConnection)
	assert.Empty(t, got.TargetUserID)
	assert.False(t, got.ICERestart)

	h.emit(t, "c-b", domain.EventAnswer, domain.DescriptionRelay{CallID: id, SDP: sdp, TargetUserID: alice.ID, ICERestart: true})
	answer := decodeOne[domain.DescriptionRelay](t, h.gw.named("c-a", domain.EventAnswer))
	assert.Equal(t, domain.ConnID("c-b"), answer.FromConnection)
	assert.True(t, answer.ICERestart)
}

func TestForwardToOfflineTargetIsDropped(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-a", alice.ID)

	h.emit(t, "c-a", domain.EventICECandidate, domain.CandidateRelay{
		CallID:       "nope",
		Candidate:    json.RawMessage(`{"candidate":"x"}`),
		TargetUserID: "carol",
	})
	assert.Empty(t, h.gw.to("c-a"), "sender gets no error back")
}

func TestCandidatesKeepArrivalOrder(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	for _, c := range []string{"1", "2", "3"} {
		h.emit(t, "c-a", domain.EventICECandidate, domain.CandidateRelay{
			CallID:       id,
			Candidate:    json.RawMessage(`{"candidate":"` + c + `"}`),
			TargetUserID: bob.ID,
		})
	}

	envs := h.gw.named("c-b", domain.EventICECandidate)
	require.Len(t, envs, 3)
	for i, want := range []string{"1", "2", "3"} {
		var got domain.CandidateRelay
		require.NoError(t, envs[i].Decode(&got))
		assert.JSONEq(t, `{"candidate":"`+want+`"}`, string(got.Candidate))
	}
}

func TestDisconnectEndsCallOnce(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)
	h.emit(t, "c-b", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &bob})

	h.disconnect(t, "c-b")
	h.disconnect(t, "c-b")

	ended := decodeOne[domain.CallEnded](t, h.gw.named("c-a", domain.EventCallEnded))
	assert.Equal(t, id, ended.CallID)
	assert.Equal(t, domain.ReasonDisconnected, ended.Reason)
	assert.Zero(t, h.calls.Len())

	_, online := h.presence.Resolve(bob.ID)
	assert.False(t, online)
}

func TestCallerDisconnectWhileRinging(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	h.disconnect(t, "c-a")

	ended := decodeOne[domain.CallEnded](t, h.gw.named("c-b", domain.EventCallEnded))
	assert.Equal(t, id, ended.CallID)
	assert.Equal(t, domain.ReasonDisconnected, ended.Reason)
}

func TestSupersededConnectionKeepsRegistration(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-a", alice.ID)
	h.register(t, "c-b", bob.ID)
	h.register(t, "c-b2", bob.ID)

	h.emit(t, "c-a", domain.EventCallRequest, domain.CallRequest{Caller: alice, Receiver: bob, Kind: domain.CallAudio})
	require.Len(t, h.gw.named("c-b2", domain.EventIncomingCall), 1)
	assert.Empty(t, h.gw.named("c-b", domain.EventIncomingCall))

	h.disconnect(t, "c-b")

	conn, ok := h.presence.Resolve(bob.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("c-b2"), conn)
	assert.Equal(t, 1, h.calls.Len())
	assert.Empty(t, h.gw.named("c-a", domain.EventCallEnded))
}

func TestReRegistrationEndsCallsOnOldConnection(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	h.register(t, "c-b2", bob.ID)

	ended := decodeOne[domain.CallEnded](t, h.gw.named("c-a", domain.EventCallEnded))
	assert.Equal(t, id, ended.CallID)
	assert.Equal(t, domain.ReasonDisconnected, ended.Reason)
	assert.Zero(t, h.calls.Len())

	// The old socket closing later changes nothing.
	h.disconnect(t, "c-b")
	assert.Len(t, h.gw.named("c-a", domain.EventCallEnded), 1)
	conn, ok := h.presence.Resolve(bob.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("c-b2"), conn)
}

func TestCallerCannotAcceptOwnCall(t *testing.T) {
	h := newHarness(t)
	id := h.ring(t)

	h.emit(t, "c-a", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &alice})

	session, ok := h.calls.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRinging, session.Status)
	assert.Empty(t, h.gw.named("c-a", domain.EventCallAccepted))
	assert.Empty(t, h.gw.named("c-b", domain.EventCallAccepted))

	h.emit(t, "c-b", domain.EventCallAccepted, domain.CallAccepted{CallID: id, Receiver: &bob})
	assert.Len(t, h.gw.named("c-a", domain.EventCallAccepted), 1)
}

func TestCallIDCollisionRegenerates(t *testing.T) {
	ids := []domain.CallID{"dup", "dup", "fresh"}
	var next int
	h := newHarness(t, WithCallIDGenerator(func() domain.CallID {
		id := ids[next]
		next++
		return id
	}))

	first := h.ring(t)
	h.emit(t, "c-a", domain.EventCallRequest, domain.CallRequest{Caller: alice, Receiver: bob, Kind: domain.CallAudio})

	acks := h.gw.named("c-a", domain.EventCallRequestAck)
	require.Len(t, acks, 2)
	var second domain.CallRequestAck
	require.NoError(t, acks[1].Decode(&second))

	assert.Equal(t, domain.CallID("dup"), first)
	assert.Equal(t, domain.CallID("fresh"), second.CallID)
	assert.Equal(t, 2, h.calls.Len())
}

func TestCallEndedRoutes(t *testing.T) {
	t.Run("to named target", func(t *testing.T) {
		h := newHarness(t)
		id := h.ring(t)

		h.emit(t, "c-a", domain.EventCallEnded, domain.CallEnded{CallID: id, TargetUserID: bob.ID, Reason: domain.ReasonHangup})

		ended := decodeOne[domain.CallEnded](t, h.gw.named("c-b", domain.EventCallEnded))
		assert.Equal(t, domain.CallEnded{CallID: id, Reason: domain.ReasonHangup}, ended)
		assert.Zero(t, h.calls.Len())
	})

	t.Run("to counterpart when no target", func(t *testing.T) {
		h := newHarness(t)
		id := h.ring(t)

		h.emit(t, "c-b", domain.EventCallEnded, domain.CallEnded{CallID: id})

		ended := decodeOne[domain.CallEnded](t, h.gw.named("c-a", domain.EventCallEnded))
		assert.Equal(t, domain.ReasonHangup, ended.Reason)
	})

	t.Run("unknown call still forwarded to target", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "c-a", alice.ID)
		h.register(t, "c-b", bob.ID)

		h.emit(t, "c-a", domain.EventCallEnded, domain.CallEnded{CallID: "gone", TargetUserID: bob.ID, Reason: domain.ReasonConnectFailed})

		ended := decodeOne[domain.CallEnded](t, h.gw.named("c-b", domain.EventCallEnded))
		assert.Equal(t, domain.CallID("gone"), ended.CallID)
	})
}

func TestPresenceBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-b", bob.ID)
	h.register(t, "c-a", alice.ID)
	h.disconnect(t, "c-b")

	require.Len(t, h.gw.broadcasts, 3)
	var snap domain.PresenceSnapshot
	require.NoError(t, h.gw.broadcasts[1].Decode(&snap))
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, alice.ID, snap.Entries[0].ID)
	assert.Equal(t, "alice", snap.Entries[0].Meta.Name)

	require.NoError(t, h.gw.broadcasts[2].Decode(&snap))
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, alice.ID, snap.Entries[0].ID)
}

func TestChatRelay(t *testing.T) {
	h := newHarness(t)
	h.register(t, "c-a", alice.ID)
	h.register(t, "c-b", bob.ID)

	h.emit(t, "c-a", "sendMessage", domain.ChatMessage{
		Sender:   alice,
		Receiver: &bob,
		Payload:  json.RawMessage(`{"text":"hi"}`),
	})

	msg := decodeOne[domain.ChatMessage](t, h.gw.named("c-b", "newMessage"))
	assert.Equal(t, alice, msg.Sender)
	assert.Nil(t, msg.Receiver)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
}

func TestRejectedEventsReportErrors(t *testing.T) {
	h := newHarness(t)

	h.emit(t, "c-x", "bogus", map[string]string{})
	h.emit(t, "c-x", domain.EventRegisterPresence, domain.RegisterPresence{})
	require.NoError(t, h.relay.Dispatch(t.Context(), "c-x", domain.Envelope{Event: domain.EventOffer, Data: json.RawMessage(`"nope"`)}))
	require.NoError(t, h.relay.Flush(t.Context()))

	errs := h.gw.named("c-x", domain.EventError)
	require.Len(t, errs, 3)
	codes := make([]string, 0, len(errs))
	for _, env := range errs {
		var e domain.ErrorEvent
		require.NoError(t, env.Decode(&e))
		codes = append(codes, e.Code)
	}
	assert.Equal(t, []string{"unknown_event", "bad_request", "bad_request"}, codes)
}

func TestStoppedRelayRefusesWork(t *testing.T) {
	h := newHarness(t)
	h.relay.Stop()
	<-h.relay.done

	err := h.relay.Dispatch(context.Background(), "c-a", domain.Envelope{Event: domain.EventRegisterPresence})
	assert.ErrorIs(t, err, ErrRelayStopped)
	assert.ErrorIs(t, h.relay.Flush(context.Background()), ErrRelayStopped)
}
