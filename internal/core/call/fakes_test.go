package call

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

// fakeSignal is an in-memory relay connection. Emitted frames are recorded
// and can be answered synchronously through respond.
type fakeSignal struct {
	mu       sync.Mutex
	handlers map[domain.EventName]map[int]func(domain.Envelope)
	next     int
	sent     chan domain.Envelope
	emitErr  error
	respond  func(env domain.Envelope)
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		handlers: make(map[domain.EventName]map[int]func(domain.Envelope)),
		sent:     make(chan domain.Envelope, 256),
	}
}

func (s *fakeSignal) Emit(_ context.Context, name domain.EventName, data any) error {
	env, err := domain.NewEnvelope(name, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	emitErr, respond := s.emitErr, s.respond
	s.mu.Unlock()
	if emitErr != nil {
		return emitErr
	}
	s.sent <- env
	if respond != nil {
		respond(env)
	}
	return nil
}

func (s *fakeSignal) On(name domain.EventName, fn func(domain.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[name] == nil {
		s.handlers[name] = make(map[int]func(domain.Envelope))
	}
	id := s.next
	s.next++
	s.handlers[name][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[name], id)
	}
}

func (s *fakeSignal) deliver(t *testing.T, name domain.EventName, data any) {
	t.Helper()
	env, err := domain.NewEnvelope(name, data)
	require.NoError(t, err)

	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers[name]))
	for id := range s.handlers[name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(domain.Envelope), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.handlers[name][id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (s *fakeSignal) listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, hs := range s.handlers {
		n += len(hs)
	}
	return n
}

// expect waits for the next emitted frame named name, skipping others.
func (s *fakeSignal) expect(t *testing.T, name domain.EventName, v any) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.sent:
			if env.Event != name {
				continue
			}
			if v != nil {
				require.NoError(t, env.Decode(v))
			}
			return
		case <-deadline:
			t.Fatalf("no %s emitted", name)
		}
	}
}

// count drains the emitted frames and counts those named name.
func (s *fakeSignal) count(name domain.EventName) int {
	n := 0
	for {
		select {
		case env := <-s.sent:
			if env.Event == name {
				n++
			}
		default:
			return n
		}
	}
}

type fakeLocal struct {
	kind  domain.CallKind
	mu    sync.Mutex
	stops int
}

func (m *fakeLocal) Kind() domain.CallKind { return m.kind }

func (m *fakeLocal) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *fakeLocal) stopped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type fakeMedia struct {
	mu   sync.Mutex
	err  error
	last *fakeLocal
}

func (f *fakeMedia) Acquire(_ context.Context, kind domain.CallKind) (port.LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.last = &fakeLocal{kind: kind}
	return f.last, nil
}

type fakePeer struct {
	mu         sync.Mutex
	local      []domain.SessionDescription
	remote     []domain.SessionDescription
	candidates []string
	restarts   int
	closes     int
	media      port.LocalMedia

	onCandidate    func(domain.ICECandidate)
	onTrack        func(domain.RemoteTrack)
	onConnectivity func(domain.Connectivity)
	state          domain.Connectivity
}

func (p *fakePeer) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if iceRestart {
		p.restarts++
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) AddMedia(m port.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media = m
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(domain.ICECandidate)) { p.onCandidate = fn }
func (p *fakePeer) OnRemoteTrack(fn func(domain.RemoteTrack))     { p.onTrack = fn }
func (p *fakePeer) OnConnectivityChange(fn func(domain.Connectivity)) {
	p.onConnectivity = fn
}

func (p *fakePeer) Connectivity() domain.Connectivity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) set(state domain.Connectivity) {
	p.mu.Lock()
	p.state = state
	fn := p.onConnectivity
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeer) snapshot() (local, remote int, candidates []string, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local), len(p.remote), append([]string(nil), p.candidates...), p.closes
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(context.Context, domain.CallKind) (port.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{state: domain.ConnectivityNew}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}
