package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/looplab/fsm"
)

const (
	eventAccept = "accept"
	eventEnd    = "end"
)

type entry struct {
	session domain.CallSession
	status  *fsm.FSM
}

func newStatusMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(domain.StatusRinging),
		fsm.Events{
			{Name: eventAccept, Src: []string{string(domain.StatusRinging)}, Dst: string(domain.StatusConnected)},
			{Name: eventEnd, Src: []string{string(domain.StatusRinging), string(domain.StatusConnected)}, Dst: string(domain.StatusEnded)},
		},
		nil,
	)
}

// CallStore implements port.CallSessionStore. Every session carries its own
// status machine, so an illegal transition is rejected rather than applied.
type CallStore struct {
	mu       sync.RWMutex
	sessions map[domain.CallID]*entry
}

func NewCallStore() *CallStore {
	return &CallStore{
		sessions: make(map[domain.CallID]*entry),
	}
}

func (s *CallStore) Create(ctx context.Context, session domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("create %s: %w", session.ID, domain.ErrCallExists)
	}
	session.Status = domain.StatusRinging
	s.sessions[session.ID] = &entry{session: session, status: newStatusMachine()}
	return nil
}

func (s *CallStore) Get(id domain.CallID) (domain.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return domain.CallSession{}, false
	}
	return e.session, true
}

func (s *CallStore) Transition(ctx context.Context, id domain.CallID, to domain.CallStatus, at time.Time) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(ctx, id, to, at)
}

func (s *CallStore) transitionLocked(ctx context.Context, id domain.CallID, to domain.CallStatus, at time.Time) (domain.CallSession, error) {
	e, ok := s.sessions[id]
	if !ok {
		return domain.CallSession{}, fmt.Errorf("transition %s: %w", id, domain.ErrCallNotFound)
	}

	var event string
	switch to {
	case domain.StatusConnected:
		event = eventAccept
	case domain.StatusEnded:
		event = eventEnd
	default:
		return e.session, fmt.Errorf("transition %s: unsupported target %q", id, to)
	}

	if err := e.status.Event(ctx, event); err != nil {
		return e.session, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	e.session.Status = domain.CallStatus(e.status.Current())

	switch to {
	case domain.StatusConnected:
		e.session.AcceptedAt = at
	case domain.StatusEnded:
		delete(s.sessions, id)
	}
	return e.session, nil
}

// Delete ends and removes the session. The returned copy has status ended.
func (s *CallStore) Delete(ctx context.Context, id domain.CallID) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.transitionLocked(ctx, id, domain.StatusEnded, time.Now())
	if err != nil {
		return domain.CallSession{}, false
	}
	return session, true
}

// List returns the live sessions, oldest first.
func (s *CallStore) List() []domain.CallSession {
	s.mu.RLock()
	out := make([]domain.CallSession, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *CallStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
