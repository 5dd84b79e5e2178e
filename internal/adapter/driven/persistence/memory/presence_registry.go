package memory

import (
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// PresenceRegistry implements port.PresenceRegistry.
type PresenceRegistry struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]domain.PresenceEntry
	byConn map[domain.ConnID]domain.UserID
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		byUser: make(map[domain.UserID]domain.PresenceEntry),
		byConn: make(map[domain.ConnID]domain.UserID),
	}
}

func (r *PresenceRegistry) Register(entry domain.PresenceEntry) (domain.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection owns at most one identity.
	if prevUser, ok := r.byConn[entry.Conn]; ok && prevUser != entry.UserID {
		delete(r.byUser, prevUser)
	}

	prev, had := r.byUser[entry.UserID]
	if had && prev.Conn != entry.Conn {
		delete(r.byConn, prev.Conn)
	}
	r.byUser[entry.UserID] = entry
	r.byConn[entry.Conn] = entry.UserID

	if had && prev.Conn != entry.Conn {
		return prev.Conn, true
	}
	return "", false
}

func (r *PresenceRegistry) Resolve(userID domain.UserID) (domain.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	return e.Conn, ok
}

func (r *PresenceRegistry) UserOf(conn domain.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[conn]
	return u, ok
}

func (r *PresenceRegistry) Remove(conn domain.ConnID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	delete(r.byUser, userID)
	return userID, true
}

// Snapshot returns the online set ordered by user id.
func (r *PresenceRegistry) Snapshot() []domain.PresenceEntry {
	r.mu.RLock()
	out := make([]domain.PresenceEntry, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *PresenceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
