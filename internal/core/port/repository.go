package port

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// PresenceRegistry maps a user to the one connection it currently owns.
// Absence is a normal result, never an error.
type PresenceRegistry interface {
	// Register upserts the entry and reports the handle it replaced, if any.
	Register(entry domain.PresenceEntry) (superseded domain.ConnID, replaced bool)
	Resolve(userID domain.UserID) (domain.ConnID, bool)
	UserOf(conn domain.ConnID) (domain.UserID, bool)
	// Remove deletes the entry owned by conn. A connection that has been
	// superseded owns nothing and removes nothing.
	Remove(conn domain.ConnID) (domain.UserID, bool)
	Snapshot() []domain.PresenceEntry
	Len() int
}

// CallSessionStore owns the live call sessions.
type CallSessionStore interface {
	Create(ctx context.Context, s domain.CallSession) error
	Get(id domain.CallID) (domain.CallSession, bool)
	Transition(ctx context.Context, id domain.CallID, to domain.CallStatus, at time.Time) (domain.CallSession, error)
	Delete(ctx context.Context, id domain.CallID) (domain.CallSession, bool)
	List() []domain.CallSession
	Len() int
}
