package domain

import (
	"github.com/google/uuid"
)

// UserID is the stable identity handed out by the identity provider.
// The relay treats it as opaque.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// ConnID identifies one live transport connection.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func (id ConnID) String() string {
	return string(id)
}

type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}
