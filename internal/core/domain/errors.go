package domain

import "errors"

var (
	ErrUserUnreachable       = errors.New("user unreachable")
	ErrCallExists            = errors.New("call already exists")
	ErrCallNotFound          = errors.New("call not found")
	ErrConnectionNotFound    = errors.New("connection not found")
	ErrDuplicateDescription  = errors.New("description already set")
	ErrUnexpectedDescription = errors.New("description not expected in this state")
	ErrNegotiationRace       = errors.New("negotiation already in flight")
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrMediaNotFound         = errors.New("media device not found")
	ErrMediaBusy             = errors.New("media device busy")
	ErrConnectivityLoss      = errors.New("connectivity lost")
	ErrRelayUnavailable      = errors.New("relay unavailable")
	ErrControllerClosed      = errors.New("controller closed")
)
