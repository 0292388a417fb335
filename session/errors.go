package session

import (
	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
)

// Error is a sentinel error of the session package.
type Error = errorutil.Error

const (
	ErrSessionNotFound     Error = "session not found"
	ErrSessionExists       Error = "session already exists"
	ErrInvalidCallState    Error = "invalid call state"
	ErrInvalidSDPState     Error = "invalid sdp negotiation state"
	ErrCoordinatorClosed   Error = "session coordinator closed"
	ErrResourceExhausted   Error = "resource limit reached"
	ErrRegistrationTimeout Error = "registration timed out"
	ErrNoMediaSession      Error = "no media session"
)

// NewInvalidStateError wraps [ErrInvalidCallState] reporting the current
// and the expected call states.
func NewInvalidStateError(current, expected CallState) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidCallState,
		"current %q, expected %q", string(current), string(expected)))
}
