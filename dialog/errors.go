package dialog

import (
	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
)

// Error is a sentinel error of the dialog package.
type Error = errorutil.Error

const (
	ErrDialogNotFound      Error = "dialog not found"
	ErrDialogExists        Error = "dialog already exists"
	ErrInvalidDialogState  Error = "invalid dialog state"
	ErrOutOfOrderRequest   Error = "out of order request"
	ErrRecoveryFailed      Error = "dialog recovery failed"
	ErrDialogManagerClosed Error = "dialog manager closed"
)

// NewInvalidStateError wraps [ErrInvalidDialogState] reporting the current
// and the expected dialog states.
func NewInvalidStateError(current, expected DialogState) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidDialogState,
		"current %q, expected %q", string(current), string(expected)))
}

func errorWrapOutOfOrder(got, last uint32) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrOutOfOrderRequest,
		"CSeq %d is not above %d", got, last))
}
