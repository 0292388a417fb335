package session

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// CallHandler receives application level call notifications. Callbacks are
// dispatched as fire-and-forget goroutines with panic recovery, they must be
// safe to call repeatedly and never get a chance to block the event loop.
type CallHandler interface {
	// OnCallStateChanged fires on every call state transition.
	OnCallStateChanged(ctx context.Context, sess *Session, old, new CallState)
	// OnCallEstablished fires when the call becomes active, with the
	// negotiated descriptions.
	OnCallEstablished(ctx context.Context, sess *Session, localSDP, remoteSDP string)
	// OnCallEnded fires once the session reached a terminal state.
	OnCallEnded(ctx context.Context, sess *Session, reason string)
	// OnMediaQuality fires on media quality reports.
	OnMediaQuality(ctx context.Context, sess *Session, info MediaInfo)
	// OnDTMF fires on received DTMF digits.
	OnDTMF(ctx context.Context, sess *Session, digit rune)
	// OnWarning fires on non-fatal session conditions.
	OnWarning(ctx context.Context, sess *Session, message string)
}

// NoopCallHandler is a [CallHandler] ignoring every notification.
// Embed it to implement only the callbacks of interest.
type NoopCallHandler struct{}

func (NoopCallHandler) OnCallStateChanged(context.Context, *Session, CallState, CallState) {}

func (NoopCallHandler) OnCallEstablished(context.Context, *Session, string, string) {}

func (NoopCallHandler) OnCallEnded(context.Context, *Session, string) {}

func (NoopCallHandler) OnMediaQuality(context.Context, *Session, MediaInfo) {}

func (NoopCallHandler) OnDTMF(context.Context, *Session, rune) {}

func (NoopCallHandler) OnWarning(context.Context, *Session, string) {}

// dispatch runs the handler callback in its own goroutine. A panicking
// handler is logged and never takes the event loop down.
func dispatch(log *slog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.LogAttrs(context.Background(), slog.LevelError, "call handler panicked",
					slog.String("callback", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		fn()
	}()
}
