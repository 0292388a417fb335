// Package session implements the call session layer: a single consumer event
// loop driving call state transitions, two phase termination across the media
// and signaling layers, and SDP offer/answer staging.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghettovoice/govoip/dialog"
	"github.com/ghettovoice/govoip/sip"
)

// SessionID uniquely identifies a call session.
type SessionID = uuid.UUID

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID { return uuid.New() }

// Session is a single call. The call state is written by the coordinator
// event loop only, everyone else reads.
type Session struct {
	id   SessionID
	from sip.NameAddr
	to   sip.NameAddr
	sdp  *SDPContext

	mu         sync.RWMutex
	state      CallState
	failReason string
	dialogKey  dialog.DialogKey
	startedAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	mediaUp    bool
}

func newSession(id SessionID, from, to sip.NameAddr, initial CallState) *Session {
	return &Session{
		id:        id,
		from:      from.Clone(),
		to:        to.Clone(),
		sdp:       NewSDPContext(),
		state:     initial,
		startedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() SessionID { return s.id }

// From returns the calling party address.
func (s *Session) From() sip.NameAddr { return s.from }

// To returns the called party address.
func (s *Session) To() sip.NameAddr { return s.to }

// SDP returns the per-session offer/answer context.
func (s *Session) SDP() *SDPContext { return s.sdp }

// State returns the current call state.
func (s *Session) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FailReason returns the reason of the failure for failed sessions.
func (s *Session) FailReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failReason
}

// DialogKey returns the key of the dialog backing the session, if bound.
func (s *Session) DialogKey() (dialog.DialogKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogKey, s.dialogKey.IsValid()
}

// BindDialog attaches the dialog key to the session.
func (s *Session) BindDialog(key dialog.DialogKey) {
	s.mu.Lock()
	s.dialogKey = key
	s.mu.Unlock()
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// AnsweredAt returns the time the call became active, zero before that.
func (s *Session) AnsweredAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answeredAt
}

// EndedAt returns the time the call reached a terminal state, zero before.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// MediaUp reports whether the media session exists.
func (s *Session) MediaUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaUp
}

func (s *Session) setMediaUp(up bool) {
	s.mu.Lock()
	s.mediaUp = up
	s.mu.Unlock()
}

// setState applies a validated call state transition.
// Only the coordinator calls it.
func (s *Session) setState(next CallState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransitionTo(next) {
		return NewInvalidStateError(s.state, next)
	}
	s.state = next
	switch next {
	case CallStateActive:
		if s.answeredAt.IsZero() {
			s.answeredAt = time.Now()
		}
	case CallStateFailed:
		s.failReason = reason
		s.endedAt = time.Now()
	case CallStateTerminated:
		s.endedAt = time.Now()
	default:
	}
	return nil
}

func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.id.String()),
		slog.String("state", string(s.State())),
		slog.Any("from", s.from),
		slog.Any("to", s.to),
	)
}
