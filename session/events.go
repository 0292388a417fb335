package session

import (
	"log/slog"
	"time"

	"github.com/ghettovoice/govoip/sip"
)

// SessionEvent is one entry of the coordinator event stream. The set of
// implementations is closed, external producers compose events from the
// types below.
type SessionEvent interface {
	// Session returns the session the event belongs to.
	Session() SessionID
	sessionEvent()
}

// CleanupLayer names a subsystem taking part in the two phase termination
// handshake.
type CleanupLayer string

const (
	CleanupLayerMedia  CleanupLayer = "media"
	CleanupLayerClient CleanupLayer = "client"
)

// MediaEventKind discriminates media lifecycle events.
type MediaEventKind string

const (
	// MediaEventKindCreateOnAckUAC requests media session creation on the
	// caller side once the ACK for the 2xx left the wire.
	MediaEventKindCreateOnAckUAC MediaEventKind = "create_on_ack_uac"
	// MediaEventKindCreateOnAckUAS requests media session creation on the
	// callee side once the ACK for the 2xx arrived.
	MediaEventKindCreateOnAckUAS MediaEventKind = "create_on_ack_uas"
	// MediaEventKindQualityReport carries a media quality update.
	MediaEventKindQualityReport MediaEventKind = "quality_report"
)

// SdpEventKind discriminates SDP negotiation events.
type SdpEventKind string

const (
	// SdpEventKindLocalOffer is the offer generated locally.
	SdpEventKindLocalOffer SdpEventKind = "local_offer"
	// SdpEventKindRemoteAnswer is the answer received from the remote party.
	SdpEventKindRemoteAnswer SdpEventKind = "remote_answer"
	// SdpEventKindFinalNegotiated is the negotiated description after the
	// offer/answer exchange completed.
	SdpEventKindFinalNegotiated SdpEventKind = "final_negotiated"
)

type EventBase struct {
	ID SessionID
}

func (e EventBase) Session() SessionID { return e.ID }

func (EventBase) sessionEvent() {}

// SessionCreatedEvent announces a freshly registered session.
type SessionCreatedEvent struct {
	EventBase
	State CallState
}

// StateChangedEvent requests a call state transition.
type StateChangedEvent struct {
	EventBase
	Old CallState
	New CallState
}

// DetailedStateChangeEvent is a StateChangedEvent with a reason and
// timestamp, used for diagnostics subscribers.
type DetailedStateChangeEvent struct {
	EventBase
	Old    CallState
	New    CallState
	Reason string
	At     time.Time
}

// SessionTerminatingEvent starts phase one of the two phase termination.
type SessionTerminatingEvent struct {
	EventBase
	Reason string
}

// SessionTerminatedEvent is phase two of the termination: the final state
// commit. Emitted by the coordinator when all tracked layers confirmed their
// cleanup or the cleanup timeout elapsed.
type SessionTerminatedEvent struct {
	EventBase
	Reason string
}

// CleanupConfirmationEvent reports that one layer finished its teardown.
type CleanupConfirmationEvent struct {
	EventBase
	Layer CleanupLayer
}

// cleanupTimeoutEvent is posted by the tracker timer when confirmations did
// not arrive in time. Internal to the coordinator.
type cleanupTimeoutEvent struct {
	EventBase
}

// MediaEvent drives the media session lifecycle.
type MediaEvent struct {
	EventBase
	Kind MediaEventKind
}

// SdpEvent carries an SDP description through the negotiation.
type SdpEvent struct {
	EventBase
	Kind SdpEventKind
	SDP  string
}

// RegistrationRequestEvent asks the registrar to bind a contact to an
// address of record. Done, when set, receives the outcome.
type RegistrationRequestEvent struct {
	EventBase
	AOR     sip.URI
	Contact sip.NameAddr
	Expires time.Duration
	Done    func(error)
}

// WarningEvent carries a non-fatal condition to the call handler.
type WarningEvent struct {
	EventBase
	Message string
}

// ErrorEvent carries a session scoped error to the call handler.
type ErrorEvent struct {
	EventBase
	Err error
}

// NewSessionEvent builds the base part of an event for the session.
func NewSessionEvent(id SessionID) EventBase { return EventBase{ID: id} }

func eventLogAttr(evt SessionEvent) slog.Attr {
	return slog.Group("event",
		slog.String("type", eventName(evt)),
		slog.String("session_id", evt.Session().String()))
}

func eventName(evt SessionEvent) string {
	switch evt.(type) {
	case SessionCreatedEvent:
		return "session_created"
	case StateChangedEvent:
		return "state_changed"
	case DetailedStateChangeEvent:
		return "detailed_state_change"
	case SessionTerminatingEvent:
		return "session_terminating"
	case SessionTerminatedEvent:
		return "session_terminated"
	case CleanupConfirmationEvent:
		return "cleanup_confirmation"
	case cleanupTimeoutEvent:
		return "cleanup_timeout"
	case MediaEvent:
		return "media"
	case SdpEvent:
		return "sdp"
	case RegistrationRequestEvent:
		return "registration_request"
	case WarningEvent:
		return "warning"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
