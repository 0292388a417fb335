package session

import (
	"context"
	"sync"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/sip"
)

// SDPState is a state of the offer/answer negotiation.
type SDPState string

const (
	SDPStateInitial       SDPState = "initial"
	SDPStateOfferSent     SDPState = "offer_sent"
	SDPStateOfferReceived SDPState = "offer_received"
	SDPStateNegotiated    SDPState = "negotiated"
)

const (
	sdpEvtOfferSent      = "offer_sent"
	sdpEvtOfferReceived  = "offer_received"
	sdpEvtAnswerSent     = "answer_sent"
	sdpEvtAnswerReceived = "answer_received"
)

// SDPContext tracks the SDP offer/answer exchange of one session,
// RFC 3264 style:
//
//	Initial -> OfferSent | OfferReceived -> Negotiated
//
// with re-negotiation allowed from Negotiated. Invalid transitions are
// rejected and leave the state unchanged. An answer arriving before the media
// session exists is staged separately and taken once media is created.
type SDPContext struct {
	fsm *stateless.StateMachine

	mu           sync.Mutex
	localSDP     string
	remoteSDP    string
	stagedAnswer string
}

// NewSDPContext creates an SDP context in the initial state.
func NewSDPContext() *SDPContext {
	c := &SDPContext{}
	c.fsm = stateless.NewStateMachineWithMode(SDPStateInitial, stateless.FiringQueued)

	c.fsm.Configure(SDPStateInitial).
		Permit(sdpEvtOfferSent, SDPStateOfferSent).
		Permit(sdpEvtOfferReceived, SDPStateOfferReceived)

	c.fsm.Configure(SDPStateOfferSent).
		Permit(sdpEvtAnswerReceived, SDPStateNegotiated)

	c.fsm.Configure(SDPStateOfferReceived).
		Permit(sdpEvtAnswerSent, SDPStateNegotiated)

	c.fsm.Configure(SDPStateNegotiated).
		Permit(sdpEvtOfferSent, SDPStateOfferSent).
		Permit(sdpEvtOfferReceived, SDPStateOfferReceived)

	return c
}

// State returns the current negotiation state.
func (c *SDPContext) State() SDPState {
	return c.fsm.MustState().(SDPState) //nolint:forcetypeassert
}

// LocalSDP returns the last local description.
func (c *SDPContext) LocalSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

// RemoteSDP returns the last remote description.
func (c *SDPContext) RemoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

// OfferSent records a locally generated offer.
func (c *SDPContext) OfferSent(sdp string) error {
	return errtrace.Wrap(c.transition(sdpEvtOfferSent, sdp, &c.localSDP))
}

// OfferReceived records an offer from the remote party.
func (c *SDPContext) OfferReceived(sdp string) error {
	return errtrace.Wrap(c.transition(sdpEvtOfferReceived, sdp, &c.remoteSDP))
}

// AnswerSent records a locally generated answer completing the exchange.
func (c *SDPContext) AnswerSent(sdp string) error {
	return errtrace.Wrap(c.transition(sdpEvtAnswerSent, sdp, &c.localSDP))
}

// AnswerReceived records a remote answer completing the exchange.
func (c *SDPContext) AnswerReceived(sdp string) error {
	return errtrace.Wrap(c.transition(sdpEvtAnswerReceived, sdp, &c.remoteSDP))
}

func (c *SDPContext) transition(evt, sdp string, slot *string) error {
	if sdp == "" {
		return errtrace.Wrap(sip.NewInvalidArgumentError("empty sdp"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fsm.FireCtx(context.Background(), evt); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidSDPState,
			"%s in state %q", evt, string(c.State())))
	}
	*slot = sdp
	return nil
}

// StageAnswer stores a remote answer that arrived before the media session
// exists. The negotiation state is not advanced until the answer is applied.
func (c *SDPContext) StageAnswer(sdp string) {
	c.mu.Lock()
	c.stagedAnswer = sdp
	c.mu.Unlock()
}

// TakeStagedAnswer returns and clears the staged answer.
func (c *SDPContext) TakeStagedAnswer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sdp := c.stagedAnswer
	c.stagedAnswer = ""
	return sdp, sdp != ""
}
