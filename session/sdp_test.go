package session_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/govoip/session"
)

func TestSDPContext_OffererFlow(t *testing.T) {
	t.Parallel()

	c := session.NewSDPContext()
	if got, want := c.State(), session.SDPStateInitial; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	if err := c.OfferSent("v=0 local offer"); err != nil {
		t.Fatalf("c.OfferSent() error = %v, want nil", err)
	}
	if got, want := c.State(), session.SDPStateOfferSent; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	if err := c.AnswerReceived("v=0 remote answer"); err != nil {
		t.Fatalf("c.AnswerReceived() error = %v, want nil", err)
	}
	if got, want := c.State(), session.SDPStateNegotiated; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	if got, want := c.LocalSDP(), "v=0 local offer"; got != want {
		t.Fatalf("c.LocalSDP() = %q, want %q", got, want)
	}
	if got, want := c.RemoteSDP(), "v=0 remote answer"; got != want {
		t.Fatalf("c.RemoteSDP() = %q, want %q", got, want)
	}

	// Re-negotiation restarts the exchange from the negotiated state.
	if err := c.OfferReceived("v=0 remote re-offer"); err != nil {
		t.Fatalf("c.OfferReceived() after negotiation error = %v, want nil", err)
	}
	if got, want := c.State(), session.SDPStateOfferReceived; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	if err := c.AnswerSent("v=0 local answer"); err != nil {
		t.Fatalf("c.AnswerSent() error = %v, want nil", err)
	}
	if got, want := c.State(), session.SDPStateNegotiated; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
}

func TestSDPContext_InvalidTransition(t *testing.T) {
	t.Parallel()

	c := session.NewSDPContext()

	// An answer without an outstanding offer is rejected and the state
	// stays where it was.
	if err := c.AnswerReceived("v=0 answer"); !errors.Is(err, session.ErrInvalidSDPState) {
		t.Fatalf("c.AnswerReceived() error = %v, want %v", err, session.ErrInvalidSDPState)
	}
	if got, want := c.State(), session.SDPStateInitial; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	if got := c.RemoteSDP(); got != "" {
		t.Fatalf("c.RemoteSDP() = %q, want empty", got)
	}

	if err := c.OfferSent("v=0 offer"); err != nil {
		t.Fatalf("c.OfferSent() error = %v, want nil", err)
	}
	if err := c.AnswerSent("v=0 answer"); !errors.Is(err, session.ErrInvalidSDPState) {
		t.Fatalf("c.AnswerSent() after local offer error = %v, want %v", err, session.ErrInvalidSDPState)
	}
	if got, want := c.State(), session.SDPStateOfferSent; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
}

func TestSDPContext_EmptySDP(t *testing.T) {
	t.Parallel()

	c := session.NewSDPContext()
	if err := c.OfferSent(""); err == nil {
		t.Fatal("c.OfferSent(\"\") error = nil, want error")
	}
	if got, want := c.State(), session.SDPStateInitial; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
}

func TestSDPContext_StagedAnswer(t *testing.T) {
	t.Parallel()

	c := session.NewSDPContext()
	if _, ok := c.TakeStagedAnswer(); ok {
		t.Fatal("c.TakeStagedAnswer() on empty context = true, want false")
	}

	// Staging does not advance the negotiation.
	c.StageAnswer("v=0 early answer")
	if got, want := c.State(), session.SDPStateInitial; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	sdp, ok := c.TakeStagedAnswer()
	if !ok || sdp != "v=0 early answer" {
		t.Fatalf("c.TakeStagedAnswer() = %q, %v, want staged answer", sdp, ok)
	}
	// Taking clears the stage.
	if _, ok = c.TakeStagedAnswer(); ok {
		t.Fatal("c.TakeStagedAnswer() second call = true, want false")
	}
}
