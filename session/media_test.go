package session_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ghettovoice/govoip/session"
)

func TestLocalMediaManager_OfferAnswer(t *testing.T) {
	t.Parallel()

	media := session.NewLocalMediaManager("")
	id := session.NewSessionID()
	ctx := t.Context()

	if _, err := media.GenerateSDPOffer(ctx, id); !errors.Is(err, session.ErrNoMediaSession) {
		t.Fatalf("media.GenerateSDPOffer() without session error = %v, want %v", err, session.ErrNoMediaSession)
	}

	if err := media.CreateMediaSession(ctx, id); err != nil {
		t.Fatalf("media.CreateMediaSession() error = %v, want nil", err)
	}
	// Creating twice is a no-op, the port stays stable.
	if err := media.CreateMediaSession(ctx, id); err != nil {
		t.Fatalf("media.CreateMediaSession() repeat error = %v, want nil", err)
	}

	offer, err := media.GenerateSDPOffer(ctx, id)
	if err != nil {
		t.Fatalf("media.GenerateSDPOffer() error = %v, want nil", err)
	}
	if !strings.Contains(offer, "m=audio") || !strings.Contains(offer, "PCMU/8000") {
		t.Fatalf("media.GenerateSDPOffer() = %q, want audio description", offer)
	}
	if !strings.Contains(offer, "c=IN IP4 127.0.0.1") {
		t.Fatalf("media.GenerateSDPOffer() = %q, want default loopback host", offer)
	}

	// The generated offer is valid input for the answer path.
	if err = media.ProcessSDPAnswer(ctx, id, offer); err != nil {
		t.Fatalf("media.ProcessSDPAnswer() error = %v, want nil", err)
	}
	info, ok := media.MediaInfo(id)
	if !ok {
		t.Fatal("media.MediaInfo() = false, want true")
	}
	if info.LocalSDP != offer || info.RemoteSDP != offer {
		t.Fatal("media.MediaInfo() descriptions do not match the exchange")
	}
	if info.LocalPort == 0 {
		t.Fatal("media.MediaInfo() LocalPort = 0, want allocated port")
	}

	if err = media.ProcessSDPAnswer(ctx, id, "not sdp at all"); err == nil {
		t.Fatal("media.ProcessSDPAnswer(malformed) error = nil, want error")
	}
	if err = media.ProcessSDPAnswer(ctx, id, "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nt=0 0\r\n"); err == nil {
		t.Fatal("media.ProcessSDPAnswer(no media line) error = nil, want error")
	}
}

func TestLocalMediaManager_HoldResumeTerminate(t *testing.T) {
	t.Parallel()

	media := session.NewLocalMediaManager("10.0.0.9")
	id := session.NewSessionID()
	ctx := t.Context()

	if err := media.CreateMediaSession(ctx, id); err != nil {
		t.Fatalf("media.CreateMediaSession() error = %v, want nil", err)
	}

	if err := media.Hold(ctx, id); err != nil {
		t.Fatalf("media.Hold() error = %v, want nil", err)
	}
	info, _ := media.MediaInfo(id)
	if !info.OnHold {
		t.Fatal("media.MediaInfo() OnHold = false, want true")
	}
	if err := media.Resume(ctx, id); err != nil {
		t.Fatalf("media.Resume() error = %v, want nil", err)
	}
	info, _ = media.MediaInfo(id)
	if info.OnHold {
		t.Fatal("media.MediaInfo() OnHold = true, want false")
	}

	if err := media.TerminateMediaSession(ctx, id); err != nil {
		t.Fatalf("media.TerminateMediaSession() error = %v, want nil", err)
	}
	if _, ok := media.MediaInfo(id); ok {
		t.Fatal("media.MediaInfo() after terminate = true, want false")
	}
	if err := media.Hold(ctx, id); !errors.Is(err, session.ErrNoMediaSession) {
		t.Fatalf("media.Hold() after terminate error = %v, want %v", err, session.ErrNoMediaSession)
	}
	// Terminating an unknown session is not an error.
	if err := media.TerminateMediaSession(ctx, session.NewSessionID()); err != nil {
		t.Fatalf("media.TerminateMediaSession(unknown) error = %v, want nil", err)
	}
}
