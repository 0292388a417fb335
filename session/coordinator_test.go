package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/govoip/internal/testutil/sipmock"
	"github.com/ghettovoice/govoip/session"
	"github.com/ghettovoice/govoip/sip"
)

func callFrom() sip.NameAddr {
	return sip.NameAddr{URI: sip.URI{User: "alice", Addr: sip.Host("voip.com")}}
}

func callTo() sip.NameAddr {
	return sip.NameAddr{URI: sip.URI{User: "bob", Addr: sip.Host("voip.com")}}
}

// startCoordinator creates a coordinator and runs its event loop until the
// test ends.
func startCoordinator(
	tb testing.TB,
	media session.MediaManager,
	opts *session.CoordinatorOptions,
) *session.Coordinator {
	tb.Helper()
	coord, err := session.NewCoordinator(media, opts)
	if err != nil {
		tb.Fatalf("session.NewCoordinator() error = %v, want nil", err)
	}
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		coord.Run(ctx) //nolint:errcheck
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
	})
	return coord
}

func waitForCallState(tb testing.TB, sess *session.Session, want session.CallState) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != want {
		if time.Now().After(deadline) {
			tb.Fatalf("session state = %q, want %q", sess.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitSignal(tb testing.TB, ch <-chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		tb.Fatalf("no %s within 2s", what)
	}
}

func TestCoordinator_CreateSession(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	policy := session.NewResourcePolicy(1, 0)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{Policy: policy})

	created := make(chan struct{}, 1)
	coord.Subscribe(func(evt session.SessionEvent) {
		if _, ok := evt.(session.SessionCreatedEvent); ok {
			created <- struct{}{}
		}
	})

	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), "")
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	if got, want := sess.State(), session.CallStateInitiating; got != want {
		t.Fatalf("sess.State() = %q, want %q", got, want)
	}
	if !sess.From().URI.Equal(callFrom().URI) {
		t.Fatalf("sess.From() = %v, want %v", sess.From(), callFrom())
	}
	waitSignal(t, created, "created event")

	if got, want := coord.Registry().Len(), 1; got != want {
		t.Fatalf("coord.Registry().Len() = %d, want %d", got, want)
	}
	got, ok := coord.Registry().Get(sess.ID())
	if !ok || got != sess {
		t.Fatalf("coord.Registry().Get() = %v, %v, want created session", got, ok)
	}

	// Slot limit applies to the second session.
	if _, err = coord.CreateSession(t.Context(), callFrom(), callTo(), ""); !errors.Is(err, session.ErrResourceExhausted) {
		t.Fatalf("coord.CreateSession() over limit error = %v, want %v", err, session.ErrResourceExhausted)
	}
	if got, want := coord.Registry().Len(), 1; got != want {
		t.Fatalf("coord.Registry().Len() = %d, want %d", got, want)
	}
}

func TestCoordinator_EstablishWithStagedAnswer(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	handler := sipmock.NewMockCallHandler(ctrl)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{Handler: handler})

	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), "")
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	id := sess.ID()

	handler.EXPECT().OnCallStateChanged(gomock.Any(), sess, gomock.Any(), gomock.Any()).AnyTimes()
	media.EXPECT().CreateMediaSession(gomock.Any(), id).Return(nil)
	media.EXPECT().ProcessSDPAnswer(gomock.Any(), id, "v=0 remote answer").Return(nil)
	type sdpPair struct{ local, remote string }
	established := make(chan sdpPair, 1)
	handler.EXPECT().OnCallEstablished(gomock.Any(), sess, gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, _ *session.Session, localSDP, remoteSDP string) {
			established <- sdpPair{localSDP, remoteSDP}
		})

	post := func(evt session.SessionEvent) {
		t.Helper()
		if err := coord.PostEvent(t.Context(), evt); err != nil {
			t.Fatalf("coord.PostEvent() error = %v, want nil", err)
		}
	}

	post(session.SdpEvent{
		EventBase: session.NewSessionEvent(id),
		Kind:      session.SdpEventKindLocalOffer,
		SDP:       "v=0 local offer",
	})
	// The answer arrives before the media session exists and is staged.
	post(session.SdpEvent{
		EventBase: session.NewSessionEvent(id),
		Kind:      session.SdpEventKindRemoteAnswer,
		SDP:       "v=0 remote answer",
	})
	post(session.StateChangedEvent{
		EventBase: session.NewSessionEvent(id),
		Old:       session.CallStateInitiating,
		New:       session.CallStateRinging,
	})
	waitForCallState(t, sess, session.CallStateRinging)
	if sess.MediaUp() {
		t.Fatal("sess.MediaUp() before answer = true, want false")
	}

	// Activation creates media and applies the staged answer.
	post(session.StateChangedEvent{
		EventBase: session.NewSessionEvent(id),
		Old:       session.CallStateRinging,
		New:       session.CallStateActive,
	})

	select {
	case got := <-established:
		want := sdpPair{"v=0 local offer", "v=0 remote answer"}
		if got != want {
			t.Fatalf("OnCallEstablished sdp = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no OnCallEstablished within 2s")
	}
	if !sess.MediaUp() {
		t.Fatal("sess.MediaUp() = false, want true")
	}
	if got, want := sess.SDP().State(), session.SDPStateNegotiated; got != want {
		t.Fatalf("sdp state = %q, want %q", got, want)
	}
	if sess.AnsweredAt().IsZero() {
		t.Fatal("sess.AnsweredAt() is zero after activation")
	}
}

func TestCoordinator_HoldResume(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	coord := startCoordinator(t, media, nil)

	media.EXPECT().CreateMediaSession(gomock.Any(), gomock.Any()).Return(nil)
	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), session.CallStateActive)
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	id := sess.ID()

	held := make(chan struct{}, 1)
	media.EXPECT().Hold(gomock.Any(), id).DoAndReturn(func(context.Context, session.SessionID) error {
		held <- struct{}{}
		return nil
	})
	resumed := make(chan struct{}, 1)
	media.EXPECT().Resume(gomock.Any(), id).DoAndReturn(func(context.Context, session.SessionID) error {
		resumed <- struct{}{}
		return nil
	})

	if err = coord.PostEvent(t.Context(), session.StateChangedEvent{
		EventBase: session.NewSessionEvent(id),
		Old:       session.CallStateActive,
		New:       session.CallStateOnHold,
	}); err != nil {
		t.Fatalf("coord.PostEvent() error = %v, want nil", err)
	}
	waitSignal(t, held, "media hold")
	waitForCallState(t, sess, session.CallStateOnHold)

	if err = coord.PostEvent(t.Context(), session.StateChangedEvent{
		EventBase: session.NewSessionEvent(id),
		Old:       session.CallStateOnHold,
		New:       session.CallStateActive,
	}); err != nil {
		t.Fatalf("coord.PostEvent() error = %v, want nil", err)
	}
	waitSignal(t, resumed, "media resume")
	waitForCallState(t, sess, session.CallStateActive)
}

func TestCoordinator_TwoPhaseTermination(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	handler := sipmock.NewMockCallHandler(ctrl)
	policy := session.NewResourcePolicy(1, 0)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{
		Handler:        handler,
		Policy:         policy,
		CleanupTimeout: time.Minute,
	})

	media.EXPECT().CreateMediaSession(gomock.Any(), gomock.Any()).Return(nil)
	handler.EXPECT().OnCallStateChanged(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), session.CallStateActive)
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	id := sess.ID()

	var terminatedEvts atomic.Int32
	coord.Subscribe(func(evt session.SessionEvent) {
		if _, ok := evt.(session.SessionTerminatedEvent); ok {
			terminatedEvts.Add(1)
		}
	})

	media.EXPECT().TerminateMediaSession(gomock.Any(), id).Return(nil)
	ended := make(chan string, 1)
	handler.EXPECT().OnCallEnded(gomock.Any(), sess, gomock.Any()).
		Do(func(_ context.Context, _ *session.Session, reason string) { ended <- reason })

	if err = coord.TerminateSession(t.Context(), id, "bye"); err != nil {
		t.Fatalf("coord.TerminateSession() error = %v, want nil", err)
	}
	waitForCallState(t, sess, session.CallStateTerminating)

	// The media layer confirms on its own, the client layer confirmation
	// completes the handshake.
	if err = coord.PostEvent(t.Context(), session.CleanupConfirmationEvent{
		EventBase: session.NewSessionEvent(id),
		Layer:     session.CleanupLayerClient,
	}); err != nil {
		t.Fatalf("coord.PostEvent() error = %v, want nil", err)
	}

	select {
	case reason := <-ended:
		if reason != "bye" {
			t.Fatalf("OnCallEnded reason = %q, want %q", reason, "bye")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no OnCallEnded within 2s")
	}
	if got, want := sess.State(), session.CallStateTerminated; got != want {
		t.Fatalf("sess.State() = %q, want %q", got, want)
	}
	if got := coord.Registry().Len(); got != 0 {
		t.Fatalf("coord.Registry().Len() = %d, want 0", got)
	}
	if got := policy.Sessions(); got != 0 {
		t.Fatalf("policy.Sessions() = %d, want 0", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := terminatedEvts.Load(); got != 1 {
		t.Fatalf("terminated events = %d, want 1", got)
	}
}

func TestCoordinator_CleanupTimeout(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	handler := sipmock.NewMockCallHandler(ctrl)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{
		Handler:        handler,
		CleanupTimeout: 30 * time.Millisecond,
	})

	media.EXPECT().CreateMediaSession(gomock.Any(), gomock.Any()).Return(nil)
	handler.EXPECT().OnCallStateChanged(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), session.CallStateActive)
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}

	media.EXPECT().TerminateMediaSession(gomock.Any(), sess.ID()).Return(nil)
	ended := make(chan string, 1)
	handler.EXPECT().OnCallEnded(gomock.Any(), sess, gomock.Any()).
		Do(func(_ context.Context, _ *session.Session, reason string) { ended <- reason })

	// The client layer never confirms, the timeout finishes the termination.
	if err = coord.TerminateSession(t.Context(), sess.ID(), "timeout test"); err != nil {
		t.Fatalf("coord.TerminateSession() error = %v, want nil", err)
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("no OnCallEnded within 2s")
	}
	if got, want := sess.State(), session.CallStateTerminated; got != want {
		t.Fatalf("sess.State() = %q, want %q", got, want)
	}
	if got := coord.Registry().Len(); got != 0 {
		t.Fatalf("coord.Registry().Len() = %d, want 0", got)
	}
}

func TestCoordinator_Registration(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{
		Policy: session.NewResourcePolicy(0, 1),
	})

	post := func(aor sip.URI) error {
		t.Helper()
		done := make(chan error, 1)
		if err := coord.PostEvent(t.Context(), session.RegistrationRequestEvent{
			AOR:     aor,
			Contact: aliceContact(),
			Expires: time.Minute,
			Done:    func(err error) { done <- err },
		}); err != nil {
			t.Fatalf("coord.PostEvent() error = %v, want nil", err)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("no registration outcome within 2s")
			return nil
		}
	}

	if err := post(aliceAOR()); err != nil {
		t.Fatalf("registration error = %v, want nil", err)
	}
	if _, ok := coord.Registrar().Lookup(aliceAOR()); !ok {
		t.Fatal("coord.Registrar().Lookup() = false, want true")
	}

	err := post(sip.URI{User: "bob", Addr: sip.Host("voip.com")})
	if !errors.Is(err, session.ErrRegistrationTimeout) {
		t.Fatalf("registration over capacity error = %v, want %v", err, session.ErrRegistrationTimeout)
	}
}

func TestCoordinator_MediaQuality(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	handler := sipmock.NewMockCallHandler(ctrl)
	coord := startCoordinator(t, media, &session.CoordinatorOptions{Handler: handler})

	sess, err := coord.CreateSession(t.Context(), callFrom(), callTo(), "")
	if err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	id := sess.ID()

	info := session.MediaInfo{LocalSDP: "v=0 local"}
	media.EXPECT().MediaInfo(id).Return(info, true)
	reported := make(chan session.MediaInfo, 1)
	handler.EXPECT().OnMediaQuality(gomock.Any(), sess, gomock.Any()).
		Do(func(_ context.Context, _ *session.Session, got session.MediaInfo) { reported <- got })

	if err = coord.PostEvent(t.Context(), session.MediaEvent{
		EventBase: session.NewSessionEvent(id),
		Kind:      session.MediaEventKindQualityReport,
	}); err != nil {
		t.Fatalf("coord.PostEvent() error = %v, want nil", err)
	}

	select {
	case got := <-reported:
		if got.LocalSDP != info.LocalSDP {
			t.Fatalf("OnMediaQuality info = %+v, want %+v", got, info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no OnMediaQuality within 2s")
	}
}

func TestCoordinator_SubscriberPanic(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	coord := startCoordinator(t, media, nil)

	coord.Subscribe(func(session.SessionEvent) { panic("boom") })
	seen := make(chan struct{}, 2)
	coord.Subscribe(func(session.SessionEvent) { seen <- struct{}{} })

	// The loop survives the panicking subscriber and keeps delivering.
	if _, err := coord.CreateSession(t.Context(), callFrom(), callTo(), ""); err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	waitSignal(t, seen, "first event")
	if _, err := coord.CreateSession(t.Context(), callFrom(), callTo(), ""); err != nil {
		t.Fatalf("coord.CreateSession() error = %v, want nil", err)
	}
	waitSignal(t, seen, "second event")
}

func TestCoordinator_Close(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	media := sipmock.NewMockMediaManager(ctrl)
	coord := startCoordinator(t, media, nil)

	coord.Close()
	if _, err := coord.CreateSession(t.Context(), callFrom(), callTo(), ""); !errors.Is(err, session.ErrCoordinatorClosed) {
		t.Fatalf("coord.CreateSession() after close error = %v, want %v", err, session.ErrCoordinatorClosed)
	}
	err := coord.PostEvent(t.Context(), session.WarningEvent{Message: "late"})
	if !errors.Is(err, session.ErrCoordinatorClosed) {
		t.Fatalf("coord.PostEvent() after close error = %v, want %v", err, session.ErrCoordinatorClosed)
	}
	// Close is idempotent.
	coord.Close()
}
