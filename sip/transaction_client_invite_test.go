package sip_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/govoip/internal/testutil/sipmock"
	"github.com/ghettovoice/govoip/sip"
)

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	// A slightly bigger T1 keeps timer A from firing before responses are injected.
	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 32*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".client-accepted")

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	defer tx.Terminate(ctx) //nolint:errcheck

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if !call.req.IsInvite() {
		t.Fatalf("initial send method = %q, want INVITE", call.req.Method)
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	resCh := make(chan *sip.Response, 3)
	tx.OnResponse(func(res *sip.Response) { resCh <- res })

	if err = tx.RecvResponse(ctx, newRes(t, req, 180)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, 180)
	tp.drainSendReqs()

	ok := newRes(t, req, 200)
	if err = tx.RecvResponse(ctx, ok); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, 200)

	// A retransmitted 2xx keeps the transaction accepted and reaches the TU.
	if err = tx.RecvResponse(ctx, ok.Clone()); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200 retransmit) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, 200)
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeM()+200*time.Millisecond)
	tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".client-rejected")

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	tp.waitSendReq(t, 100*time.Millisecond)

	resCh := make(chan *sip.Response, 2)
	tx.OnResponse(func(res *sip.Response) { resCh <- res })

	if err = tx.RecvResponse(ctx, newRes(t, req, 180)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, 180)
	tp.drainSendReqs()

	decline := newRes(t, req, 603)
	if err = tx.RecvResponse(ctx, decline); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, 603)
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ackCall := tp.waitSendReq(t, 100*time.Millisecond)
	if !ackCall.req.IsAck() {
		t.Fatalf("sent %v, want ACK", ackCall.req.Method)
	}
	if got, want := ackCall.req.To.Tag(), decline.To.Tag(); got != want {
		t.Fatalf("ACK To tag = %q, want %q", got, want)
	}

	// A retransmitted final response triggers another ACK, not another TU delivery.
	if err = tx.RecvResponse(ctx, decline.Clone()); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603 retransmit) error = %v, want nil", err)
	}
	retransAck := tp.waitSendReq(t, 100*time.Millisecond)
	if !retransAck.req.IsAck() {
		t.Fatalf("sent %v, want ACK retransmit", retransAck.req.Method)
	}
	select {
	case res := <-resCh:
		t.Fatalf("unexpected TU delivery of %v retransmit", res.Status)
	default:
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeD()+200*time.Millisecond)
	tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestInviteClientTransaction_RetransmitBackoff(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	// T2 at 2*T1 makes the cap reachable within two retransmits.
	timings := sip.NewTimings(t1, 2*t1, 10*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".client-backoff")

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	defer tx.Terminate(ctx) //nolint:errcheck

	// Initial send plus at least two timer A retransmits at T1 and 2*T1.
	tp.waitSendReq(t, 100*time.Millisecond)
	first := time.Now()
	tp.waitSendReq(t, 4*t1)
	tp.waitSendReq(t, 4*t1)
	elapsed := time.Since(first)
	if elapsed < 2*t1 {
		t.Fatalf("second retransmit after %v, want at least %v of backoff", elapsed, 2*t1)
	}

	// The interval stays capped at T2: uncapped doubling would put these
	// two retransmits at 4*T1 and 8*T1 and blow the wait deadlines.
	tp.waitSendReq(t, 4*t1)
	tp.waitSendReq(t, 4*t1)

	// A provisional response stops retransmission.
	if err = tx.RecvResponse(ctx, newRes(t, req, 100)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 100) error = %v, want nil", err)
	}
	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 8*t1)
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 6*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".client-timeout")

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	if err = tx.Init(t.Context()); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeB()+300*time.Millisecond)

	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}
	if res := tx.LastResponse(); res != nil {
		t.Fatalf("tx.LastResponse() = %v, want nil", res.Status)
	}
}

func TestInviteClientTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 16*t1, time.Minute)

	origTP := newStubTransport(sip.TransportProtoTCP, true)
	req := newInviteReq(t, origTP.Proto(), sip.MagicCookie+".client-snapshot")

	tx, err := sip.NewInviteClientTransaction(req, origTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	origTP.waitSendReq(t, 100*time.Millisecond)

	decline := newRes(t, req, 603)
	if err = tx.RecvResponse(ctx, decline); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	origTP.waitSendReq(t, 100*time.Millisecond)

	snap := tx.Snapshot()
	if snap == nil {
		t.Fatal("tx.Snapshot() = nil, want snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snapshot) error = %v, want nil", err)
	}
	var snapCopy sip.ClientTransactionSnapshot
	if err = json.Unmarshal(data, &snapCopy); err != nil {
		t.Fatalf("json.Unmarshal(snapshot) error = %v, want nil", err)
	}

	restoredTP := newStubTransport(sip.TransportProtoTCP, true)
	restored, err := sip.RestoreInviteClientTransaction(&snapCopy, restoredTP, nil)
	if err != nil {
		t.Fatalf("sip.RestoreInviteClientTransaction() error = %v, want nil", err)
	}

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if got, want := restored.Key(), tx.Key(); !got.Equal(want) {
		t.Fatalf("restored.Key() = %v, want %v", got, want)
	}
	if res := restored.LastResponse(); res == nil || res.Status != 603 {
		t.Fatalf("restored.LastResponse() = %v, want 603", res)
	}

	// A retransmitted final response still triggers an ACK after the restore.
	if err = restored.RecvResponse(ctx, decline.Clone()); err != nil {
		t.Fatalf("restored.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	ack := restoredTP.waitSendReq(t, 100*time.Millisecond)
	if !ack.req.IsAck() {
		t.Fatalf("sent %v, want ACK retransmit", ack.req.Method)
	}

	restored.Terminate(ctx) //nolint:errcheck
}

func TestInviteClientTransaction_Terminate_Idempotent(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".terminate-idempotent")

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	stateCh := make(chan sip.TransactionState, 1)
	tx.OnStateChanged(func(state sip.TransactionState) {
		if state == sip.TransactionStateTerminated {
			select {
			case stateCh <- state:
			default:
			}
		}
	})

	if err = tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	if err = tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() retry error = %v, want nil", err)
	}

	select {
	case <-stateCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("OnStateChanged callback wait timeout")
	}
	if got := tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("tx.State() = %q, want %q", got, sip.TransactionStateTerminated)
	}
	tp.ensureNoSendReq(t, 2*t1)
}

func TestInviteClientTransaction_MatchResponse(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".match")

	tx, err := sip.NewInviteClientTransaction(req, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	if !tx.MatchResponse(newRes(t, req, 180)) {
		t.Error("tx.MatchResponse(own 180) = false, want true")
	}

	other := newInviteReq(t, tp.Proto(), sip.MagicCookie+".other")
	if tx.MatchResponse(newRes(t, other, 180)) {
		t.Error("tx.MatchResponse(foreign 180) = true, want false")
	}
	if err := tx.RecvResponse(t.Context(), newRes(t, other, 180)); !errors.Is(err, sip.ErrMessageNotMatched) {
		t.Errorf("tx.RecvResponse(foreign 180) error = %v, want %v", err, sip.ErrMessageNotMatched)
	}
}

func TestInviteClientTransaction_SendFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	tp := sipmock.NewMockTransport(ctrl)
	tp.EXPECT().Proto().Return(sip.TransportProtoUDP).AnyTimes()
	tp.EXPECT().Reliable().Return(false).AnyTimes()
	tp.EXPECT().SendRequest(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(error(sip.ErrTransportClosed)).AnyTimes()

	req := newInviteReq(t, sip.TransportProtoUDP, sip.MagicCookie+".send-fail")
	tx, err := sip.NewInviteClientTransaction(req, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("tx.Init() error = %v, want %v", err, sip.ErrTransportClosed)
	}
	// The send failure does not move the state machine, the caller decides.
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() after failed send = %q, want %q", got, want)
	}
	if err = tx.Retry(ctx); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("tx.Retry() error = %v, want %v", err, sip.ErrTransportClosed)
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() after failed retry = %q, want %q", got, want)
	}

	if err = tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
	if err = tx.Retry(ctx); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("tx.Retry() after terminate error = %v, want %v", err, sip.ErrActionNotAllowed)
	}
}

func TestInviteClientTransaction_Retry(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportProtoUDP, true)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".retry")

	tx, err := sip.NewInviteClientTransaction(req, tp, nil)
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	defer tx.Terminate(ctx) //nolint:errcheck

	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	first := tp.waitSendReq(t, time.Second)
	if err = tx.Retry(ctx); err != nil {
		t.Fatalf("tx.Retry() error = %v, want nil", err)
	}
	second := tp.waitSendReq(t, time.Second)

	// The retry goes out with the original branch.
	via0, _ := first.req.TopVia()
	via1, _ := second.req.TopVia()
	if via0.Branch() != via1.Branch() {
		t.Fatalf("retry branch = %q, want %q", via1.Branch(), via0.Branch())
	}
}
