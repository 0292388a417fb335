package sip_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ghettovoice/govoip/sip"
)

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 4*t1, 16*t1, 2*t1)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-auto100")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	defer tx.Terminate(ctx) //nolint:errcheck

	// The transaction answers with 100 Trying on its own when the
	// application keeps silent past the 1xx deadline.
	call := tp.waitSendRes(t, 8*t1)
	if got, want := call.res.Status, sip.ResponseStatus(100); got != want {
		t.Fatalf("auto response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_ProceedingRetransmit(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 4*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-proceeding")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}
	defer tx.Terminate(ctx) //nolint:errcheck

	if err = tx.Respond(ctx, 180, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180, nil) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status, sip.ResponseStatus(180); got != want {
		t.Fatalf("sent response status = %v, want %v", got, want)
	}
	if got := tx.LastResponse(); got == nil || got.Status != 180 {
		t.Fatalf("tx.LastResponse() = %v, want 180 response", got)
	}

	// An INVITE retransmit is answered with the last provisional again.
	if err = tx.RecvRequest(ctx, req.Clone()); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmit) error = %v, want nil", err)
	}
	call = tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status, sip.ResponseStatus(180); got != want {
		t.Fatalf("retransmitted response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 4*t1, 4*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-accepted")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	if err = tx.Respond(ctx, 200, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status, sip.ResponseStatus(200); got != want {
		t.Fatalf("sent response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ackCh := make(chan *sip.Request, 1)
	tx.OnAck(func(ack *sip.Request) { ackCh <- ack })

	ack := req.Clone()
	ack.Method = sip.RequestMethodAck
	ack.CSeq.Method = sip.RequestMethodAck
	ack.To = call.res.To.Clone()
	if err = tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}
	select {
	case got := <-ackCh:
		if !got.Method.Equal(sip.RequestMethodAck) {
			t.Fatalf("passed up request method = %q, want ACK", got.Method)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected ACK passed up")
	}

	// Timer L closes the absorption period.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeL()+300*time.Millisecond)
}

func TestInviteServerTransaction_Rejected(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 3*t1, 4*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-rejected")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	if err = tx.Respond(ctx, 486, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486, nil) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status, sip.ResponseStatus(486); got != want {
		t.Fatalf("sent response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer G retransmits the final until the ACK arrives.
	retr := tp.waitSendRes(t, 4*t1)
	if got, want := retr.res.Status, sip.ResponseStatus(486); got != want {
		t.Fatalf("retransmitted response status = %v, want %v", got, want)
	}

	if err = tx.RecvRequest(ctx, newAckReq(t, req, call.res)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}
	waitForTransactState(t, tx, sip.TransactionStateConfirmed, 200*time.Millisecond)
	tp.drainSendRess()

	// ACK retransmits are absorbed, then timer I fires at T4.
	if err = tx.RecvRequest(ctx, newAckReq(t, req, call.res)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK retransmit) error = %v, want nil", err)
	}
	tp.ensureNoSendRes(t, 2*t1)
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeI()+300*time.Millisecond)
}

func TestInviteServerTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 2*t1, 4*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-timeout")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	if err = tx.Respond(ctx, 603, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 603, nil) error = %v, want nil", err)
	}

	// No ACK ever arrives, timer H gives up on the transaction.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeH()+300*time.Millisecond)
	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}
}

func TestInviteServerTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 4*t1, 16*t1, time.Minute)

	tp := newStubTransport(sip.TransportProtoTCP, true)
	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-snapshot")

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ctx := t.Context()
	if err = tx.Init(ctx); err != nil {
		t.Fatalf("tx.Init() error = %v, want nil", err)
	}

	if err = tx.Respond(ctx, 486, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486, nil) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)

	data, err := json.Marshal(tx.Snapshot())
	if err != nil {
		t.Fatalf("json.Marshal(tx.Snapshot()) error = %v, want nil", err)
	}
	snap := &sip.ServerTransactionSnapshot{}
	if err = json.Unmarshal(data, snap); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, want nil", err)
	}
	if err = tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}

	restored, err := sip.RestoreInviteServerTransaction(snap, tp, nil)
	if err != nil {
		t.Fatalf("sip.RestoreInviteServerTransaction() error = %v, want nil", err)
	}
	defer restored.Terminate(ctx) //nolint:errcheck

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if !restored.Key().Equal(tx.Key()) {
		t.Fatalf("restored.Key() = %v, want %v", restored.Key(), tx.Key())
	}
	if got := restored.LastResponse(); got == nil || got.Status != 486 {
		t.Fatalf("restored.LastResponse() = %v, want 486 response", got)
	}

	// The restored transaction still answers retransmits with the final.
	if err = restored.RecvRequest(ctx, req.Clone()); err != nil {
		t.Fatalf("restored.RecvRequest(ctx, retransmit) error = %v, want nil", err)
	}
	retr := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := retr.res.Status, sip.ResponseStatus(486); got != want {
		t.Fatalf("retransmitted response status = %v, want %v", got, want)
	}

	if err = restored.RecvRequest(ctx, newAckReq(t, req, call.res)); err != nil {
		t.Fatalf("restored.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}
	waitForTransactState(t, restored, sip.TransactionStateConfirmed, 200*time.Millisecond)
}

func TestInviteServerTransaction_RejectsNonInvite(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportProtoUDP, false)
	req := newNonInviteReq(t, tp.Proto(), sip.MagicCookie+".srv-invite-reject")

	if _, err := sip.NewInviteServerTransaction(req, tp, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("sip.NewInviteServerTransaction(INFO) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestInviteServerTransaction_StaleTimerDropped(t *testing.T) {
	t.Parallel()

	// Timer G races the ACK into the firing queue: when the ACK wins, the
	// queued retransmit trigger lands in Confirmed where it is unhandled and
	// must be dropped instead of crashing the process.
	t1 := time.Millisecond
	timings := sip.NewTimings(t1, 2*t1, 2*t1, 16*t1, time.Minute)
	ctx := t.Context()

	for i := range 25 {
		tp := newStubTransport(sip.TransportProtoUDP, false)
		req := newInviteReq(t, tp.Proto(), fmt.Sprintf("%s.srv-invite-stale-%d", sip.MagicCookie, i))

		tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
		}
		if err = tx.Init(ctx); err != nil {
			t.Fatalf("tx.Init() error = %v, want nil", err)
		}
		if err = tx.Respond(ctx, 486, nil); err != nil {
			t.Fatalf("tx.Respond(ctx, 486, nil) error = %v, want nil", err)
		}
		if err = tx.RecvRequest(ctx, newAckReq(t, req, tx.LastResponse())); err != nil {
			t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
		}
		waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
	}
}
