package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction state
// machine from RFC 3261 section 17.1.1, with the RFC 6026 Accepted state.
//
//	Calling -> Proceeding -> Accepted | Completed -> Terminated
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.SerializableTimer]
	tmrB atomic.Pointer[timeutil.SerializableTimer]
	tmrD atomic.Pointer[timeutil.SerializableTimer]
	tmrM atomic.Pointer[timeutil.SerializableTimer]

	ack atomic.Pointer[Request]
}

// NewInviteClientTransaction creates a new INVITE client transaction.
// Call [InviteClientTransaction.Init] to send the request and arm the timers.
func NewInviteClientTransaction(
	req *Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			"expected INVITE request, got %s", string(req.Method)))
	}

	tx := &InviteClientTransaction{}
	ct, err := newClientTransact(TransactionTypeInviteClient, TransactionStateCalling, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.setupFSM()
	return tx, nil
}

func (tx *InviteClientTransaction) setupFSM() {
	resType := reflect.TypeOf((*Response)(nil))
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminatedCln).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut)
}

// Init sends the INVITE and arms timers A (unreliable transport only) and B.
// The timers are armed even when the initial send fails, so an abandoned
// transaction still times out through timer B instead of lingering.
func (tx *InviteClientTransaction) Init(ctx context.Context) error {
	sendErr := tx.sendReq(ctx)
	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.NewTimer(tx.timings.TimeA())
		tmr.SetCallback(tx.timerAHdlr(tmr))
		tx.tmrA.Store(tmr)
	}
	tmrB := timeutil.NewTimer(tx.timings.TimeB())
	tmrB.SetCallback(tx.timerBHdlr())
	tx.tmrB.Store(tmrB)
	return errtrace.Wrap(sendErr)
}

// timerAHdlr retransmits the INVITE with a doubling backoff capped at T2.
func (tx *InviteClientTransaction) timerAHdlr(tmr *timeutil.SerializableTimer) func() {
	return func() {
		if tx.State() != TransactionStateCalling {
			return
		}
		tx.fireTimer(txEvtTimerA)
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteClientTransaction) timerBHdlr() func() {
	return func() {
		if tx.State() != TransactionStateCalling {
			return
		}
		tx.fireTimer(txEvtTimerB)
	}
}

func (tx *InviteClientTransaction) timerDHdlr() func() {
	return func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fireTimer(txEvtTimerD)
	}
}

func (tx *InviteClientTransaction) timerMHdlr() func() {
	return func() {
		if tx.State() != TransactionStateAccepted {
			return
		}
		tx.fireTimer(txEvtTimerM)
	}
}

// actProceeding stops request retransmission and the transaction timeout.
func (tx *InviteClientTransaction) actProceeding(context.Context, ...any) error {
	swapStopTimer(&tx.tmrA)
	swapStopTimer(&tx.tmrB)
	return nil
}

// actAccepted enters the RFC 6026 Accepted state and arms timer M to absorb
// retransmitted 2xx responses and 2xx from other forked branches.
func (tx *InviteClientTransaction) actAccepted(context.Context, ...any) error {
	swapStopTimer(&tx.tmrA)
	swapStopTimer(&tx.tmrB)
	tmr := timeutil.NewTimer(tx.timings.TimeM())
	tmr.SetCallback(tx.timerMHdlr())
	tx.tmrM.Store(tmr)
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	swapStopTimer(&tx.tmrA)
	swapStopTimer(&tx.tmrB)

	var timeD time.Duration
	if !IsReliableTransport(tx.tp) {
		timeD = tx.timings.TimeD()
	}
	tmr := timeutil.NewTimer(timeD)
	tmr.SetCallback(tx.timerDHdlr())
	tx.tmrD.Store(tmr)

	if err := tx.actPassRes(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.actSendAck(ctx, args...))
}

// actSendAck builds (once) and sends the ACK for a non-2xx final response,
// RFC 3261 section 17.1.1.3.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		res, ok := args[0].(*Response)
		if !ok {
			return errtrace.Wrap(NewInvalidArgumentError("expected *Response, got %T", args[0]))
		}
		ack = tx.buildAck(res)
		tx.ack.Store(ack)
	}
	if err := tx.tp.SendRequest(ctx, ack, tx.sndOpts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "ACK send failed",
			slog.Any("request", ack), slog.Any("error", err))
	}
	return nil
}

func (tx *InviteClientTransaction) buildAck(res *Response) *Request {
	ack := tx.req.Clone()
	ack.Method = RequestMethodAck
	if len(ack.Via) > 1 {
		ack.Via = ack.Via[:1]
	}
	ack.To = res.To.Clone()
	ack.CSeq.Method = RequestMethodAck
	ack.MaxForwards = 70
	ack.Contact = nil
	ack.Body = nil
	return ack
}

func (tx *InviteClientTransaction) actTerminatedCln(ctx context.Context, args ...any) error {
	swapStopTimer(&tx.tmrA)
	swapStopTimer(&tx.tmrB)
	swapStopTimer(&tx.tmrD)
	swapStopTimer(&tx.tmrM)
	return tx.actTerminated(ctx, args...)
}

// Snapshot exports the transaction state for persistence.
func (tx *InviteClientTransaction) Snapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Type:         tx.typ,
		Key:          tx.key,
		State:        tx.State(),
		Request:      tx.req,
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		TimerA:       timeutil.SnapshotTimer(tx.tmrA.Load()),
		TimerB:       timeutil.SnapshotTimer(tx.tmrB.Load()),
		TimerD:       timeutil.SnapshotTimer(tx.tmrD.Load()),
		TimerM:       timeutil.SnapshotTimer(tx.tmrM.Load()),
	}
}

// RestoreInviteClientTransaction rebuilds a transaction from its snapshot and
// re-arms the timers that have not expired while the snapshot was at rest.
func RestoreInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp Transport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if snap == nil || snap.Type != TransactionTypeInviteClient {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed snapshot"))
	}
	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &InviteClientTransaction{}
	ct, err := newClientTransact(TransactionTypeInviteClient, snap.State, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.setupFSM()
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
	tx.restoreTimers(snap)
	return tx, nil
}

func (tx *InviteClientTransaction) restoreTimers(snap *ClientTransactionSnapshot) {
	if tmr := timeutil.RestoreTimer(snap.TimerA); tmr != nil {
		tx.tmrA.Store(tmr)
		tmr.SetCallback(tx.timerAHdlr(tmr))
	}
	if tmr := timeutil.RestoreTimer(snap.TimerB); tmr != nil {
		tx.tmrB.Store(tmr)
		tmr.SetCallback(tx.timerBHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerD); tmr != nil {
		tx.tmrD.Store(tmr)
		tmr.SetCallback(tx.timerDHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerM); tmr != nil {
		tx.tmrM.Store(tmr)
		tmr.SetCallback(tx.timerMHdlr())
	}
}
