package sip

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// state machine from RFC 3261 section 17.1.2.
//
//	Trying -> Proceeding -> Completed -> Terminated
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.SerializableTimer]
	tmrF atomic.Pointer[timeutil.SerializableTimer]
	tmrK atomic.Pointer[timeutil.SerializableTimer]
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction.
// INVITE and ACK are rejected, they never travel through this machine.
// Call [NonInviteClientTransaction.Init] to send the request and arm the timers.
func NewNonInviteClientTransaction(
	req *Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			"unexpected %s request", string(req.Method)))
	}

	tx := &NonInviteClientTransaction{}
	ct, err := newClientTransact(TransactionTypeNonInviteClient, TransactionStateTrying, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.setupFSM()
	return tx, nil
}

func (tx *NonInviteClientTransaction) setupFSM() {
	resType := reflect.TypeOf((*Response)(nil))
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminatedCln).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut)
}

// Init sends the request and arms timers E (unreliable transport only) and F.
// The timers are armed even when the initial send fails, so an abandoned
// transaction still times out through timer F instead of lingering.
func (tx *NonInviteClientTransaction) Init(ctx context.Context) error {
	sendErr := tx.sendReq(ctx)
	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.NewTimer(tx.timings.TimeE())
		tmr.SetCallback(tx.timerEHdlr(tmr))
		tx.tmrE.Store(tmr)
	}
	tmrF := timeutil.NewTimer(tx.timings.TimeF())
	tmrF.SetCallback(tx.timerFHdlr())
	tx.tmrF.Store(tmrF)
	return errtrace.Wrap(sendErr)
}

// timerEHdlr retransmits the request. The interval doubles up to T2 in the
// Trying state and stays flat at T2 once Proceeding, RFC 3261 section 17.1.2.2.
func (tx *NonInviteClientTransaction) timerEHdlr(tmr *timeutil.SerializableTimer) func() {
	return func() {
		switch tx.State() {
		case TransactionStateTrying:
			tx.fireTimer(txEvtTimerE)
			tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
		case TransactionStateProceeding:
			tx.fireTimer(txEvtTimerE)
			tmr.Reset(tx.timings.T2())
		default:
		}
	}
}

func (tx *NonInviteClientTransaction) timerFHdlr() func() {
	return func() {
		switch tx.State() {
		case TransactionStateTrying, TransactionStateProceeding:
			tx.fireTimer(txEvtTimerF)
		default:
		}
	}
}

func (tx *NonInviteClientTransaction) timerKHdlr() func() {
	return func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fireTimer(txEvtTimerK)
	}
}

// actCompleted stops retransmission and arms timer K to absorb response
// retransmits, zero duration on reliable transport.
func (tx *NonInviteClientTransaction) actCompleted(context.Context, ...any) error {
	swapStopTimer(&tx.tmrE)
	swapStopTimer(&tx.tmrF)

	var timeK time.Duration
	if !tx.tp.Reliable() {
		timeK = tx.timings.TimeK()
	}
	tmr := timeutil.NewTimer(timeK)
	tmr.SetCallback(tx.timerKHdlr())
	tx.tmrK.Store(tmr)
	return nil
}

func (tx *NonInviteClientTransaction) actTerminatedCln(ctx context.Context, args ...any) error {
	swapStopTimer(&tx.tmrE)
	swapStopTimer(&tx.tmrF)
	swapStopTimer(&tx.tmrK)
	return tx.actTerminated(ctx, args...)
}

// Snapshot exports the transaction state for persistence.
func (tx *NonInviteClientTransaction) Snapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Type:         tx.typ,
		Key:          tx.key,
		State:        tx.State(),
		Request:      tx.req,
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		TimerE:       timeutil.SnapshotTimer(tx.tmrE.Load()),
		TimerF:       timeutil.SnapshotTimer(tx.tmrF.Load()),
		TimerK:       timeutil.SnapshotTimer(tx.tmrK.Load()),
	}
}

// RestoreNonInviteClientTransaction rebuilds a transaction from its snapshot
// and re-arms the timers that have not expired while the snapshot was at rest.
func RestoreNonInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp Transport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if snap == nil || snap.Type != TransactionTypeNonInviteClient {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed snapshot"))
	}
	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &NonInviteClientTransaction{}
	ct, err := newClientTransact(TransactionTypeNonInviteClient, snap.State, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.setupFSM()
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerE); tmr != nil {
		tx.tmrE.Store(tmr)
		tmr.SetCallback(tx.timerEHdlr(tmr))
	}
	if tmr := timeutil.RestoreTimer(snap.TimerF); tmr != nil {
		tx.tmrF.Store(tmr)
		tmr.SetCallback(tx.timerFHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerK); tmr != nil {
		tx.tmrK.Store(tmr)
		tmr.SetCallback(tx.timerKHdlr())
	}
	return tx, nil
}
