package sip

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction
// state machine from RFC 3261 section 17.2.2.
//
//	Trying -> Proceeding -> Completed -> Terminated
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.SerializableTimer]
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction.
func NewNonInviteServerTransaction(
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			"unexpected %s request", string(req.Method)))
	}

	tx := &NonInviteServerTransaction{}
	st, err := newServerTransact(TransactionTypeNonInviteServer, TransactionStateTrying, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.setupFSM()
	return tx, nil
}

func (tx *NonInviteServerTransaction) setupFSM() {
	resType := reflect.TypeOf((*Response)(nil))
	reqType := reflect.TypeOf((*Request)(nil))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)

	// Request retransmits in Trying are discarded, RFC 3261 section 17.2.2.
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminatedSrv)
}

func (tx *NonInviteServerTransaction) timerJHdlr() func() {
	return func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fireTimer(txEvtTimerJ)
	}
}

// actCompleted arms timer J to absorb request retransmits,
// zero duration on reliable transport.
func (tx *NonInviteServerTransaction) actCompleted(context.Context, ...any) error {
	var timeJ time.Duration
	if !tx.tp.Reliable() {
		timeJ = tx.timings.TimeJ()
	}
	tmr := timeutil.NewTimer(timeJ)
	tmr.SetCallback(tx.timerJHdlr())
	tx.tmrJ.Store(tmr)
	return nil
}

func (tx *NonInviteServerTransaction) actTerminatedSrv(ctx context.Context, args ...any) error {
	swapStopTimer(&tx.tmrJ)
	return tx.actTerminated(ctx, args...)
}

// Snapshot exports the transaction state for persistence.
func (tx *NonInviteServerTransaction) Snapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Type:         tx.typ,
		Key:          tx.key,
		State:        tx.State(),
		Request:      tx.req,
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		TimerJ:       timeutil.SnapshotTimer(tx.tmrJ.Load()),
	}
}

// RestoreNonInviteServerTransaction rebuilds a transaction from its snapshot
// and re-arms timer J when it has not expired while the snapshot was at rest.
func RestoreNonInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp Transport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if snap == nil || snap.Type != TransactionTypeNonInviteServer {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed snapshot"))
	}
	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &NonInviteServerTransaction{}
	st, err := newServerTransact(TransactionTypeNonInviteServer, snap.State, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.setupFSM()
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
	if tmr := timeutil.RestoreTimer(snap.TimerJ); tmr != nil {
		tx.tmrJ.Store(tmr)
		tmr.SetCallback(tx.timerJHdlr())
	}
	return tx, nil
}
