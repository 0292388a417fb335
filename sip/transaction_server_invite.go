package sip

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/timeutil"
	"github.com/ghettovoice/govoip/internal/types"
)

// InviteServerTransaction implements the INVITE server transaction state
// machine from RFC 3261 section 17.2.1, with the RFC 6026 Accepted state.
//
//	Proceeding -> Accepted | Completed -> Confirmed -> Terminated
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx atomic.Pointer[timeutil.SerializableTimer]
	tmrG   atomic.Pointer[timeutil.SerializableTimer]
	tmrH   atomic.Pointer[timeutil.SerializableTimer]
	tmrI   atomic.Pointer[timeutil.SerializableTimer]
	tmrL   atomic.Pointer[timeutil.SerializableTimer]

	onAck       types.CallbackManager[func(*Request)]
	pendingAcks types.Deque[*Request]
}

// NewInviteServerTransaction creates a new INVITE server transaction.
// Call [InviteServerTransaction.Init] to arm the automatic 100 Trying timer.
func NewInviteServerTransaction(
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(
			"expected INVITE request, got %s", string(req.Method)))
	}

	tx := &InviteServerTransaction{}
	st, err := newServerTransact(TransactionTypeInviteServer, TransactionStateProceeding, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.setupFSM()
	return tx, nil
}

func (tx *InviteServerTransaction) setupFSM() {
	resType := reflect.TypeOf((*Response)(nil))
	reqType := reflect.TypeOf((*Request)(nil))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminatedSrv).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)
}

// Init arms the automatic 100 Trying timer: if the application does not
// respond within Time100, the transaction answers the INVITE itself.
func (tx *InviteServerTransaction) Init(context.Context) error {
	tmr := timeutil.NewTimer(tx.timings.Time100())
	tmr.SetCallback(tx.timer1xxHdlr())
	tx.tmr1xx.Store(tmr)
	return nil
}

// RecvRequest routes ACK to its own trigger, everything else is a retransmit.
func (tx *InviteServerTransaction) RecvRequest(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.matchRequestAdjusted(req) {
		return errtrace.Wrap(fmt.Errorf("%w: request %s", ErrMessageNotMatched, req))
	}
	if req.IsAck() {
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
}

func (tx *InviteServerTransaction) MatchRequest(req *Request) bool {
	return tx.matchRequestAdjusted(req)
}

// matchRequestAdjusted matches like the base but accounts for the RFC 2543
// ACK case: the ACK carries the To tag from our final response while the
// key was built from the tag-less INVITE.
func (tx *InviteServerTransaction) matchRequestAdjusted(req *Request) bool {
	if req == nil {
		return false
	}
	key := ServerTransactionKey{}
	key.FillFromRequest(req)
	if tx.key.Equal(key) {
		return true
	}
	if !req.IsAck() || key.IsRFC3261() {
		return false
	}
	key.ToTag = tx.key.ToTag
	return tx.key.Equal(key)
}

// OnAck registers an ACK callback and drains ACKs buffered before
// the first listener appeared.
func (tx *InviteServerTransaction) OnAck(fn func(ack *Request)) (remove func()) {
	remove = tx.onAck.Add(fn)
	for _, ack := range tx.pendingAcks.Drain() {
		fn(ack)
	}
	return remove
}

func (tx *InviteServerTransaction) actPassAck(_ context.Context, args ...any) error {
	ack, ok := args[0].(*Request)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("expected *Request, got %T", args[0]))
	}
	if tx.onAck.Len() == 0 {
		tx.pendingAcks.Append(ack)
		return nil
	}
	for cb := range tx.onAck.All() {
		cb(ack)
	}
	return nil
}

// actSend100 sends the automatic 100 Trying when the application kept silent.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.lastRes.Load() != nil {
		return nil
	}
	res, err := tx.req.NewResponse(100, nil)
	if err != nil {
		panic(fmt.Errorf("invite server transaction: build 100 response: %w", err))
	}
	return errtrace.Wrap(tx.actSendRes(ctx, res))
}

func (tx *InviteServerTransaction) timer1xxHdlr() func() {
	return func() {
		if tx.State() != TransactionStateProceeding {
			return
		}
		tx.fireTimer(txEvtTimer1xx)
	}
}

// timerGHdlr retransmits the final response with a backoff capped at T2.
func (tx *InviteServerTransaction) timerGHdlr(tmr *timeutil.SerializableTimer) func() {
	return func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fireTimer(txEvtTimerG)
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteServerTransaction) timerHHdlr() func() {
	return func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fireTimer(txEvtTimerH)
	}
}

func (tx *InviteServerTransaction) timerIHdlr() func() {
	return func() {
		if tx.State() != TransactionStateConfirmed {
			return
		}
		tx.fireTimer(txEvtTimerI)
	}
}

func (tx *InviteServerTransaction) timerLHdlr() func() {
	return func() {
		if tx.State() != TransactionStateAccepted {
			return
		}
		tx.fireTimer(txEvtTimerL)
	}
}

// actAccepted arms timer L: the transaction keeps absorbing INVITE
// retransmits and passing ACKs up while the TU retransmits the 2xx.
func (tx *InviteServerTransaction) actAccepted(context.Context, ...any) error {
	swapStopTimer(&tx.tmr1xx)
	tmr := timeutil.NewTimer(tx.timings.TimeL())
	tmr.SetCallback(tx.timerLHdlr())
	tx.tmrL.Store(tmr)
	return nil
}

// actCompleted arms timer G (unreliable transport only) and timer H.
func (tx *InviteServerTransaction) actCompleted(context.Context, ...any) error {
	swapStopTimer(&tx.tmr1xx)
	if !IsReliableTransport(tx.tp) {
		tmr := timeutil.NewTimer(tx.timings.TimeG())
		tmr.SetCallback(tx.timerGHdlr(tmr))
		tx.tmrG.Store(tmr)
	}
	tmrH := timeutil.NewTimer(tx.timings.TimeH())
	tmrH.SetCallback(tx.timerHHdlr())
	tx.tmrH.Store(tmrH)
	return nil
}

// actConfirmed stops retransmission and arms timer I to absorb ACK
// retransmits, zero duration on reliable transport.
func (tx *InviteServerTransaction) actConfirmed(context.Context, ...any) error {
	swapStopTimer(&tx.tmrG)
	swapStopTimer(&tx.tmrH)

	var timeI time.Duration
	if !tx.tp.Reliable() {
		timeI = tx.timings.TimeI()
	}
	tmr := timeutil.NewTimer(timeI)
	tmr.SetCallback(tx.timerIHdlr())
	tx.tmrI.Store(tmr)
	return nil
}

func (tx *InviteServerTransaction) actTerminatedSrv(ctx context.Context, args ...any) error {
	swapStopTimer(&tx.tmr1xx)
	swapStopTimer(&tx.tmrG)
	swapStopTimer(&tx.tmrH)
	swapStopTimer(&tx.tmrI)
	swapStopTimer(&tx.tmrL)
	return tx.actTerminated(ctx, args...)
}

// Snapshot exports the transaction state for persistence.
func (tx *InviteServerTransaction) Snapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Type:         tx.typ,
		Key:          tx.key,
		State:        tx.State(),
		Request:      tx.req,
		LastResponse: tx.lastRes.Load(),
		Timings:      tx.timings,
		Timer1xx:     timeutil.SnapshotTimer(tx.tmr1xx.Load()),
		TimerG:       timeutil.SnapshotTimer(tx.tmrG.Load()),
		TimerH:       timeutil.SnapshotTimer(tx.tmrH.Load()),
		TimerI:       timeutil.SnapshotTimer(tx.tmrI.Load()),
		TimerL:       timeutil.SnapshotTimer(tx.tmrL.Load()),
	}
}

// RestoreInviteServerTransaction rebuilds a transaction from its snapshot and
// re-arms the timers that have not expired while the snapshot was at rest.
func RestoreInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp Transport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if snap == nil || snap.Type != TransactionTypeInviteServer {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed snapshot"))
	}
	if opts == nil {
		opts = &ServerTransactionOptions{}
	}
	opts.Key = snap.Key
	opts.Timings = snap.Timings

	tx := &InviteServerTransaction{}
	st, err := newServerTransact(TransactionTypeInviteServer, snap.State, tx, snap.Request, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.setupFSM()
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
	if tmr := timeutil.RestoreTimer(snap.Timer1xx); tmr != nil {
		tx.tmr1xx.Store(tmr)
		tmr.SetCallback(tx.timer1xxHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerG); tmr != nil {
		tx.tmrG.Store(tmr)
		tmr.SetCallback(tx.timerGHdlr(tmr))
	}
	if tmr := timeutil.RestoreTimer(snap.TimerH); tmr != nil {
		tx.tmrH.Store(tmr)
		tmr.SetCallback(tx.timerHHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerI); tmr != nil {
		tx.tmrI.Store(tmr)
		tmr.SetCallback(tx.timerIHdlr())
	}
	if tmr := timeutil.RestoreTimer(snap.TimerL); tmr != nil {
		tx.tmrL.Store(tmr)
		tmr.SetCallback(tx.timerLHdlr())
	}
	return tx, nil
}
