package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/govoip/internal/types"
)

// TransactionType discriminates the four RFC 3261 transaction kinds.
type TransactionType string

const (
	TransactionTypeInviteClient    TransactionType = "invite_client"
	TransactionTypeNonInviteClient TransactionType = "non_invite_client"
	TransactionTypeInviteServer    TransactionType = "invite_server"
	TransactionTypeNonInviteServer TransactionType = "non_invite_server"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// State machine triggers shared by all transaction kinds.
const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTimerA     = "timer_a"
	txEvtTimerB     = "timer_b"
	txEvtTimerD     = "timer_d"
	txEvtTimerE     = "timer_e"
	txEvtTimerF     = "timer_f"
	txEvtTimerG     = "timer_g"
	txEvtTimerH     = "timer_h"
	txEvtTimerI     = "timer_i"
	txEvtTimerJ     = "timer_j"
	txEvtTimerK     = "timer_k"
	txEvtTimerL     = "timer_l"
	txEvtTimerM     = "timer_m"
	txEvtTimer1xx   = "timer_1xx"
	txEvtTerminate  = "terminate"
)

// Transaction is the common surface of all four transaction kinds.
type Transaction interface {
	// Type returns the transaction kind.
	Type() TransactionType
	// State returns the current state of the transaction state machine.
	State() TransactionState
	// Err returns the terminal error of the transaction, if any.
	Err() error
	// Terminate forcibly moves the transaction to the terminated state.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a state change callback and
	// returns a function removing it.
	OnStateChanged(fn func(state TransactionState)) (remove func())
	// Context returns the transaction context. It is canceled on termination.
	Context() context.Context
}

type ctxKey string

const (
	clnTransactCtxKey ctxKey = "govoip_client_transaction"
	srvTransactCtxKey ctxKey = "govoip_server_transaction"
)

// ClientTransactionFromContext extracts a client transaction
// previously attached to the context by the transaction itself.
func ClientTransactionFromContext(ctx context.Context) (ClientTransaction, bool) {
	tx, ok := ctx.Value(clnTransactCtxKey).(ClientTransaction)
	return tx, ok
}

// ServerTransactionFromContext extracts a server transaction
// previously attached to the context by the transaction itself.
func ServerTransactionFromContext(ctx context.Context) (ServerTransaction, bool) {
	tx, ok := ctx.Value(srvTransactCtxKey).(ServerTransaction)
	return tx, ok
}

// baseTransact carries the pieces shared by all transaction kinds:
// the state machine, the lifecycle context and state change callbacks.
type baseTransact struct {
	typ    TransactionType
	fsm    *stateless.StateMachine
	ctx    context.Context
	cancel context.CancelCauseFunc
	log    *slog.Logger

	err     atomic.Pointer[error]
	onState types.CallbackManager[func(TransactionState)]
}

func newBaseTransact(typ TransactionType, initial TransactionState, logger *slog.Logger) *baseTransact {
	tx := &baseTransact{typ: typ, log: logger}
	tx.ctx, tx.cancel = context.WithCancelCause(context.Background())
	tx.fsm = stateless.NewStateMachineWithMode(initial, stateless.FiringQueued)
	tx.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		state, ok := tr.Destination.(TransactionState)
		if !ok || tr.Source == tr.Destination {
			return
		}
		for cb := range tx.onState.All() {
			cb(state)
		}
	})
	return tx
}

func (tx *baseTransact) Type() TransactionType { return tx.typ }

func (tx *baseTransact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

func (tx *baseTransact) Err() error {
	if err := tx.err.Load(); err != nil {
		return *err
	}
	return nil
}

func (tx *baseTransact) setErr(err error) { tx.err.Store(&err) }

func (tx *baseTransact) Context() context.Context { return tx.ctx }

func (tx *baseTransact) setContext(key ctxKey, val any) {
	tx.ctx = context.WithValue(tx.ctx, key, val)
}

func (tx *baseTransact) OnStateChanged(fn func(state TransactionState)) (remove func()) {
	return tx.onState.Add(fn)
}

func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

func (tx *baseTransact) fire(ctx context.Context, evt string, args ...any) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, args...))
}

// fireTimer feeds a timer trigger into the state machine. The state check in
// a timer callback is not atomic with the queued transitions, a trigger can
// land in a state that no longer handles it; such stale triggers are dropped.
func (tx *baseTransact) fireTimer(evt string) {
	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "stale timer trigger dropped",
			slog.String("trigger", evt), slog.Any("error", err))
	}
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

// terminated entry hook shared by all kinds: cancels the transaction context.
func (tx *baseTransact) actTerminated(context.Context, ...any) error {
	tx.cancel(tx.Err())
	return nil
}

func (tx *baseTransact) actTimedOut(context.Context, ...any) error {
	tx.setErr(ErrTransactionTimedOut)
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction timed out",
		slog.String("type", string(tx.typ)))
	return nil
}

func (tx *baseTransact) logValue(key slog.LogValuer) slog.Value {
	return slog.GroupValue(
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
		slog.Any("key", key),
	)
}
