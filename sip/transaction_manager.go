package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/timeutil"
	"github.com/ghettovoice/govoip/internal/types"
)

// defStaleTransactTimeout bounds transactions that would otherwise wait
// forever on a lost remote, e.g. an INVITE client transaction stuck in
// Proceeding after timer B was stopped.
const defStaleTransactTimeout = 5 * time.Minute

// TransactionManagerOptions is optional configuration for [TransactionManager].
type TransactionManagerOptions struct {
	// ClientStore overrides the in-memory client transaction store.
	ClientStore TransactionStore[ClientTransactionKey, ClientTransaction]
	// ServerStore overrides the in-memory server transaction store.
	ServerStore TransactionStore[ServerTransactionKey, ServerTransaction]
	// Timings overrides the RFC 3261 default timer values.
	Timings TimingConfig
	// StaleTransactionTimeout bounds the lifetime of transactions stuck in a
	// provisional state. Zero means the default of 5 minutes, negative
	// disables the guard.
	StaleTransactionTimeout time.Duration
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *TransactionManagerOptions) clientStore() TransactionStore[ClientTransactionKey, ClientTransaction] {
	if opts == nil || opts.ClientStore == nil {
		return NewMemoryTransactionStore[ClientTransactionKey, ClientTransaction]()
	}
	return opts.ClientStore
}

func (opts *TransactionManagerOptions) serverStore() TransactionStore[ServerTransactionKey, ServerTransaction] {
	if opts == nil || opts.ServerStore == nil {
		return NewMemoryTransactionStore[ServerTransactionKey, ServerTransaction]()
	}
	return opts.ServerStore
}

func (opts *TransactionManagerOptions) timings() TimingConfig {
	if opts == nil {
		return defTimingCfg
	}
	return opts.Timings
}

func (opts *TransactionManagerOptions) staleTimeout() time.Duration {
	if opts == nil || opts.StaleTransactionTimeout == 0 {
		return defStaleTransactTimeout
	}
	return opts.StaleTransactionTimeout
}

func (opts *TransactionManagerOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// TransactionManager owns the transaction tables and routes messages between
// the transport and the transactions: inbound requests are matched against or
// spawn server transactions, inbound responses are matched against client
// transactions, retransmits are absorbed on the way.
type TransactionManager struct {
	tp       Transport
	clnStore TransactionStore[ClientTransactionKey, ClientTransaction]
	srvStore TransactionStore[ServerTransactionKey, ServerTransaction]
	timings  TimingConfig
	staleTO  time.Duration
	log      *slog.Logger

	closing    atomic.Bool
	onNewClnTx types.CallbackManager[func(ClientTransaction)]
	onNewSrvTx types.CallbackManager[func(ServerTransaction)]
}

// NewTransactionManager creates a new transaction manager over the transport.
func NewTransactionManager(tp Transport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}
	return &TransactionManager{
		tp:       tp,
		clnStore: opts.clientStore(),
		srvStore: opts.serverStore(),
		timings:  opts.timings(),
		staleTO:  opts.staleTimeout(),
		log:      opts.log(),
	}, nil
}

// OnNewClientTransaction registers a callback invoked for every client
// transaction created by the manager.
func (mng *TransactionManager) OnNewClientTransaction(fn func(tx ClientTransaction)) (remove func()) {
	return mng.onNewClnTx.Add(fn)
}

// OnNewServerTransaction registers a callback invoked for every server
// transaction created by the manager.
func (mng *TransactionManager) OnNewServerTransaction(fn func(tx ServerTransaction)) (remove func()) {
	return mng.onNewSrvTx.Add(fn)
}

// ClientTransactions returns the number of live client transactions.
func (mng *TransactionManager) ClientTransactions() int { return mng.clnStore.Size() }

// ServerTransactions returns the number of live server transactions.
func (mng *TransactionManager) ServerTransactions() int { return mng.srvStore.Size() }

// ActiveTransactions enumerates the keys of all live client and server
// transactions. The snapshot is taken per shard, transactions created or
// terminated concurrently may or may not appear.
func (mng *TransactionManager) ActiveTransactions() ([]ClientTransactionKey, []ServerTransactionKey) {
	clnKeys := make([]ClientTransactionKey, 0, mng.clnStore.Size())
	for key := range mng.clnStore.All() {
		clnKeys = append(clnKeys, key)
	}
	srvKeys := make([]ServerTransactionKey, 0, mng.srvStore.Size())
	for key := range mng.srvStore.All() {
		srvKeys = append(srvKeys, key)
	}
	return clnKeys, srvKeys
}

// SendRequest creates a client transaction of the kind matching the request
// method, stores it and sends the request through it.
func (mng *TransactionManager) SendRequest(
	ctx context.Context,
	req *Request,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if mng.closing.Load() {
		return nil, errtrace.Wrap(error(ErrTransactionManagerClosed))
	}
	if opts == nil {
		opts = &ClientTransactionOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = mng.timings
	}
	if opts.Logger == nil {
		opts.Logger = mng.log
	}

	var (
		tx   ClientTransaction
		init func(context.Context) error
		err  error
	)
	if req.IsInvite() {
		var itx *InviteClientTransaction
		itx, err = NewInviteClientTransaction(req, mng.tp, opts)
		tx, init = itx, func(ctx context.Context) error { return itx.Init(ctx) }
	} else {
		var ntx *NonInviteClientTransaction
		ntx, err = NewNonInviteClientTransaction(req, mng.tp, opts)
		tx, init = ntx, func(ctx context.Context) error { return ntx.Init(ctx) }
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if err = mng.clnStore.Store(tx.Key(), tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	tx.OnStateChanged(mng.clnTxStateHdlr(tx))
	for cb := range mng.onNewClnTx.All() {
		cb(tx)
	}

	if err = init(ctx); err != nil {
		return tx, errtrace.Wrap(err)
	}
	mng.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created",
		slog.Any("transaction", tx))
	return tx, nil
}

// RetryRequest re-sends the request of a live client transaction, reusing
// the transaction branch. The recovery path after a transport send failure.
func (mng *TransactionManager) RetryRequest(ctx context.Context, key ClientTransactionKey) error {
	if mng.closing.Load() {
		return errtrace.Wrap(error(ErrTransactionManagerClosed))
	}
	tx, ok := mng.clnStore.Load(key)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "key %s", key))
	}
	return errtrace.Wrap(tx.Retry(ctx))
}

// CancelInvite builds a CANCEL for a pending INVITE client transaction and
// sends it through a new non-INVITE client transaction, RFC 3261 section 9.1.
func (mng *TransactionManager) CancelInvite(
	ctx context.Context,
	inviteTx ClientTransaction,
) (ClientTransaction, error) {
	if inviteTx == nil || inviteTx.Key().Method != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not an INVITE client transaction"))
	}
	switch inviteTx.State() {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"cannot cancel transaction in state %q", string(inviteTx.State())))
	}

	cancel := inviteTx.Request().Clone()
	cancel.Method = RequestMethodCancel
	if len(cancel.Via) > 1 {
		cancel.Via = cancel.Via[:1]
	}
	cancel.CSeq.Method = RequestMethodCancel
	cancel.MaxForwards = 70
	cancel.Contact = nil
	cancel.Body = nil
	return errtrace.Wrap2(mng.SendRequest(ctx, cancel, nil))
}

// RecvRequest routes an inbound request: retransmits and ACKs go to the
// matched transaction, CANCEL is answered and the cancelled INVITE rejected,
// anything else spawns a new server transaction.
func (mng *TransactionManager) RecvRequest(ctx context.Context, req *Request) (ServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if mng.closing.Load() {
		return nil, errtrace.Wrap(error(ErrTransactionManagerClosed))
	}

	// CANCEL forms its own transaction keyed by its own method,
	// FillFromRequest only folds ACK onto INVITE.
	key := ServerTransactionKey{}
	key.FillFromRequest(req)

	if tx, ok := mng.srvStore.Load(key); ok {
		if err := tx.RecvRequest(ctx, req); err != nil {
			return tx, errtrace.Wrap(err)
		}
		return tx, nil
	}

	switch {
	case req.IsAck():
		// ACK to a 2xx belongs to the TU, there is no transaction to absorb it.
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "ACK %s", req))
	case req.IsCancel():
		return errtrace.Wrap2(mng.recvCancel(ctx, req))
	default:
		return errtrace.Wrap2(mng.newServerTransaction(ctx, req))
	}
}

// recvCancel answers a CANCEL per RFC 3261 section 9.2: 200 when the INVITE
// transaction exists (plus 487 to the INVITE if it is still Proceeding),
// 481 otherwise. The 200 vs 487 split covers the race with a final response
// already sent on the INVITE transaction.
func (mng *TransactionManager) recvCancel(ctx context.Context, cancel *Request) (ServerTransaction, error) {
	inviteKey := ServerTransactionKey{}
	inviteKey.FillFromRequest(cancel)
	inviteKey.Method = RequestMethodInvite
	inviteTx, ok := mng.srvStore.Load(inviteKey)

	cancelTx, err := mng.newServerTransaction(ctx, cancel)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !ok {
		if err = cancelTx.Respond(ctx, 481, nil); err != nil {
			return cancelTx, errtrace.Wrap(err)
		}
		return cancelTx, nil
	}

	if err = cancelTx.Respond(ctx, 200, nil); err != nil {
		return cancelTx, errtrace.Wrap(err)
	}
	if inviteTx.State() == TransactionStateProceeding {
		if err = inviteTx.Respond(ctx, 487, nil); err != nil {
			return cancelTx, errtrace.Wrap(err)
		}
	}
	return cancelTx, nil
}

func (mng *TransactionManager) newServerTransaction(ctx context.Context, req *Request) (ServerTransaction, error) {
	opts := &ServerTransactionOptions{Timings: mng.timings, Logger: mng.log}

	var (
		tx  ServerTransaction
		err error
	)
	if req.IsInvite() {
		var itx *InviteServerTransaction
		itx, err = NewInviteServerTransaction(req, mng.tp, opts)
		if err == nil {
			err = itx.Init(ctx)
		}
		tx = itx
	} else {
		tx, err = NewNonInviteServerTransaction(req, mng.tp, opts)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if err = mng.srvStore.Store(tx.Key(), tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	stateHdlr := mng.srvTxStateHdlr(tx)
	tx.OnStateChanged(stateHdlr)
	// The initial state is never entered through a transition,
	// arm the stale guard by hand.
	stateHdlr(tx.State())
	for cb := range mng.onNewSrvTx.All() {
		cb(tx)
	}
	mng.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created",
		slog.Any("transaction", tx))
	return tx, nil
}

// RecvResponse routes an inbound response to the matched client transaction.
func (mng *TransactionManager) RecvResponse(ctx context.Context, res *Response) (ClientTransaction, error) {
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if mng.closing.Load() {
		return nil, errtrace.Wrap(error(ErrTransactionManagerClosed))
	}

	key := ClientTransactionKey{}
	via, _ := res.TopVia()
	key.FillFromMessage(via, res.CSeq)
	tx, ok := mng.clnStore.Load(key)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "response %s", res))
	}
	if err := tx.RecvResponse(ctx, res); err != nil {
		return tx, errtrace.Wrap(err)
	}
	return tx, nil
}

// clnTxStateHdlr drops terminated transactions from the table and arms the
// stale guard for INVITE transactions parked in Proceeding where timer B
// no longer runs.
func (mng *TransactionManager) clnTxStateHdlr(tx ClientTransaction) func(TransactionState) {
	var staleTmr atomic.Pointer[timeutil.SerializableTimer]
	return func(state TransactionState) {
		switch state {
		case TransactionStateProceeding:
			if tx.Key().Method != RequestMethodInvite || mng.staleTO < 0 {
				return
			}
			tmr := timeutil.NewTimer(mng.staleTO)
			tmr.SetCallback(func() {
				mng.log.LogAttrs(tx.Context(), slog.LevelDebug, "terminating stale client transaction",
					slog.Any("key", tx.Key()))
				tx.Terminate(context.Background()) //nolint:errcheck
			})
			staleTmr.Store(tmr)
		case TransactionStateTerminated:
			swapStopTimer(&staleTmr)
			mng.clnStore.Delete(tx.Key())
		default:
		}
	}
}

// srvTxStateHdlr mirrors clnTxStateHdlr for server transactions: the stale
// guard covers transactions that never get a final response from the TU.
func (mng *TransactionManager) srvTxStateHdlr(tx ServerTransaction) func(TransactionState) {
	var staleTmr atomic.Pointer[timeutil.SerializableTimer]
	return func(state TransactionState) {
		switch state {
		case TransactionStateTrying, TransactionStateProceeding:
			if mng.staleTO < 0 || staleTmr.Load() != nil {
				return
			}
			tmr := timeutil.NewTimer(mng.staleTO)
			tmr.SetCallback(func() {
				mng.log.LogAttrs(tx.Context(), slog.LevelDebug, "terminating stale server transaction",
					slog.Any("key", tx.Key()))
				tx.Terminate(context.Background()) //nolint:errcheck
			})
			staleTmr.Store(tmr)
		case TransactionStateTerminated:
			swapStopTimer(&staleTmr)
			mng.srvStore.Delete(tx.Key())
		default:
		}
	}
}

// Close terminates all live transactions. The manager accepts no new work
// after the first call.
func (mng *TransactionManager) Close(ctx context.Context) error {
	if !mng.closing.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, tx := range mng.clnStore.All() {
		if err := tx.Terminate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	for _, tx := range mng.srvStore.All() {
		if err := tx.Terminate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errorutil.JoinPrefix("close transaction manager", errs...))
}
