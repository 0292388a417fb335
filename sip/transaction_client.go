package sip

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/timeutil"
	"github.com/ghettovoice/govoip/internal/types"
	"github.com/ghettovoice/govoip/internal/util"
)

// ClientTransaction is a client transaction of any kind.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key the transaction is matched by.
	Key() ClientTransactionKey
	// Request returns the request the transaction was created for.
	Request() *Request
	// RecvResponse feeds an inbound response into the transaction state machine.
	RecvResponse(ctx context.Context, res *Response) error
	// MatchResponse reports whether the response belongs to this transaction.
	MatchResponse(res *Response) bool
	// OnResponse registers a response callback and drains any responses
	// buffered before the first listener appeared.
	OnResponse(fn func(res *Response)) (remove func())
	// LastResponse returns the last response passed up, if any.
	LastResponse() *Response
	// Retry re-sends the request over the transport reusing the transaction
	// branch, the recovery path after a transport send failure. A terminated
	// transaction cannot be retried, create a new transaction instead.
	Retry(ctx context.Context) error
}

// ClientTransactionKey identifies a client transaction per RFC 3261
// section 17.1.3: the top Via branch plus the CSeq method.
type ClientTransactionKey struct {
	Branch string
	Method RequestMethod
}

// FillFromMessage fills empty key fields from the message.
// ACK is matched against the INVITE transaction it acknowledges.
func (k *ClientTransactionKey) FillFromMessage(via Via, cseq CSeq) {
	if k.Branch == "" {
		k.Branch = via.Branch()
	}
	if k.Method == "" {
		k.Method = cseq.Method
		if k.Method.Equal(RequestMethodAck) {
			k.Method = RequestMethodInvite
		}
	}
}

func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method.IsValid() }

func (k ClientTransactionKey) Equal(val any) bool {
	var other ClientTransactionKey
	switch v := val.(type) {
	case ClientTransactionKey:
		other = v
	case *ClientTransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return k.Branch == other.Branch && k.Method.Equal(other.Method)
}

func (k ClientTransactionKey) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, util.SizePrefixedString(k.Branch)+util.SizePrefixedString(string(k.Method)))
	buf = util.AppendPrefixedString(buf, k.Branch)
	buf = util.AppendPrefixedString(buf, string(k.Method.ToUpper()))
	return buf, nil
}

func (k *ClientTransactionKey) UnmarshalBinary(data []byte) error {
	branch, rest, err := util.ConsumePrefixedString(data)
	if err != nil {
		return errtrace.Wrap(err)
	}
	method, _, err := util.ConsumePrefixedString(rest)
	if err != nil {
		return errtrace.Wrap(err)
	}
	k.Branch = branch
	k.Method = RequestMethod(method)
	return nil
}

func (k ClientTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k ClientTransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, k.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(k.String()))
	default:
		type hideMethods ClientTransactionKey
		type ClientTransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ClientTransactionKey(k))
	}
}

func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

// ClientTransactionOptions is optional configuration for client transactions.
type ClientTransactionOptions struct {
	// Key overrides the key derived from the request.
	Key ClientTransactionKey
	// Timings overrides the RFC 3261 default timer values.
	Timings TimingConfig
	// SendOpts are passed to the transport on every send.
	SendOpts *SendRequestOptions
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *ClientTransactionOptions) key() ClientTransactionKey {
	if opts == nil {
		return ClientTransactionKey{}
	}
	return opts.Key
}

func (opts *ClientTransactionOptions) timings() TimingConfig {
	if opts == nil {
		return defTimingCfg
	}
	return opts.Timings
}

func (opts *ClientTransactionOptions) sendOpts() *SendRequestOptions {
	if opts == nil || opts.SendOpts == nil {
		return &SendRequestOptions{}
	}
	return opts.SendOpts
}

func (opts *ClientTransactionOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// clientTransact is the shared core of INVITE and non-INVITE client transactions.
type clientTransact struct {
	*baseTransact

	key     ClientTransactionKey
	tp      Transport
	timings TimingConfig
	req     *Request
	sndOpts *SendRequestOptions

	lastRes     atomic.Pointer[Response]
	onRes       types.CallbackManager[func(*Response)]
	pendingRess types.Deque[*Response]
}

func newClientTransact(
	typ TransactionType,
	initial TransactionState,
	impl ClientTransaction,
	req *Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}

	key := opts.key()
	via, _ := req.TopVia()
	key.FillFromMessage(via, req.CSeq)
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed transaction key %q", key))
	}

	tx := &clientTransact{
		baseTransact: newBaseTransact(typ, initial, opts.log()),
		key:          key,
		tp:           tp,
		timings:      opts.timings(),
		req:          req,
		sndOpts:      opts.sendOpts(),
	}
	tx.setContext(clnTransactCtxKey, impl)
	return tx, nil
}

func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

func (tx *clientTransact) Request() *Request { return tx.req }

func (tx *clientTransact) LastResponse() *Response { return tx.lastRes.Load() }

func (tx *clientTransact) MatchResponse(res *Response) bool {
	if res == nil {
		return false
	}
	key := ClientTransactionKey{}
	via, _ := res.TopVia()
	key.FillFromMessage(via, res.CSeq)
	return tx.key.Equal(key)
}

// RecvResponse routes the response into the state machine by its status class.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.MatchResponse(res) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMessageNotMatched, "response %s", res))
	}

	var evt string
	switch {
	case res.Status.IsProvisional():
		evt = txEvtRecv1xx
	case res.Status.IsSuccessful():
		evt = txEvtRecv2xx
	default:
		evt = txEvtRecv300699
	}
	return errtrace.Wrap(tx.fire(ctx, evt, res))
}

func (tx *clientTransact) OnResponse(fn func(res *Response)) (remove func()) {
	remove = tx.onRes.Add(fn)
	for _, res := range tx.pendingRess.Drain() {
		fn(res)
	}
	return remove
}

// sendReq sends the request. A transport failure is returned to the caller
// without touching the state machine, the TU picks between Retry and
// Terminate.
func (tx *clientTransact) sendReq(ctx context.Context) error {
	if err := tx.tp.SendRequest(ctx, tx.req, tx.sndOpts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "request send failed",
			slog.Any("request", tx.req), slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *clientTransact) Retry(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"%s transaction is terminated", string(tx.typ)))
	}
	return errtrace.Wrap(tx.sendReq(ctx))
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx) //nolint:errcheck
	return nil
}

// actPassRes stores the response and delivers it to listeners, buffering it
// when no listener has been registered yet.
func (tx *clientTransact) actPassRes(_ context.Context, args ...any) error {
	res, ok := args[0].(*Response)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("expected *Response, got %T", args[0]))
	}
	tx.lastRes.Store(res)
	if tx.onRes.Len() == 0 {
		tx.pendingRess.Append(res)
		return nil
	}
	for cb := range tx.onRes.All() {
		cb(res)
	}
	return nil
}

func (tx *clientTransact) LogValue() slog.Value { return tx.logValue(tx.key) }

// swapStopTimer atomically clears the timer slot and stops the timer.
func swapStopTimer(p *atomic.Pointer[timeutil.SerializableTimer]) {
	if tmr := p.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

// ClientTransactionSnapshot is a serializable view of a client transaction.
// Unused timer fields stay nil depending on the transaction kind.
type ClientTransactionSnapshot struct {
	Type         TransactionType      `json:"type"`
	Key          ClientTransactionKey `json:"key"`
	State        TransactionState     `json:"state"`
	Request      *Request             `json:"request"`
	LastResponse *Response            `json:"last_response,omitempty"`
	Timings      TimingConfig         `json:"timings,omitzero"`

	TimerA *timeutil.TimerSnapshot `json:"timer_a,omitempty"`
	TimerB *timeutil.TimerSnapshot `json:"timer_b,omitempty"`
	TimerD *timeutil.TimerSnapshot `json:"timer_d,omitempty"`
	TimerM *timeutil.TimerSnapshot `json:"timer_m,omitempty"`
	TimerE *timeutil.TimerSnapshot `json:"timer_e,omitempty"`
	TimerF *timeutil.TimerSnapshot `json:"timer_f,omitempty"`
	TimerK *timeutil.TimerSnapshot `json:"timer_k,omitempty"`
}
