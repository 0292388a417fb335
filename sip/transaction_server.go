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
	"github.com/ghettovoice/govoip/internal/util"
)

// ServerTransaction is a server transaction of any kind.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key the transaction is matched by.
	Key() ServerTransactionKey
	// Request returns the request the transaction was created for.
	Request() *Request
	// Respond builds a response from the original request and pushes it
	// through the transaction state machine.
	Respond(ctx context.Context, sts ResponseStatus, opts *ResponseOptions) error
	// RecvRequest feeds a retransmitted or related inbound request
	// into the transaction state machine.
	RecvRequest(ctx context.Context, req *Request) error
	// MatchRequest reports whether the request belongs to this transaction.
	MatchRequest(req *Request) bool
	// LastResponse returns the last response sent, if any.
	LastResponse() *Response
}

// ServerTransactionKey identifies a server transaction.
//
// For requests whose top Via branch carries the RFC 3261 magic cookie the key
// is branch + sent-by + method (section 17.2.3). Otherwise the RFC 2543
// fallback tuple is used. ACK always maps onto the INVITE transaction it
// acknowledges.
type ServerTransactionKey struct {
	// RFC 3261 component.
	Branch string
	SentBy string

	// RFC 2543 fallback components.
	Via     string
	URI     string
	FromTag string
	ToTag   string
	CallID  string
	CSeqNum uint32

	Method RequestMethod
}

// Key marshaling type tags.
const (
	srvKeyTagRFC3261 byte = 1
	srvKeyTagRFC2543 byte = 2
)

// FillFromRequest fills the key from the request.
func (k *ServerTransactionKey) FillFromRequest(req *Request) {
	via, _ := req.TopVia()

	method := req.Method
	if method.Equal(RequestMethodAck) {
		method = RequestMethodInvite
	}
	k.Method = method.ToUpper()

	if via.IsRFC3261Branch() {
		k.Branch = via.Branch()
		k.SentBy = util.LCase(via.Addr.String())
		return
	}

	k.Via = via.String()
	k.URI = req.URI.String()
	k.FromTag = req.From.Tag()
	k.ToTag = req.To.Tag()
	if req.IsAck() {
		// The original INVITE had no To tag, RFC 3261 section 17.2.3.
		k.ToTag = ""
	}
	k.CallID = req.CallID
	k.CSeqNum = req.CSeq.Num
}

// IsRFC3261 reports whether the key was built from a magic cookie branch.
func (k ServerTransactionKey) IsRFC3261() bool { return k.Branch != "" }

func (k ServerTransactionKey) IsValid() bool {
	if !k.Method.IsValid() {
		return false
	}
	if k.IsRFC3261() {
		return k.SentBy != ""
	}
	return k.Via != "" && k.CallID != ""
}

func (k ServerTransactionKey) Equal(val any) bool {
	var other ServerTransactionKey
	switch v := val.(type) {
	case ServerTransactionKey:
		other = v
	case *ServerTransactionKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	if !k.Method.Equal(other.Method) {
		return false
	}
	if k.IsRFC3261() != other.IsRFC3261() {
		return false
	}
	if k.IsRFC3261() {
		return k.Branch == other.Branch && util.EqFold(k.SentBy, other.SentBy)
	}
	return k.Via == other.Via &&
		k.URI == other.URI &&
		k.FromTag == other.FromTag &&
		k.ToTag == other.ToTag &&
		k.CallID == other.CallID &&
		k.CSeqNum == other.CSeqNum
}

func (k ServerTransactionKey) MarshalBinary() ([]byte, error) {
	if k.IsRFC3261() {
		buf := make([]byte, 0, 1+
			util.SizePrefixedString(k.Branch)+
			util.SizePrefixedString(k.SentBy)+
			util.SizePrefixedString(string(k.Method)))
		buf = append(buf, srvKeyTagRFC3261)
		buf = util.AppendPrefixedString(buf, k.Branch)
		buf = util.AppendPrefixedString(buf, k.SentBy)
		buf = util.AppendPrefixedString(buf, string(k.Method.ToUpper()))
		return buf, nil
	}

	buf := make([]byte, 0, 1+
		util.SizePrefixedString(k.Via)+
		util.SizePrefixedString(k.URI)+
		util.SizePrefixedString(k.FromTag)+
		util.SizePrefixedString(k.ToTag)+
		util.SizePrefixedString(k.CallID)+
		util.SizeUVarInt(uint64(k.CSeqNum))+
		util.SizePrefixedString(string(k.Method)))
	buf = append(buf, srvKeyTagRFC2543)
	buf = util.AppendPrefixedString(buf, k.Via)
	buf = util.AppendPrefixedString(buf, k.URI)
	buf = util.AppendPrefixedString(buf, k.FromTag)
	buf = util.AppendPrefixedString(buf, k.ToTag)
	buf = util.AppendPrefixedString(buf, k.CallID)
	buf = util.AppendUVarInt(buf, uint64(k.CSeqNum))
	buf = util.AppendPrefixedString(buf, string(k.Method.ToUpper()))
	return buf, nil
}

func (k *ServerTransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError("empty key data"))
	}
	tag, rest := data[0], data[1:]
	var err error

	switch tag {
	case srvKeyTagRFC3261:
		if k.Branch, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if k.SentBy, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		var method string
		if method, _, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		k.Method = RequestMethod(method)
		return nil
	case srvKeyTagRFC2543:
		if k.Via, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if k.URI, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if k.FromTag, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if k.ToTag, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if k.CallID, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		var num uint64
		if num, rest, err = util.ConsumeUVarInt(rest); err != nil {
			return errtrace.Wrap(err)
		}
		k.CSeqNum = uint32(num)
		var method string
		if method, _, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		k.Method = RequestMethod(method)
		return nil
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown key type tag %d", tag))
	}
}

func (k ServerTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k ServerTransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, k.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(k.String()))
	default:
		type hideMethods ServerTransactionKey
		type ServerTransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ServerTransactionKey(k))
	}
}

func (k ServerTransactionKey) LogValue() slog.Value {
	if k.IsRFC3261() {
		return slog.GroupValue(
			slog.String("branch", k.Branch),
			slog.String("sent_by", k.SentBy),
			slog.String("method", string(k.Method)),
		)
	}
	return slog.GroupValue(
		slog.String("via", k.Via),
		slog.String("call_id", k.CallID),
		slog.Uint64("cseq_num", uint64(k.CSeqNum)),
		slog.String("method", string(k.Method)),
	)
}

// ServerTransactionOptions is optional configuration for server transactions.
type ServerTransactionOptions struct {
	// Key overrides the key derived from the request.
	Key ServerTransactionKey
	// Timings overrides the RFC 3261 default timer values.
	Timings TimingConfig
	// SendOpts are passed to the transport on every response send.
	SendOpts *SendResponseOptions
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *ServerTransactionOptions) key() ServerTransactionKey {
	if opts == nil {
		return ServerTransactionKey{}
	}
	return opts.Key
}

func (opts *ServerTransactionOptions) timings() TimingConfig {
	if opts == nil {
		return defTimingCfg
	}
	return opts.Timings
}

func (opts *ServerTransactionOptions) sendOpts() *SendResponseOptions {
	if opts == nil || opts.SendOpts == nil {
		return &SendResponseOptions{}
	}
	return opts.SendOpts
}

func (opts *ServerTransactionOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// serverTransact is the shared core of INVITE and non-INVITE server transactions.
type serverTransact struct {
	*baseTransact

	key     ServerTransactionKey
	tp      Transport
	timings TimingConfig
	req     *Request
	sndOpts *SendResponseOptions

	lastRes atomic.Pointer[Response]
}

func newServerTransact(
	typ TransactionType,
	initial TransactionState,
	impl ServerTransaction,
	req *Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transport"))
	}

	key := opts.key()
	if !key.IsValid() {
		key.FillFromRequest(req)
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("malformed transaction key %q", key))
	}

	tx := &serverTransact{
		baseTransact: newBaseTransact(typ, initial, opts.log()),
		key:          key,
		tp:           tp,
		timings:      opts.timings(),
		req:          req,
		sndOpts:      opts.sendOpts(),
	}
	tx.setContext(srvTransactCtxKey, impl)
	return tx, nil
}

func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

func (tx *serverTransact) Request() *Request { return tx.req }

func (tx *serverTransact) LastResponse() *Response { return tx.lastRes.Load() }

func (tx *serverTransact) MatchRequest(req *Request) bool {
	if req == nil {
		return false
	}
	key := ServerTransactionKey{}
	key.FillFromRequest(req)
	return tx.key.Equal(key)
}

// Respond builds a response from the original request and pushes it through
// the state machine by its status class.
func (tx *serverTransact) Respond(ctx context.Context, sts ResponseStatus, opts *ResponseOptions) error {
	res, err := tx.req.NewResponse(sts, opts)
	if err != nil {
		return errtrace.Wrap(err)
	}

	var evt string
	switch {
	case sts.IsProvisional():
		evt = txEvtSend1xx
	case sts.IsSuccessful():
		evt = txEvtSend2xx
	default:
		evt = txEvtSend300699
	}
	return errtrace.Wrap(tx.fire(ctx, evt, res))
}

// RecvRequest feeds a retransmitted request into the state machine.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.MatchRequest(req) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMessageNotMatched, "request %s", req))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
}

// actSendRes sends the response and remembers it for retransmission. A send
// failure is returned to the SendResponse caller without touching the state
// machine, the retransmit timers take care of the re-send.
func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res, ok := args[0].(*Response)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("expected *Response, got %T", args[0]))
	}
	defer tx.lastRes.Store(res)

	if err := tx.tp.SendResponse(ctx, res, tx.sndOpts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response send failed",
			slog.Any("response", res), slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	return nil
}

// actResendRes retransmits the last sent response, if any. Timer driven,
// a send failure here is logged and swallowed, the next tick retries.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		return nil
	}
	if err := tx.tp.SendResponse(ctx, res, tx.sndOpts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response resend failed",
			slog.Any("response", res), slog.Any("error", err))
	}
	return nil
}

func (tx *serverTransact) LogValue() slog.Value { return tx.logValue(tx.key) }

// ServerTransactionSnapshot is a serializable view of a server transaction.
// Unused timer fields stay nil depending on the transaction kind.
type ServerTransactionSnapshot struct {
	Type         TransactionType      `json:"type"`
	Key          ServerTransactionKey `json:"key"`
	State        TransactionState     `json:"state"`
	Request      *Request             `json:"request"`
	LastResponse *Response            `json:"last_response,omitempty"`
	Timings      TimingConfig         `json:"timings,omitzero"`

	Timer1xx *timeutil.TimerSnapshot `json:"timer_1xx,omitempty"`
	TimerG   *timeutil.TimerSnapshot `json:"timer_g,omitempty"`
	TimerH   *timeutil.TimerSnapshot `json:"timer_h,omitempty"`
	TimerI   *timeutil.TimerSnapshot `json:"timer_i,omitempty"`
	TimerL   *timeutil.TimerSnapshot `json:"timer_l,omitempty"`
	TimerJ   *timeutil.TimerSnapshot `json:"timer_j,omitempty"`
}
