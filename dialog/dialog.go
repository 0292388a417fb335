// Package dialog implements SIP dialog identity, state and in-dialog request
// construction per RFC 3261 section 12, with network failure recovery on top.
package dialog

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/types"
	"github.com/ghettovoice/govoip/internal/util"
	"github.com/ghettovoice/govoip/sip"
)

// DialogState is a state of the dialog state machine.
type DialogState string

const (
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateRecovering DialogState = "recovering"
	DialogStateTerminated DialogState = "terminated"
)

// Dialog state machine triggers.
const (
	dlgEvtConfirm     = "confirm"
	dlgEvtRecover     = "recover"
	dlgEvtRecoverOK   = "recover_ok"
	dlgEvtRecoverFail = "recover_fail"
	dlgEvtTerminate   = "terminate"
)

// DialogKey identifies a dialog per RFC 3261 section 12: the Call-ID plus
// the local and remote tags.
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k DialogKey) IsValid() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

func (k DialogKey) Equal(val any) bool {
	var other DialogKey
	switch v := val.(type) {
	case DialogKey:
		other = v
	case *DialogKey:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return k == other
}

func (k DialogKey) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, util.SizePrefixedString(k.CallID)+
		util.SizePrefixedString(k.LocalTag)+util.SizePrefixedString(k.RemoteTag))
	buf = util.AppendPrefixedString(buf, k.CallID)
	buf = util.AppendPrefixedString(buf, k.LocalTag)
	buf = util.AppendPrefixedString(buf, k.RemoteTag)
	return buf, nil
}

func (k *DialogKey) UnmarshalBinary(data []byte) error {
	callID, rest, err := util.ConsumePrefixedString(data)
	if err != nil {
		return errtrace.Wrap(err)
	}
	localTag, rest, err := util.ConsumePrefixedString(rest)
	if err != nil {
		return errtrace.Wrap(err)
	}
	remoteTag, _, err := util.ConsumePrefixedString(rest)
	if err != nil {
		return errtrace.Wrap(err)
	}
	k.CallID, k.LocalTag, k.RemoteTag = callID, localTag, remoteTag
	return nil
}

func (k DialogKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k DialogKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, k.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(k.String()))
	default:
		type hideMethods DialogKey
		type DialogKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), DialogKey(k))
	}
}

func (k DialogKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("local_tag", k.LocalTag),
		slog.String("remote_tag", k.RemoteTag),
	)
}

// DialogOptions is optional configuration for dialogs.
type DialogOptions struct {
	// Contact overrides the local Contact copied into in-dialog requests.
	Contact *sip.NameAddr
	// RemoteAddr overrides the remote transport address derived from
	// the remote target URI.
	RemoteAddr sip.Addr
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *DialogOptions) contact() *sip.NameAddr {
	if opts == nil {
		return nil
	}
	return opts.Contact
}

func (opts *DialogOptions) remoteAddr() sip.Addr {
	if opts == nil {
		return sip.Addr{}
	}
	return opts.RemoteAddr
}

func (opts *DialogOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// Dialog is a single SIP dialog.
//
//	Early -> Confirmed -> Recovering -> (Confirmed | Terminated)
//
// plus Terminated from any state on explicit termination. All exported
// methods are safe for concurrent use. State change callbacks run inside the
// state transition and must not call back into the dialog.
type Dialog struct {
	key DialogKey
	fsm *stateless.StateMachine
	log *slog.Logger

	mu           sync.Mutex
	localSeq     uint32
	remoteSeq    uint32
	localAddr    sip.NameAddr
	remoteAddr   sip.NameAddr
	remoteTarget sip.URI
	routeSet     []string
	via          sip.Via
	contact      *sip.NameAddr

	// recovery metadata
	remoteSentBy   sip.Addr
	lastOKAt       time.Time
	recoveryReason string

	onState types.CallbackManager[func(DialogState)]
}

func newDialog(key DialogKey, initial DialogState, opts *DialogOptions) *Dialog {
	dlg := &Dialog{
		key: key,
		log: opts.log(),
	}
	dlg.fsm = stateless.NewStateMachineWithMode(initial, stateless.FiringQueued)
	dlg.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		state, ok := tr.Destination.(DialogState)
		if !ok || tr.Source == tr.Destination {
			return
		}
		for cb := range dlg.onState.All() {
			cb(state)
		}
	})

	dlg.fsm.Configure(DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateConfirmed).
		Permit(dlgEvtRecover, DialogStateRecovering).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateRecovering).
		Permit(dlgEvtRecoverOK, DialogStateConfirmed).
		Permit(dlgEvtRecoverFail, DialogStateTerminated).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	return dlg
}

// NewUACDialog creates a dialog on the caller side from the INVITE request and
// a provisional or final response carrying a To tag, RFC 3261 section 12.1.2:
// the route set is the response's Record-Route reversed, the remote target is
// the response Contact.
func NewUACDialog(req *sip.Request, res *sip.Response, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !req.IsInvite() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(
			"unexpected %s request", string(req.Method)))
	}

	key := DialogKey{
		CallID:    res.CallID,
		LocalTag:  res.From.Tag(),
		RemoteTag: res.To.Tag(),
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("malformed dialog key %+v", key))
	}

	initial := DialogStateConfirmed
	if res.Status.IsProvisional() {
		initial = DialogStateEarly
	}

	dlg := newDialog(key, initial, opts)
	dlg.localSeq = req.CSeq.Num
	dlg.localAddr = res.From.Clone()
	dlg.remoteAddr = res.To.Clone()
	dlg.remoteTarget = remoteTargetFrom(res.Contact, req.URI)
	dlg.routeSet = reversedRoutes(res.Headers.Get("Record-Route"))
	dlg.contact = opts.contact()
	if dlg.contact == nil && req.Contact != nil {
		c := req.Contact.Clone()
		dlg.contact = &c
	}
	if via, ok := req.TopVia(); ok {
		dlg.via = via.Clone()
	}
	dlg.remoteSentBy = opts.remoteAddr()
	if dlg.remoteSentBy.IsZero() {
		dlg.remoteSentBy = dlg.remoteTarget.Addr.Clone()
	}
	dlg.lastOKAt = time.Now()
	return dlg, nil
}

// NewUASDialog creates a dialog on the callee side from the INVITE request
// and the to-tagged response sent for it, RFC 3261 section 12.1.1: the route
// set is the request's Record-Route in order, the remote target is the
// request Contact.
func NewUASDialog(req *sip.Request, res *sip.Response, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !req.IsInvite() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(
			"unexpected %s request", string(req.Method)))
	}

	key := DialogKey{
		CallID:    req.CallID,
		LocalTag:  res.To.Tag(),
		RemoteTag: req.From.Tag(),
	}
	if !key.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("malformed dialog key %+v", key))
	}

	initial := DialogStateConfirmed
	if res.Status.IsProvisional() {
		initial = DialogStateEarly
	}

	dlg := newDialog(key, initial, opts)
	dlg.remoteSeq = req.CSeq.Num
	dlg.localAddr = res.To.Clone()
	dlg.remoteAddr = req.From.Clone()
	dlg.remoteTarget = remoteTargetFrom(req.Contact, req.From.URI)
	dlg.routeSet = slices.Clone(req.Headers.Get("Record-Route"))
	dlg.contact = opts.contact()
	dlg.remoteSentBy = opts.remoteAddr()
	if dlg.remoteSentBy.IsZero() {
		if via, ok := req.TopVia(); ok {
			dlg.remoteSentBy = via.Addr.Clone()
		}
	}
	if dlg.contact != nil {
		dlg.via = sip.Via{Transp: sip.TransportProtoUDP, Addr: dlg.contact.URI.Addr.Clone()}
	}
	dlg.lastOKAt = time.Now()
	return dlg, nil
}

func remoteTargetFrom(contact *sip.NameAddr, fallback sip.URI) sip.URI {
	if contact != nil && contact.URI.IsValid() {
		return contact.URI.Clone()
	}
	return fallback.Clone()
}

func reversedRoutes(rrs []string) []string {
	if len(rrs) == 0 {
		return nil
	}
	out := slices.Clone(rrs)
	slices.Reverse(out)
	return out
}

// Key returns the dialog key.
func (dlg *Dialog) Key() DialogKey { return dlg.key }

// State returns the current dialog state.
func (dlg *Dialog) State() DialogState {
	return dlg.fsm.MustState().(DialogState) //nolint:forcetypeassert
}

// OnStateChanged registers a state change callback and
// returns a function removing it.
func (dlg *Dialog) OnStateChanged(fn func(state DialogState)) (remove func()) {
	return dlg.onState.Add(fn)
}

// LocalSeq returns the CSeq number of the last request sent on the dialog.
func (dlg *Dialog) LocalSeq() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.localSeq
}

// RemoteSeq returns the CSeq number of the last request received on the dialog.
func (dlg *Dialog) RemoteSeq() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteSeq
}

// RemoteTarget returns the current remote target URI.
func (dlg *Dialog) RemoteTarget() sip.URI {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteTarget.Clone()
}

// RemoteAddr returns the last known remote transport address.
func (dlg *Dialog) RemoteAddr() sip.Addr {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteSentBy.Clone()
}

// LastActiveAt returns the time of the last successful transaction
// on the dialog.
func (dlg *Dialog) LastActiveAt() time.Time {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.lastOKAt
}

// RecoveryReason returns the reason of the recovery in progress,
// empty outside of recovery.
func (dlg *Dialog) RecoveryReason() string {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.recoveryReason
}

// Confirm moves an early dialog to confirmed using the final response:
// the remote target and the route set are refreshed, RFC 3261 section 13.2.2.4.
func (dlg *Dialog) Confirm(ctx context.Context, res *sip.Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if state := dlg.State(); state != DialogStateEarly {
		return errtrace.Wrap(NewInvalidStateError(state, DialogStateEarly))
	}

	dlg.mu.Lock()
	if res.Contact != nil && res.Contact.URI.IsValid() {
		dlg.remoteTarget = res.Contact.URI.Clone()
	}
	if rrs := res.Headers.Get("Record-Route"); len(rrs) > 0 {
		dlg.routeSet = reversedRoutes(rrs)
	}
	dlg.lastOKAt = time.Now()
	dlg.mu.Unlock()
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtConfirm))
}

// NewRequest builds the next in-dialog request: the local CSeq is strictly
// incremented, identity headers are copied from the dialog, the route set is
// attached as Route headers. Allowed on confirmed dialogs only.
func (dlg *Dialog) NewRequest(method sip.RequestMethod) (*sip.Request, error) {
	if state := dlg.State(); state != DialogStateConfirmed {
		return nil, errtrace.Wrap(NewInvalidStateError(state, DialogStateConfirmed))
	}

	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return errtrace.Wrap2(dlg.newRequestLocked(method))
}

func (dlg *Dialog) newRequestLocked(method sip.RequestMethod) (*sip.Request, error) {
	if !method.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("malformed method %q", string(method)))
	}

	dlg.localSeq++

	via := dlg.via.Clone()
	params := via.Params.Clone()
	if params == nil {
		params = make(sip.Values, 1)
	}
	via.Params = params.Set("branch", sip.GenerateBranch())

	req := &sip.Request{
		Method:      method,
		URI:         dlg.remoteTarget.Clone(),
		Proto:       sip.ProtoSIP2,
		Via:         []sip.Via{via},
		From:        dlg.localAddr.Clone(),
		To:          dlg.remoteAddr.Clone(),
		CallID:      dlg.key.CallID,
		CSeq:        sip.CSeq{Num: dlg.localSeq, Method: method},
		MaxForwards: 70,
	}
	if dlg.contact != nil {
		c := dlg.contact.Clone()
		req.Contact = &c
	}
	if len(dlg.routeSet) > 0 {
		req.Headers = make(sip.Values, 1)
		for _, route := range dlg.routeSet {
			req.Headers.Append("Route", route)
		}
	}
	return req, nil
}

// RecvRequest applies an inbound in-dialog request: the remote CSeq must be
// strictly increasing (RFC 3261 section 12.2.2), target refresh requests
// update the remote target from their Contact.
func (dlg *Dialog) RecvRequest(req *sip.Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if state := dlg.State(); state == DialogStateTerminated {
		return errtrace.Wrap(NewInvalidStateError(state, DialogStateConfirmed))
	}

	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	// ACK carries the CSeq of the INVITE it acknowledges.
	if req.IsAck() {
		dlg.lastOKAt = time.Now()
		return nil
	}
	if dlg.remoteSeq != 0 && req.CSeq.Num <= dlg.remoteSeq {
		return errtrace.Wrap(errorWrapOutOfOrder(req.CSeq.Num, dlg.remoteSeq))
	}
	dlg.remoteSeq = req.CSeq.Num
	if isTargetRefresh(req.Method) && req.Contact != nil && req.Contact.URI.IsValid() {
		dlg.remoteTarget = req.Contact.URI.Clone()
	}
	dlg.lastOKAt = time.Now()
	return nil
}

// Touch records a successful transaction on the dialog.
func (dlg *Dialog) Touch() {
	dlg.mu.Lock()
	dlg.lastOKAt = time.Now()
	dlg.mu.Unlock()
}

// NeedsRecovery reports whether the dialog is a candidate for recovery:
// it is confirmed, has a known remote address and saw at least one
// successful transaction. Only confirmed dialogs recover, an early dialog
// is abandoned with its INVITE instead of probed.
func (dlg *Dialog) NeedsRecovery() bool {
	if dlg.State() != DialogStateConfirmed {
		return false
	}
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteSentBy.IsValid() && !dlg.lastOKAt.IsZero()
}

// beginRecovery moves the dialog to recovering. It reports false without an
// error when a recovery is already in flight.
func (dlg *Dialog) beginRecovery(ctx context.Context, reason string) (bool, error) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	switch state := dlg.State(); state {
	case DialogStateRecovering:
		return false, nil
	case DialogStateConfirmed:
	default:
		return false, errtrace.Wrap(NewInvalidStateError(state, DialogStateConfirmed))
	}
	if err := dlg.fsm.FireCtx(ctx, dlgEvtRecover); err != nil {
		return false, errtrace.Wrap(err)
	}
	dlg.recoveryReason = reason
	return true, nil
}

// completeRecovery finishes the recovery attempt: back to confirmed on
// success, terminated on failure.
func (dlg *Dialog) completeRecovery(ctx context.Context, ok bool) error {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.State() != DialogStateRecovering {
		return nil
	}
	evt := dlgEvtRecoverFail
	if ok {
		evt = dlgEvtRecoverOK
		dlg.recoveryReason = ""
		dlg.lastOKAt = time.Now()
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, evt))
}

// nextProbeRequest builds the recovery probe bypassing the confirmed-only
// rule of NewRequest, the dialog is recovering at this point.
func (dlg *Dialog) nextProbeRequest() (*sip.Request, error) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return errtrace.Wrap2(dlg.newRequestLocked(sip.RequestMethodOptions))
}

// Terminate forcibly moves the dialog to the terminated state.
func (dlg *Dialog) Terminate(ctx context.Context) error {
	if dlg.State() == DialogStateTerminated {
		return nil
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtTerminate))
}

func (dlg *Dialog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("key", dlg.key),
		slog.String("state", string(dlg.State())),
	)
}

func isTargetRefresh(method sip.RequestMethod) bool {
	return method.Equal(sip.RequestMethodInvite) || method.Equal(sip.RequestMethodUpdate)
}
