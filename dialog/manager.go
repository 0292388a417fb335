package dialog

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/dns"
	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/syncutil"
	"github.com/ghettovoice/govoip/internal/types"
	"github.com/ghettovoice/govoip/sip"
)

// defProbeTimeout bounds a single recovery probe attempt.
const defProbeTimeout = 5 * time.Second

// defSIPPort is used when the recovered remote address carries no port.
const defSIPPort = 5060

// RequestSender sends requests through client transactions.
// Implemented by [sip.TransactionManager].
type RequestSender interface {
	SendRequest(ctx context.Context, req *sip.Request, opts *sip.ClientTransactionOptions) (sip.ClientTransaction, error)
}

// TargetResolver resolves failover candidates for a SIP host.
// Implemented by [dns.Resolver].
type TargetResolver interface {
	ResolveTargets(ctx context.Context, proto, host string, defPort uint16) ([]dns.Target, error)
}

// DialogManagerOptions is optional configuration for [DialogManager].
type DialogManagerOptions struct {
	// Resolver re-resolves the remote address before a recovery probe.
	// Probes go to the cached remote address when nil.
	Resolver TargetResolver
	// ProbeTimeout bounds a recovery probe attempt, default 5 seconds.
	ProbeTimeout time.Duration
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *DialogManagerOptions) resolver() TargetResolver {
	if opts == nil {
		return nil
	}
	return opts.Resolver
}

func (opts *DialogManagerOptions) probeTimeout() time.Duration {
	if opts == nil || opts.ProbeTimeout <= 0 {
		return defProbeTimeout
	}
	return opts.ProbeTimeout
}

func (opts *DialogManagerOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// DialogManager owns the table of live dialogs keyed by [DialogKey] and
// drives in-dialog requests and recovery through the request sender.
type DialogManager struct {
	sender   RequestSender
	resolver TargetResolver
	probeTO  time.Duration
	log      *slog.Logger

	dialogs *syncutil.ShardMap[DialogKey, *Dialog]
	closing atomic.Bool
	onNew   types.CallbackManager[func(*Dialog)]
}

// NewDialogManager creates a new dialog manager on top of the request sender.
func NewDialogManager(sender RequestSender, opts *DialogManagerOptions) (*DialogManager, error) {
	if sender == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("nil request sender"))
	}
	return &DialogManager{
		sender:   sender,
		resolver: opts.resolver(),
		probeTO:  opts.probeTimeout(),
		log:      opts.log(),
		dialogs:  syncutil.NewShardMap[DialogKey, *Dialog](),
	}, nil
}

// OnNewDialog registers a callback invoked for every dialog created by the
// manager.
func (mng *DialogManager) OnNewDialog(fn func(dlg *Dialog)) (remove func()) {
	return mng.onNew.Add(fn)
}

// Len returns the number of live dialogs.
func (mng *DialogManager) Len() int { return mng.dialogs.Size() }

// All iterates over all live dialogs.
func (mng *DialogManager) All() iter.Seq2[DialogKey, *Dialog] { return mng.dialogs.Items() }

// Lookup returns the dialog stored under the key.
func (mng *DialogManager) Lookup(key DialogKey) (*Dialog, bool) { return mng.dialogs.Get(key) }

// UACDialogFromResponse creates and registers a caller side dialog from the
// INVITE and its to-tagged response.
func (mng *DialogManager) UACDialogFromResponse(
	req *sip.Request,
	res *sip.Response,
	opts *DialogOptions,
) (*Dialog, error) {
	return errtrace.Wrap2(mng.add(func() (*Dialog, error) { return NewUACDialog(req, res, mng.dialogOpts(opts)) }))
}

// UASDialogFromRequest creates and registers a callee side dialog from the
// INVITE and the to-tagged response sent for it.
func (mng *DialogManager) UASDialogFromRequest(
	req *sip.Request,
	res *sip.Response,
	opts *DialogOptions,
) (*Dialog, error) {
	return errtrace.Wrap2(mng.add(func() (*Dialog, error) { return NewUASDialog(req, res, mng.dialogOpts(opts)) }))
}

func (mng *DialogManager) dialogOpts(opts *DialogOptions) *DialogOptions {
	if opts == nil {
		opts = &DialogOptions{}
	}
	if opts.Logger == nil {
		opts.Logger = mng.log
	}
	return opts
}

func (mng *DialogManager) add(build func() (*Dialog, error)) (*Dialog, error) {
	if mng.closing.Load() {
		return nil, errtrace.Wrap(error(ErrDialogManagerClosed))
	}

	dlg, err := build()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if _, ok := mng.dialogs.Get(dlg.Key()); ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDialogExists, "key %s", dlg.Key()))
	}
	mng.dialogs.Set(dlg.Key(), dlg)
	dlg.OnStateChanged(func(state DialogState) {
		if state == DialogStateTerminated {
			mng.dialogs.Del(dlg.Key())
		}
	})
	for cb := range mng.onNew.All() {
		cb(dlg)
	}
	mng.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog created",
		slog.Any("dialog", dlg))
	return dlg, nil
}

// SendRequest builds the next in-dialog request for the dialog and sends it
// through a new client transaction. A final response to a BYE terminates
// the dialog.
func (mng *DialogManager) SendRequest(
	ctx context.Context,
	key DialogKey,
	method sip.RequestMethod,
) (sip.ClientTransaction, error) {
	dlg, ok := mng.dialogs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "key %s", key))
	}

	req, err := dlg.NewRequest(method)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx, err := mng.sender.SendRequest(ctx, req, nil)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.OnResponse(func(res *sip.Response) {
		if !res.Status.IsFinal() {
			return
		}
		dlg.Touch()
		if method.Equal(sip.RequestMethodBye) {
			dlg.Terminate(context.Background()) //nolint:errcheck
		}
	})
	return tx, nil
}

// Recover starts a recovery attempt for the dialog: an OPTIONS probe to the
// last known remote address, optionally re-resolved through the resolver.
// Calling it on an already recovering dialog is a no-op, exactly one probe
// runs at a time.
func (mng *DialogManager) Recover(ctx context.Context, key DialogKey, reason string) error {
	if mng.closing.Load() {
		return errtrace.Wrap(error(ErrDialogManagerClosed))
	}
	dlg, ok := mng.dialogs.Get(key)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "key %s", key))
	}

	started, err := dlg.beginRecovery(ctx, reason)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !started {
		return nil
	}
	mng.log.LogAttrs(ctx, slog.LevelDebug, "dialog recovery started",
		slog.Any("dialog", dlg), slog.String("reason", reason))
	go mng.probe(dlg)
	return nil
}

// probe runs one recovery attempt to completion.
func (mng *DialogManager) probe(dlg *Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), mng.probeTO)
	defer cancel()

	ok := mng.probeOnce(ctx, dlg)
	if err := dlg.completeRecovery(context.Background(), ok); err != nil {
		mng.log.LogAttrs(ctx, slog.LevelWarn, "dialog recovery completion failed",
			slog.Any("dialog", dlg), slog.Any("error", err))
		return
	}
	mng.log.LogAttrs(ctx, slog.LevelDebug, "dialog recovery finished",
		slog.Any("dialog", dlg), slog.Bool("recovered", ok))
}

// probeOnce sends the OPTIONS probe and reports whether the remote answered.
// Any response proves the peer is reachable, its status does not matter.
func (mng *DialogManager) probeOnce(ctx context.Context, dlg *Dialog) bool {
	req, err := dlg.nextProbeRequest()
	if err != nil {
		mng.log.LogAttrs(ctx, slog.LevelDebug, "recovery probe build failed",
			slog.Any("dialog", dlg), slog.Any("error", err))
		return false
	}

	target := mng.resolveProbeTarget(ctx, dlg)
	if target.IsZero() {
		return false
	}
	tx, err := mng.sender.SendRequest(ctx, req, &sip.ClientTransactionOptions{
		SendOpts: &sip.SendRequestOptions{Target: target},
	})
	if err != nil {
		return false
	}

	resCh := make(chan *sip.Response, 1)
	remove := tx.OnResponse(func(res *sip.Response) {
		if !res.Status.IsFinal() {
			return
		}
		select {
		case resCh <- res:
		default:
		}
	})
	defer remove()
	defer tx.Terminate(context.Background()) //nolint:errcheck

	select {
	case <-resCh:
		return true
	case <-tx.Context().Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// resolveProbeTarget re-resolves the remote host through the resolver when
// configured, falling back to the cached remote address.
func (mng *DialogManager) resolveProbeTarget(ctx context.Context, dlg *Dialog) sip.Addr {
	remote := dlg.RemoteAddr()
	if mng.resolver == nil || remote.IP() != nil {
		return remote
	}

	port, ok := remote.Port()
	if !ok {
		port = defSIPPort
	}
	targets, err := mng.resolver.ResolveTargets(ctx, "udp", remote.Host(), port)
	if err != nil || len(targets) == 0 {
		mng.log.LogAttrs(ctx, slog.LevelDebug, "recovery target resolution failed",
			slog.Any("dialog", dlg), slog.Any("error", err))
		return remote
	}
	return types.HostPort(targets[0].Host, targets[0].Port)
}

// Terminate forcibly terminates the dialog stored under the key.
func (mng *DialogManager) Terminate(ctx context.Context, key DialogKey) error {
	dlg, ok := mng.dialogs.Get(key)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrDialogNotFound, "key %s", key))
	}
	return errtrace.Wrap(dlg.Terminate(ctx))
}

// Close terminates all live dialogs. The manager accepts no new work after
// the first call.
func (mng *DialogManager) Close(ctx context.Context) error {
	if !mng.closing.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, dlg := range mng.dialogs.Items() {
		if err := dlg.Terminate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errorutil.JoinPrefix("close dialog manager", errs...))
}
