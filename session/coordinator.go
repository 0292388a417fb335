package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/timeutil"
	"github.com/ghettovoice/govoip/internal/types"
	"github.com/ghettovoice/govoip/sip"
)

const (
	defQueueSize      = 1000
	defCleanupTimeout = 5 * time.Second
)

// CoordinatorOptions is optional configuration for [Coordinator].
type CoordinatorOptions struct {
	// QueueSize bounds the event channel, default 1000. Posting to a full
	// queue blocks, this is the backpressure against event storms.
	QueueSize int
	// Handler receives application level call notifications.
	Handler CallHandler
	// Policy bounds sessions and registrations.
	Policy *ResourcePolicy
	// Registrar overrides the registrar fed by registration events.
	Registrar *Registrar
	// Metrics overrides the unregistered default collectors.
	Metrics *Metrics
	// CleanupTimeout bounds phase one of the two phase termination,
	// default 5 seconds.
	CleanupTimeout time.Duration
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *CoordinatorOptions) queueSize() int {
	if opts == nil || opts.QueueSize <= 0 {
		return defQueueSize
	}
	return opts.QueueSize
}

func (opts *CoordinatorOptions) handler() CallHandler {
	if opts == nil || opts.Handler == nil {
		return NoopCallHandler{}
	}
	return opts.Handler
}

func (opts *CoordinatorOptions) policy() *ResourcePolicy {
	if opts == nil || opts.Policy == nil {
		return NewResourcePolicy(0, 0)
	}
	return opts.Policy
}

func (opts *CoordinatorOptions) registrar(policy *ResourcePolicy, logger *slog.Logger) *Registrar {
	if opts == nil || opts.Registrar == nil {
		return NewRegistrar(&RegistrarOptions{Policy: policy, Logger: logger})
	}
	return opts.Registrar
}

func (opts *CoordinatorOptions) metrics() *Metrics {
	if opts == nil || opts.Metrics == nil {
		return NewMetrics(nil)
	}
	return opts.Metrics
}

func (opts *CoordinatorOptions) cleanupTimeout() time.Duration {
	if opts == nil || opts.CleanupTimeout <= 0 {
		return defCleanupTimeout
	}
	return opts.CleanupTimeout
}

func (opts *CoordinatorOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// Coordinator is the single consumer of the session event stream. Events are
// applied strictly in arrival order, which is what keeps call state
// consistent without a global lock: the loop is the only writer of call
// state. A failing event is logged and the loop continues, one broken
// session never stalls the others.
type Coordinator struct {
	media     MediaManager
	handler   CallHandler
	policy    *ResourcePolicy
	registrar *Registrar
	metrics   *Metrics
	cleanupTO time.Duration
	log       *slog.Logger

	registry *Registry
	evtCh    chan SessionEvent
	// trackers is owned by the event loop, no locking.
	trackers map[SessionID]*cleanupTracker
	subs     types.CallbackManager[func(SessionEvent)]
	closing  atomic.Bool
}

// NewCoordinator creates a coordinator over the media manager.
// Call [Coordinator.Run] to start the event loop.
func NewCoordinator(media MediaManager, opts *CoordinatorOptions) (*Coordinator, error) {
	if media == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("nil media manager"))
	}
	policy := opts.policy()
	logger := opts.log()
	return &Coordinator{
		media:     media,
		handler:   opts.handler(),
		policy:    policy,
		registrar: opts.registrar(policy, logger),
		metrics:   opts.metrics(),
		cleanupTO: opts.cleanupTimeout(),
		log:       logger,
		registry:  NewRegistry(),
		evtCh:     make(chan SessionEvent, opts.queueSize()),
		trackers:  make(map[SessionID]*cleanupTracker),
	}, nil
}

// Registry returns the session registry. Read-only for everyone but the
// coordinator loop.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Registrar returns the registrar fed by registration events.
func (c *Coordinator) Registrar() *Registrar { return c.registrar }

// Subscribe registers an external event listener. Listeners are notified
// best-effort before internal transitions are applied.
func (c *Coordinator) Subscribe(fn func(evt SessionEvent)) (remove func()) {
	return c.subs.Add(fn)
}

// PostEvent enqueues an event for the loop. It blocks when the queue is full
// until the context is done.
func (c *Coordinator) PostEvent(ctx context.Context, evt SessionEvent) error {
	if c.closing.Load() {
		return errtrace.Wrap(error(ErrCoordinatorClosed))
	}
	select {
	case c.evtCh <- evt:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// Run drives the event loop until the context is done. It is designed to run
// for the whole process lifetime, there is no fatal error path.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case evt := <-c.evtCh:
			c.metrics.eventQueueDepth.Set(float64(len(c.evtCh)))
			c.process(ctx, evt)
		}
	}
}

// Close stops accepting new events. Pending events already in the queue are
// still processed by Run.
func (c *Coordinator) Close() { c.closing.Store(true) }

// CreateSession reserves a session slot, registers the session and announces
// it on the event stream.
func (c *Coordinator) CreateSession(
	ctx context.Context,
	from, to sip.NameAddr,
	initial CallState,
) (*Session, error) {
	if c.closing.Load() {
		return nil, errtrace.Wrap(error(ErrCoordinatorClosed))
	}
	if err := c.policy.AcquireSession(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	sess, err := c.registry.Add(SessionID{}, from, to, initial)
	if err != nil {
		c.policy.ReleaseSession()
		return nil, errtrace.Wrap(err)
	}
	c.metrics.activeSessions.Inc()
	if err = c.PostEvent(ctx, SessionCreatedEvent{
		EventBase: EventBase{ID: sess.ID()},
		State:     sess.State(),
	}); err != nil {
		return sess, errtrace.Wrap(err)
	}
	return sess, nil
}

// TerminateSession starts phase one of the two phase termination.
func (c *Coordinator) TerminateSession(ctx context.Context, id SessionID, reason string) error {
	return errtrace.Wrap(c.PostEvent(ctx, SessionTerminatingEvent{
		EventBase: EventBase{ID: id},
		Reason:    reason,
	}))
}

// process applies one event: publish to subscribers first, then the internal
// transition. Any error is logged, never fatal.
func (c *Coordinator) process(ctx context.Context, evt SessionEvent) {
	c.metrics.eventsTotal.WithLabelValues(eventName(evt)).Inc()
	c.publish(ctx, evt)

	var err error
	switch e := evt.(type) {
	case SessionCreatedEvent:
		err = c.onCreated(ctx, e)
	case StateChangedEvent:
		err = c.onStateChanged(ctx, e.ID, e.New, "")
	case DetailedStateChangeEvent:
		err = c.onStateChanged(ctx, e.ID, e.New, e.Reason)
	case SessionTerminatingEvent:
		err = c.onTerminating(ctx, e)
	case CleanupConfirmationEvent:
		err = c.onCleanupConfirmation(ctx, e)
	case cleanupTimeoutEvent:
		err = c.onCleanupTimeout(ctx, e)
	case SessionTerminatedEvent:
		err = c.onTerminated(ctx, e)
	case MediaEvent:
		err = c.onMedia(ctx, e)
	case SdpEvent:
		err = c.onSDP(ctx, e)
	case RegistrationRequestEvent:
		c.onRegistration(e)
	case WarningEvent:
		c.notifyWarning(ctx, e.ID, e.Message)
	case ErrorEvent:
		c.log.LogAttrs(ctx, slog.LevelError, "session error", eventLogAttr(evt),
			slog.Any("error", e.Err))
		c.notifyWarning(ctx, e.ID, e.Err.Error())
	}
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "event processing failed",
			eventLogAttr(evt), slog.Any("error", err))
	}
}

// publish notifies subscribers best-effort, a panicking subscriber is logged
// and skipped.
func (c *Coordinator) publish(ctx context.Context, evt SessionEvent) {
	for cb := range c.subs.All() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.LogAttrs(ctx, slog.LevelError, "event subscriber panicked",
						eventLogAttr(evt), slog.Any("panic", r))
				}
			}()
			cb(evt)
		}()
	}
}

func (c *Coordinator) onCreated(ctx context.Context, evt SessionCreatedEvent) error {
	sess, ok := c.registry.Get(evt.ID)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSessionNotFound, "id %s", evt.ID))
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "session created", slog.Any("session", sess))
	// A session born active skips the signaling phase, start media right away.
	if evt.State == CallStateActive {
		return errtrace.Wrap(c.startMedia(ctx, sess))
	}
	return nil
}

func (c *Coordinator) onStateChanged(ctx context.Context, id SessionID, next CallState, reason string) error {
	sess, ok := c.registry.Get(id)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSessionNotFound, "id %s", id))
	}

	old := sess.State()
	if err := sess.setState(next, reason); err != nil {
		return errtrace.Wrap(err)
	}
	if old == next {
		return nil
	}

	sessRef := sess
	dispatch(c.log, "OnCallStateChanged", func() {
		c.handler.OnCallStateChanged(ctx, sessRef, old, next)
	})

	switch {
	case next == CallStateActive && (old == CallStateInitiating || old == CallStateRinging):
		if err := c.startMedia(ctx, sess); err != nil {
			return errtrace.Wrap(err)
		}
		sdpCtx := sess.SDP()
		localSDP, remoteSDP := sdpCtx.LocalSDP(), sdpCtx.RemoteSDP()
		dispatch(c.log, "OnCallEstablished", func() {
			c.handler.OnCallEstablished(ctx, sessRef, localSDP, remoteSDP)
		})
	case next == CallStateOnHold:
		return errtrace.Wrap(c.media.Hold(ctx, id))
	case next == CallStateActive && old == CallStateOnHold:
		return errtrace.Wrap(c.media.Resume(ctx, id))
	case next == CallStateFailed:
		c.stopMedia(ctx, sess)
		c.finalize(ctx, sess, reason, true)
	case next == CallStateTerminated:
		// Direct termination bypassing the two phase handshake.
		c.stopMedia(ctx, sess)
		c.finalize(ctx, sess, reason, false)
	}
	return nil
}

// onTerminating is phase one: move to terminating, create the tracker and
// tear the layers down asynchronously.
func (c *Coordinator) onTerminating(ctx context.Context, evt SessionTerminatingEvent) error {
	sess, ok := c.registry.Get(evt.ID)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSessionNotFound, "id %s", evt.ID))
	}
	if _, exists := c.trackers[evt.ID]; exists {
		// Termination already in progress.
		return nil
	}
	if err := sess.setState(CallStateTerminating, evt.Reason); err != nil {
		return errtrace.Wrap(err)
	}

	layers := []CleanupLayer{CleanupLayerClient}
	if sess.MediaUp() {
		layers = append(layers, CleanupLayerMedia)
	}
	trk := newCleanupTracker(evt.ID, evt.Reason, layers...)
	trk.tmr = timeutil.AfterFunc(c.cleanupTO, func() {
		c.PostEvent(context.Background(), //nolint:errcheck
			cleanupTimeoutEvent{EventBase{ID: evt.ID}})
	})
	c.trackers[evt.ID] = trk

	if sess.MediaUp() {
		id := evt.ID
		go func() {
			if err := c.media.TerminateMediaSession(context.Background(), id); err != nil {
				c.log.LogAttrs(ctx, slog.LevelWarn, "media teardown failed",
					slog.String("session_id", id.String()), slog.Any("error", err))
			}
			c.PostEvent(context.Background(), //nolint:errcheck
				CleanupConfirmationEvent{EventBase{ID: id}, CleanupLayerMedia})
		}()
		sess.setMediaUp(false)
	}
	return nil
}

func (c *Coordinator) onCleanupConfirmation(ctx context.Context, evt CleanupConfirmationEvent) error {
	trk, ok := c.trackers[evt.ID]
	if !ok {
		// Confirmation after the timeout already completed the termination.
		return nil
	}
	if trk.confirm(evt.Layer) {
		c.finishTermination(ctx, trk, false)
	}
	return nil
}

func (c *Coordinator) onCleanupTimeout(ctx context.Context, evt cleanupTimeoutEvent) error {
	trk, ok := c.trackers[evt.ID]
	if !ok {
		return nil
	}
	c.metrics.cleanupTimeouts.Inc()
	c.log.LogAttrs(ctx, slog.LevelWarn, "cleanup confirmations timed out",
		slog.String("session_id", evt.ID.String()),
		slog.Duration("elapsed", time.Since(trk.startedAt)))
	c.finishTermination(ctx, trk, true)
	return nil
}

// finishTermination is the single gateway into phase two: the tracker is
// removed before the terminated event is emitted, so the confirmation path
// and the timeout path cannot both fire it.
func (c *Coordinator) finishTermination(ctx context.Context, trk *cleanupTracker, timedOut bool) {
	delete(c.trackers, trk.id)
	trk.stop()

	evt := SessionTerminatedEvent{EventBase: EventBase{ID: trk.id}, Reason: trk.reason}
	// Processed inline instead of going through the queue: posting from the
	// loop to its own full queue would deadlock.
	c.metrics.eventsTotal.WithLabelValues(eventName(evt)).Inc()
	c.publish(ctx, evt)
	if err := c.onTerminated(ctx, evt); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "termination finalization failed",
			slog.String("session_id", trk.id.String()),
			slog.Bool("timed_out", timedOut),
			slog.Any("error", err))
	}
}

// onTerminated is phase two: the final state commit.
func (c *Coordinator) onTerminated(ctx context.Context, evt SessionTerminatedEvent) error {
	sess, ok := c.registry.Get(evt.ID)
	if !ok {
		return nil
	}
	if trk, exists := c.trackers[evt.ID]; exists {
		// Externally produced terminated event while a tracker is still
		// pending, fold the two paths together.
		delete(c.trackers, evt.ID)
		trk.stop()
	}

	c.stopMedia(ctx, sess)
	if err := sess.setState(CallStateTerminated, evt.Reason); err != nil {
		return errtrace.Wrap(err)
	}
	c.finalize(ctx, sess, evt.Reason, false)
	return nil
}

// finalize removes the session and releases its resources.
func (c *Coordinator) finalize(ctx context.Context, sess *Session, reason string, failed bool) {
	if _, ok := c.registry.Del(sess.ID()); !ok {
		return
	}
	c.policy.ReleaseSession()
	c.metrics.activeSessions.Dec()
	if failed {
		c.metrics.failedTotal.Inc()
	} else {
		c.metrics.terminatedTotal.Inc()
	}
	sessRef := sess
	dispatch(c.log, "OnCallEnded", func() {
		c.handler.OnCallEnded(ctx, sessRef, reason)
	})
	c.log.LogAttrs(ctx, slog.LevelDebug, "session ended",
		slog.Any("session", sess), slog.String("reason", reason))
}

func (c *Coordinator) onMedia(ctx context.Context, evt MediaEvent) error {
	sess, ok := c.registry.Get(evt.ID)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSessionNotFound, "id %s", evt.ID))
	}

	switch evt.Kind {
	case MediaEventKindCreateOnAckUAC, MediaEventKindCreateOnAckUAS:
		return errtrace.Wrap(c.startMedia(ctx, sess))
	case MediaEventKindQualityReport:
		if info, ok := c.media.MediaInfo(evt.ID); ok {
			sessRef := sess
			dispatch(c.log, "OnMediaQuality", func() {
				c.handler.OnMediaQuality(ctx, sessRef, info)
			})
		}
		return nil
	default:
		return errtrace.Wrap(sip.NewInvalidArgumentError("unknown media event kind %q", string(evt.Kind)))
	}
}

// onSDP relays a negotiation event. An answer arriving before the media
// session exists is staged and applied on media creation, this is the
// ACK-gated media rule: media resources appear only once the ACK confirmed
// the final response.
func (c *Coordinator) onSDP(ctx context.Context, evt SdpEvent) error {
	sess, ok := c.registry.Get(evt.ID)
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrSessionNotFound, "id %s", evt.ID))
	}
	sdpCtx := sess.SDP()

	switch evt.Kind {
	case SdpEventKindLocalOffer:
		return errtrace.Wrap(sdpCtx.OfferSent(evt.SDP))
	case SdpEventKindRemoteAnswer:
		if !sess.MediaUp() {
			sdpCtx.StageAnswer(evt.SDP)
			return nil
		}
		if err := c.media.ProcessSDPAnswer(ctx, evt.ID, evt.SDP); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(sdpCtx.AnswerReceived(evt.SDP))
	case SdpEventKindFinalNegotiated:
		if !sess.MediaUp() {
			sdpCtx.StageAnswer(evt.SDP)
			return nil
		}
		return errtrace.Wrap(c.media.UpdateMediaSession(ctx, evt.ID, evt.SDP))
	default:
		return errtrace.Wrap(sip.NewInvalidArgumentError("unknown sdp event kind %q", string(evt.Kind)))
	}
}

func (c *Coordinator) onRegistration(evt RegistrationRequestEvent) {
	_, err := c.registrar.Register(evt.AOR, evt.Contact, evt.Expires)
	if done := evt.Done; done != nil {
		dispatch(c.log, "RegistrationDone", func() { done(err) })
	}
}

func (c *Coordinator) notifyWarning(ctx context.Context, id SessionID, message string) {
	sess, ok := c.registry.Get(id)
	if !ok {
		return
	}
	dispatch(c.log, "OnWarning", func() {
		c.handler.OnWarning(ctx, sess, message)
	})
}

// startMedia creates the media session and applies any staged answer.
func (c *Coordinator) startMedia(ctx context.Context, sess *Session) error {
	if sess.MediaUp() {
		return nil
	}
	if err := c.media.CreateMediaSession(ctx, sess.ID()); err != nil {
		return errtrace.Wrap(err)
	}
	sess.setMediaUp(true)

	if staged, ok := sess.SDP().TakeStagedAnswer(); ok {
		if err := c.media.ProcessSDPAnswer(ctx, sess.ID(), staged); err != nil {
			return errtrace.Wrap(err)
		}
		if err := sess.SDP().AnswerReceived(staged); err != nil {
			c.log.LogAttrs(ctx, slog.LevelDebug, "staged answer outside offer/answer exchange",
				slog.Any("session", sess), slog.Any("error", err))
		}
	}
	return nil
}

func (c *Coordinator) stopMedia(ctx context.Context, sess *Session) {
	if !sess.MediaUp() {
		return
	}
	if err := c.media.TerminateMediaSession(ctx, sess.ID()); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "media teardown failed",
			slog.Any("session", sess), slog.Any("error", err))
	}
	sess.setMediaUp(false)
}
