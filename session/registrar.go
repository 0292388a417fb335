package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/log"
	"github.com/ghettovoice/govoip/internal/syncutil"
	"github.com/ghettovoice/govoip/internal/timeutil"
	"github.com/ghettovoice/govoip/internal/util"
	"github.com/ghettovoice/govoip/sip"
)

// defBindingExpiry is used when a registration carries no expiry.
const defBindingExpiry = time.Hour

// Binding is one registrar entry: a contact bound to an address of record.
type Binding struct {
	ID        uuid.UUID
	AOR       sip.URI
	Contact   sip.NameAddr
	ExpiresAt time.Time
}

type registrarEntry struct {
	binding Binding
	tmr     *timeutil.SerializableTimer
}

// RegistrarOptions is optional configuration for [Registrar].
type RegistrarOptions struct {
	// Policy bounds the number of simultaneous bindings.
	Policy *ResourcePolicy
	// Logger overrides the noop default.
	Logger *slog.Logger
}

func (opts *RegistrarOptions) policy() *ResourcePolicy {
	if opts == nil || opts.Policy == nil {
		return NewResourcePolicy(0, 0)
	}
	return opts.Policy
}

func (opts *RegistrarOptions) log() *slog.Logger {
	if opts == nil || opts.Logger == nil {
		return log.Noop
	}
	return opts.Logger
}

// Registrar keeps an in-memory binding table fed by registration events.
// Bindings expire on their own timers, an over-capacity registration fails
// fast instead of hanging. The mutex spans the check-acquire-insert sequence,
// concurrent registrations of one address must collapse into a single
// binding and a single policy slot.
type Registrar struct {
	policy *ResourcePolicy
	log    *slog.Logger

	mu       sync.Mutex
	bindings *syncutil.ShardMap[string, *registrarEntry]
}

// NewRegistrar creates an empty registrar.
func NewRegistrar(opts *RegistrarOptions) *Registrar {
	return &Registrar{
		policy:   opts.policy(),
		log:      opts.log(),
		bindings: syncutil.NewShardMap[string, *registrarEntry](),
	}
}

func aorKey(aor sip.URI) string { return string(util.LCase(aor.String())) }

// Register binds the contact to the address of record. Re-registering an
// existing address refreshes the expiry in place.
func (r *Registrar) Register(aor sip.URI, contact sip.NameAddr, expires time.Duration) (Binding, error) {
	if !aor.IsValid() {
		return Binding{}, errtrace.Wrap(sip.NewInvalidArgumentError("malformed aor %q", aor))
	}
	if expires <= 0 {
		expires = defBindingExpiry
	}
	key := aorKey(aor)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.bindings.Get(key); ok {
		entry.binding.Contact = contact.Clone()
		entry.binding.ExpiresAt = time.Now().Add(expires)
		entry.tmr.Reset(expires)
		return entry.binding, nil
	}

	if err := r.policy.AcquireRegistration(); err != nil {
		return Binding{}, errtrace.Wrap(errorutil.NewWrapperError(ErrRegistrationTimeout,
			"aor %q rejected: %v", aor, err))
	}

	entry := &registrarEntry{
		binding: Binding{
			ID:        uuid.New(),
			AOR:       aor.Clone(),
			Contact:   contact.Clone(),
			ExpiresAt: time.Now().Add(expires),
		},
	}
	entry.tmr = timeutil.AfterFunc(expires, func() { r.expire(key, aor) })
	r.bindings.Set(key, entry)
	return entry.binding, nil
}

// expire drops an elapsed binding. A refresh landing between the timer fire
// and the lock pushes ExpiresAt forward, such bindings stay.
func (r *Registrar) expire(key string, aor sip.URI) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bindings.Get(key)
	if !ok || time.Now().Before(entry.binding.ExpiresAt) {
		return
	}
	r.bindings.Del(key)
	r.policy.ReleaseRegistration()
	r.log.LogAttrs(context.Background(), slog.LevelDebug, "binding expired",
		slog.Any("aor", aor))
}

// Unregister drops the binding of the address of record.
func (r *Registrar) Unregister(aor sip.URI) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bindings.Del(aorKey(aor))
	if !ok {
		return false
	}
	entry.tmr.Stop()
	r.policy.ReleaseRegistration()
	return true
}

// Lookup returns the current binding of the address of record.
func (r *Registrar) Lookup(aor sip.URI) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bindings.Get(aorKey(aor))
	if !ok {
		return Binding{}, false
	}
	return entry.binding, true
}

// Len returns the number of live bindings.
func (r *Registrar) Len() int { return r.bindings.Size() }
