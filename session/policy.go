package session

import (
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
)

// ResourcePolicy arbitrates session and registration slots across the whole
// coordinator. Acquire fails fast when a limit is reached, it never blocks.
// A zero limit means unlimited.
type ResourcePolicy struct {
	maxSessions      int64
	maxRegistrations int64

	sessions      atomic.Int64
	registrations atomic.Int64
}

// NewResourcePolicy creates a policy with the given limits.
// Non-positive limits disable the corresponding check.
func NewResourcePolicy(maxSessions, maxRegistrations int) *ResourcePolicy {
	return &ResourcePolicy{
		maxSessions:      int64(maxSessions),
		maxRegistrations: int64(maxRegistrations),
	}
}

// AcquireSession reserves a session slot.
func (p *ResourcePolicy) AcquireSession() error {
	return errtrace.Wrap(acquire(&p.sessions, p.maxSessions, "sessions"))
}

// ReleaseSession returns a session slot.
func (p *ResourcePolicy) ReleaseSession() { release(&p.sessions) }

// AcquireRegistration reserves a registration slot.
func (p *ResourcePolicy) AcquireRegistration() error {
	return errtrace.Wrap(acquire(&p.registrations, p.maxRegistrations, "registrations"))
}

// ReleaseRegistration returns a registration slot.
func (p *ResourcePolicy) ReleaseRegistration() { release(&p.registrations) }

// Sessions returns the number of reserved session slots.
func (p *ResourcePolicy) Sessions() int { return int(p.sessions.Load()) }

// Registrations returns the number of reserved registration slots.
func (p *ResourcePolicy) Registrations() int { return int(p.registrations.Load()) }

func acquire(cnt *atomic.Int64, limit int64, what string) error {
	for {
		cur := cnt.Load()
		if limit > 0 && cur >= limit {
			return errorutil.NewWrapperError(ErrResourceExhausted, "%s limit %d", what, limit)
		}
		if cnt.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func release(cnt *atomic.Int64) {
	for {
		cur := cnt.Load()
		if cur == 0 {
			return
		}
		if cnt.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
