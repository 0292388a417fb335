package session

import (
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/syncutil"
	"github.com/ghettovoice/govoip/sip"
)

// Registry is the shared table of live sessions. The coordinator is the only
// writer of session state, the registry itself is safe for concurrent use.
type Registry struct {
	sessions *syncutil.ShardMap[SessionID, *Session]
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: syncutil.NewShardMap[SessionID, *Session]()}
}

// Add creates and stores a new session.
func (r *Registry) Add(id SessionID, from, to sip.NameAddr, initial CallState) (*Session, error) {
	if id == (SessionID{}) {
		id = NewSessionID()
	}
	if initial == "" {
		initial = CallStateInitiating
	}
	if _, ok := r.sessions.Get(id); ok {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrSessionExists, "id %s", id))
	}
	sess := newSession(id, from, to, initial)
	r.sessions.Set(id, sess)
	return sess, nil
}

// Get returns the session stored under the id.
func (r *Registry) Get(id SessionID) (*Session, bool) { return r.sessions.Get(id) }

// Del removes and returns the session stored under the id.
func (r *Registry) Del(id SessionID) (*Session, bool) { return r.sessions.Del(id) }

// Len returns the number of live sessions.
func (r *Registry) Len() int { return r.sessions.Size() }

// All iterates over all live sessions.
func (r *Registry) All() iter.Seq2[SessionID, *Session] { return r.sessions.Items() }
