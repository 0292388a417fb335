package session

import (
	"time"

	"github.com/ghettovoice/govoip/internal/timeutil"
)

// cleanupTracker follows phase one of the two phase termination of a single
// session: which layers still owe a cleanup confirmation. Owned by the
// coordinator loop, the timer callback only posts an event back to the loop.
type cleanupTracker struct {
	id        SessionID
	reason    string
	startedAt time.Time
	required  map[CleanupLayer]bool
	done      map[CleanupLayer]bool
	tmr       *timeutil.SerializableTimer
}

func newCleanupTracker(id SessionID, reason string, layers ...CleanupLayer) *cleanupTracker {
	t := &cleanupTracker{
		id:        id,
		reason:    reason,
		startedAt: time.Now(),
		required:  make(map[CleanupLayer]bool, len(layers)),
		done:      make(map[CleanupLayer]bool, len(layers)),
	}
	for _, l := range layers {
		t.required[l] = true
	}
	return t
}

// confirm marks the layer done and reports whether all required layers
// confirmed.
func (t *cleanupTracker) confirm(layer CleanupLayer) bool {
	if t.required[layer] {
		t.done[layer] = true
	}
	return t.allDone()
}

func (t *cleanupTracker) allDone() bool {
	for l := range t.required {
		if !t.done[l] {
			return false
		}
	}
	return true
}

func (t *cleanupTracker) stop() {
	if t.tmr != nil {
		t.tmr.Stop()
	}
}
