package sip

import (
	"log/slog"
	"sync/atomic"
)

// TransactionStats is a point-in-time view of the transaction tables.
type TransactionStats struct {
	// Active counts per transaction kind.
	InviteClient    uint64 `json:"invite_client"`
	NonInviteClient uint64 `json:"non_invite_client"`
	InviteServer    uint64 `json:"invite_server"`
	NonInviteServer uint64 `json:"non_invite_server"`
	// Monotonic totals since the recorder was bound.
	TotalClient uint64 `json:"total_client"`
	TotalServer uint64 `json:"total_server"`
}

func (s TransactionStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("invite_client", s.InviteClient),
		slog.Uint64("non_invite_client", s.NonInviteClient),
		slog.Uint64("invite_server", s.InviteServer),
		slog.Uint64("non_invite_server", s.NonInviteServer),
		slog.Uint64("total_client", s.TotalClient),
		slog.Uint64("total_server", s.TotalServer),
	)
}

// StatsRecorder tracks live and total transaction counts of a
// [TransactionManager] it is bound to.
type StatsRecorder struct {
	clnInvite    atomic.Int64
	clnNonInvite atomic.Int64
	srvInvite    atomic.Int64
	srvNonInvite atomic.Int64
	clnTotal     atomic.Uint64
	srvTotal     atomic.Uint64
}

// Bind subscribes the recorder to the manager's transaction lifecycle.
// The returned function unsubscribes it.
func (r *StatsRecorder) Bind(mng *TransactionManager) (unbind func()) {
	rm1 := mng.OnNewClientTransaction(func(tx ClientTransaction) {
		r.clnTotal.Add(1)
		cnt := r.clnCounter(tx.Type())
		cnt.Add(1)
		tx.OnStateChanged(func(state TransactionState) {
			if state == TransactionStateTerminated {
				cnt.Add(-1)
			}
		})
	})
	rm2 := mng.OnNewServerTransaction(func(tx ServerTransaction) {
		r.srvTotal.Add(1)
		cnt := r.srvCounter(tx.Type())
		cnt.Add(1)
		tx.OnStateChanged(func(state TransactionState) {
			if state == TransactionStateTerminated {
				cnt.Add(-1)
			}
		})
	})
	return func() {
		rm1()
		rm2()
	}
}

func (r *StatsRecorder) clnCounter(typ TransactionType) *atomic.Int64 {
	if typ == TransactionTypeInviteClient {
		return &r.clnInvite
	}
	return &r.clnNonInvite
}

func (r *StatsRecorder) srvCounter(typ TransactionType) *atomic.Int64 {
	if typ == TransactionTypeInviteServer {
		return &r.srvInvite
	}
	return &r.srvNonInvite
}

// Report returns the current counters.
func (r *StatsRecorder) Report() TransactionStats {
	return TransactionStats{
		InviteClient:    clampToUint64(r.clnInvite.Load()),
		NonInviteClient: clampToUint64(r.clnNonInvite.Load()),
		InviteServer:    clampToUint64(r.srvInvite.Load()),
		NonInviteServer: clampToUint64(r.srvNonInvite.Load()),
		TotalClient:     r.clnTotal.Load(),
		TotalServer:     r.srvTotal.Load(),
	}
}

func clampToUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
