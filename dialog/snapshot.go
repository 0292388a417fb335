package dialog

import (
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/sip"
)

// DialogSnapshot is a serializable view of a dialog.
type DialogSnapshot struct {
	Key          DialogKey     `json:"key"`
	State        DialogState   `json:"state"`
	LocalSeq     uint32        `json:"local_seq"`
	RemoteSeq    uint32        `json:"remote_seq"`
	LocalAddr    sip.NameAddr  `json:"local_addr"`
	RemoteAddr   sip.NameAddr  `json:"remote_addr"`
	RemoteTarget sip.URI       `json:"remote_target"`
	RouteSet     []string      `json:"route_set,omitempty"`
	Via          sip.Via       `json:"via"`
	Contact      *sip.NameAddr `json:"contact,omitempty"`

	RemoteSentBy   sip.Addr  `json:"remote_sent_by,omitzero"`
	LastActiveAt   time.Time `json:"last_active_at,omitzero"`
	RecoveryReason string    `json:"recovery_reason,omitempty"`
}

// Snapshot exports the dialog state for persistence.
func (dlg *Dialog) Snapshot() *DialogSnapshot {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	snap := &DialogSnapshot{
		Key:          dlg.key,
		State:        dlg.State(),
		LocalSeq:     dlg.localSeq,
		RemoteSeq:    dlg.remoteSeq,
		LocalAddr:    dlg.localAddr.Clone(),
		RemoteAddr:   dlg.remoteAddr.Clone(),
		RemoteTarget: dlg.remoteTarget.Clone(),
		RouteSet:     append([]string(nil), dlg.routeSet...),
		Via:          dlg.via.Clone(),

		RemoteSentBy:   dlg.remoteSentBy.Clone(),
		LastActiveAt:   dlg.lastOKAt,
		RecoveryReason: dlg.recoveryReason,
	}
	if dlg.contact != nil {
		c := dlg.contact.Clone()
		snap.Contact = &c
	}
	return snap
}

// RestoreDialog rebuilds a dialog from its snapshot. A dialog captured while
// recovering is restored as confirmed, the recovery attempt itself does not
// survive a restart and has to be started anew.
func RestoreDialog(snap *DialogSnapshot, opts *DialogOptions) (*Dialog, error) {
	if snap == nil || !snap.Key.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("malformed snapshot"))
	}

	state := snap.State
	if state == DialogStateRecovering {
		state = DialogStateConfirmed
	}
	dlg := newDialog(snap.Key, state, opts)
	dlg.localSeq = snap.LocalSeq
	dlg.remoteSeq = snap.RemoteSeq
	dlg.localAddr = snap.LocalAddr.Clone()
	dlg.remoteAddr = snap.RemoteAddr.Clone()
	dlg.remoteTarget = snap.RemoteTarget.Clone()
	dlg.routeSet = append([]string(nil), snap.RouteSet...)
	dlg.via = snap.Via.Clone()
	if snap.Contact != nil {
		c := snap.Contact.Clone()
		dlg.contact = &c
	}
	dlg.remoteSentBy = snap.RemoteSentBy.Clone()
	dlg.lastOKAt = snap.LastActiveAt
	return dlg, nil
}
