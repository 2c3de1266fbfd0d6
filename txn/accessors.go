package txn

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"github.com/FarafontovDmitriy/MicroOcpp/store"
)

// Silent reports whether this transaction suppresses Start/Stop
// notifications entirely (fully conducted offline with
// SilentOfflineTransactions enabled).
func (t *Transaction) Silent() bool { return t.silent }

// SetSilent marks the transaction as offline-silent. Advance sets the same
// flag itself when the authorize timeout forces OfflineAllowed while
// SilentOfflineTransactions is configured.
func (t *Transaction) SetSilent(silent bool) {
	if t.silent == silent {
		return
	}
	t.silent = silent
	t.commit()
}

// HasStopReason reports whether EndTransaction has been requested.
func (t *Transaction) HasStopReason() bool { return t.hasStopReason }

// StopReason returns the recorded stop reason, if any.
func (t *Transaction) StopReason() (core.Reason, bool) { return t.stopReason, t.hasStopReason }

// StartTimestamp is the locally recorded meter-start wall-clock time.
func (t *Transaction) StartTimestamp() time.Time { return t.startTimestamp }

// StopTimestamp is the locally recorded meter-stop wall-clock time.
func (t *Transaction) StopTimestamp() time.Time { return t.stopTimestamp }

// StartMeter and StopMeter are the recorded meter readings in Wh.
func (t *Transaction) StartMeter() int { return t.startMeter }
func (t *Transaction) StopMeter() int  { return t.stopMeter }

// IsDetached reports whether this Transaction was produced by
// AllocateTransaction and therefore is never driven by a Connector.
func (t *Transaction) IsDetached() bool { return t.detached }

// Settled reports whether both Start and Stop have reached a terminal state
// (Confirmed, or will never be sent because the transaction is silent), at
// which point the Transaction may be purged from the store.
func (t *Transaction) Settled() bool {
	neverStarted := t.startSync.State == store.SyncNotSent && t.startTimestamp.IsZero()
	startDone := t.startSync.State == store.SyncConfirmed || (t.silent && t.startTimestamp.IsZero()) || neverStarted
	stopDone := t.stopSync.State == store.SyncConfirmed || (t.silent && t.hasStopReason) || neverStarted
	return !t.active && startDone && stopDone
}
