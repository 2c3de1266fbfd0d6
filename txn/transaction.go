// Package txn implements the persistent, crash-safe Transaction object that
// carries one charging session from authorization through
// StartTransaction -> running -> StopTransaction.
package txn

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/store"
)

// MaxIdTagLength is the maximum length of an idTag accepted anywhere in this
// module; OCPP 1.6 CiString20Type.
const MaxIdTagLength = 20

const maxBackoff = 2 * time.Minute

// AdvanceInput carries the tick-scoped configuration and readiness signals
// Advance needs. It holds no reference back to the Connector or Model.
type AdvanceInput struct {
	Now                        time.Time
	StartTxReady               bool
	StopTxReady                bool
	AuthorizationTimeout       time.Duration
	AllowOfflineTxForUnknownId bool
	SilentOfflineTransactions  bool
	LocalPreAuthorize          bool
	// KnownIdTag reports an AuthorizationCache hit for the presented idTag,
	// consulted only when LocalPreAuthorize is true.
	KnownIdTag bool
}

// Transaction is the persistent session record described in SPEC_FULL.md §3.
// It is owned by at most one Connector while active and is otherwise a
// free-standing value: it never holds a back-reference to its owner.
type Transaction struct {
	log *logrus.Entry
	clk clock.Clock
	st  store.TransactionStore

	connectorID int
	txNr        int

	idTag       string
	parentIdTag string
	auth        store.AuthState

	active bool
	silent bool

	beginTimestamp time.Time
	startTimestamp time.Time
	stopTimestamp  time.Time
	startMeter     int
	stopMeter      int

	startSync     store.Sync
	stopSync      store.Sync
	startInFlight bool
	stopInFlight  bool
	nextStartAt   time.Time
	nextStopAt    time.Time

	hasTransactionID bool
	transactionID    int
	hasStopReason    bool
	stopReason       core.Reason

	authorizeInFlight bool
	authorizeDeadline time.Time
	authorizeAttempts int
	nextAuthorizeAt   time.Time

	writeCount uint64

	// detached marks a Transaction created via AllocateTransaction: it is
	// never driven by a Connector's loop and never auto-commits.
	detached bool
}

// New creates a fresh, active Transaction for connectorID/txNr, durably
// written before any network action is attempted.
func New(connectorID, txNr int, st store.TransactionStore, clk clock.Clock) *Transaction {
	t := &Transaction{
		log:            logrus.WithFields(logrus.Fields{"connectorId": connectorID, "txNr": txNr}),
		clk:            clk,
		st:             st,
		connectorID:    connectorID,
		txNr:           txNr,
		auth:           store.AuthPending,
		active:         true,
		beginTimestamp: clk.Now(),
	}
	t.commit()
	return t
}

// AllocateTransaction builds a detached Transaction that bypasses all driver
// logic: Advance is a no-op on it. Used for replay and testing.
func AllocateTransaction(connectorID, txNr int, st store.TransactionStore, clk clock.Clock) *Transaction {
	t := New(connectorID, txNr, st, clk)
	t.detached = true
	return t
}

// FromRecord reconstructs a Transaction from a persisted Record, for replay
// after a crash or reboot.
func FromRecord(rec store.Record, st store.TransactionStore, clk clock.Clock) *Transaction {
	return &Transaction{
		log:              logrus.WithFields(logrus.Fields{"connectorId": rec.ConnectorID, "txNr": rec.TxNr}),
		clk:              clk,
		st:               st,
		connectorID:      rec.ConnectorID,
		txNr:             rec.TxNr,
		idTag:            rec.IdTag,
		parentIdTag:      rec.ParentIdTag,
		auth:             rec.Auth,
		active:           rec.Active,
		silent:           rec.Silent,
		beginTimestamp:   rec.BeginTimestamp,
		startTimestamp:   rec.StartTimestamp,
		stopTimestamp:    rec.StopTimestamp,
		startMeter:       rec.StartMeter,
		stopMeter:        rec.StopMeter,
		startSync:        rec.StartSync,
		stopSync:         rec.StopSync,
		hasTransactionID: rec.HasTransactionID,
		transactionID:    rec.TransactionID,
		hasStopReason:    rec.HasStopReason,
		stopReason:       core.Reason(rec.StopReason),
		writeCount:       rec.WriteCount,
	}
}

// ToRecord snapshots the Transaction for persistence.
func (t *Transaction) ToRecord() store.Record {
	reason := ""
	if t.hasStopReason {
		reason = string(t.stopReason)
	}
	return store.Record{
		ConnectorID:      t.connectorID,
		TxNr:             t.txNr,
		IdTag:            t.idTag,
		ParentIdTag:      t.parentIdTag,
		Auth:             t.auth,
		Active:           t.active,
		Silent:           t.silent,
		BeginTimestamp:   t.beginTimestamp,
		StartTimestamp:   t.startTimestamp,
		StopTimestamp:    t.stopTimestamp,
		StartMeter:       t.startMeter,
		StopMeter:        t.stopMeter,
		StartSync:        t.startSync,
		StopSync:         t.stopSync,
		HasTransactionID: t.hasTransactionID,
		TransactionID:    t.transactionID,
		HasStopReason:    t.hasStopReason,
		StopReason:       reason,
		WriteCount:       t.writeCount,
	}
}

// Commit persists the Transaction atomically. Readers see either the prior
// or the new state, never partial, because the underlying store writes via
// temp-file-then-rename.
func (t *Transaction) Commit() error {
	return t.st.Save(t.ToRecord())
}

func (t *Transaction) commit() {
	t.writeCount++
	if err := t.Commit(); err != nil {
		t.log.WithError(err).Error("failed to persist transaction")
	}
}

// ConnectorID is the owning connector's id.
func (t *Transaction) ConnectorID() int { return t.connectorID }

// TxNr is the locally assigned per-connector ordinal.
func (t *Transaction) TxNr() int { return t.txNr }

// IdTag is the presented authorization token.
func (t *Transaction) IdTag() string { return t.idTag }

// Active reports whether the session is still open (StopTransaction not yet
// issued, or not yet even decided).
func (t *Transaction) Active() bool { return t.active }

// AuthState is the current authorization decision.
func (t *Transaction) AuthState() store.AuthState { return t.auth }

// WriteCount is the monotonic edit counter.
func (t *Transaction) WriteCount() uint64 { return t.writeCount }

// TransactionID returns the server-assigned id and whether it has been
// assigned yet (only true once StartTransaction is Confirmed).
func (t *Transaction) TransactionID() (int, bool) { return t.transactionID, t.hasTransactionID }

// StartSync and StopSync report the delivery state of the respective
// message, for the {NotSent < Pending < Confirmed} invariant.
func (t *Transaction) StartSync() store.Sync { return t.startSync }
func (t *Transaction) StopSync() store.Sync  { return t.stopSync }

// IsRunning reports whether the transaction has a confirmed (or at least
// dispatched) start and has not yet been asked to stop.
func (t *Transaction) IsRunning() bool {
	return t.active && t.startSync.State != store.SyncNotSent && !t.hasStopReason
}

// Authorize begins the authorization process for idTag. It is idempotent:
// calling it again after authorization has already been decided has no
// effect.
func (t *Transaction) Authorize(idTag string, parentIdTag string) {
	if t.idTag != "" || t.auth != store.AuthPending {
		return
	}
	if len(idTag) > MaxIdTagLength {
		t.log.WithField("idTag", idTag).Warn("rejecting oversize idTag at authorize")
		t.auth = store.AuthRejected
		t.commit()
		return
	}
	t.idTag = idTag
	t.parentIdTag = parentIdTag
	t.auth = store.AuthPending
	t.commit()
}

// SetAuthorized force-sets the authorization decision, used when a
// Connector already knows the outcome (RemoteStartTransaction with a
// trusted idTag, free-vend, or an Authorize.conf already received).
func (t *Transaction) SetAuthorized(state store.AuthState) {
	if t.auth != store.AuthPending {
		return
	}
	t.auth = state
	t.commit()
}

// SetStart records the StartTransaction-worthy event locally. Idempotent:
// the second call is rejected and returns false.
func (t *Transaction) SetStart(ts time.Time, meterWh int) bool {
	if !t.startTimestamp.IsZero() {
		return false
	}
	t.startTimestamp = ts
	t.startMeter = meterWh
	t.commit()
	return true
}

// SetStop records the StopTransaction-worthy event locally. Idempotent: the
// second call is rejected and returns false.
func (t *Transaction) SetStop(ts time.Time, meterWh int, reason core.Reason) bool {
	if t.hasStopReason {
		return false
	}
	t.stopTimestamp = ts
	t.stopMeter = meterWh
	t.stopReason = reason
	t.hasStopReason = true
	t.active = false
	t.commit()
	return true
}

// readyToStart reports whether local preconditions for dispatching
// StartTransaction are satisfied.
func (t *Transaction) readyToStart(in AdvanceInput) bool {
	if t.startTimestamp.IsZero() {
		return false
	}
	if !in.StartTxReady {
		return false
	}
	switch t.auth {
	case store.AuthAccepted, store.AuthOfflineAllowed:
		return true
	default:
		return false
	}
}

func (t *Transaction) readyToStop(in AdvanceInput) bool {
	if !t.hasStopReason {
		return false
	}
	if !in.StopTxReady {
		return false
	}
	// StopTransaction may proceed once Start has been Confirmed, or once
	// offline-silent handling means Start will never be sent at all.
	if t.startSync.State == store.SyncConfirmed {
		return true
	}
	if t.silent {
		return true
	}
	return false
}

func backoffDelay(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Advance is invoked once per tick by the owning Connector. It drives
// authorization, startSync and stopSync forward by dispatching Requests via
// client, never blocking itself. client is a tick-scoped, borrowed
// reference: Advance keeps no copy of it.
func (t *Transaction) Advance(in AdvanceInput, client interface {
	SendRequestAsync(ocpp.Request, func(ocpp.Response, error)) error
}) {
	if t.detached {
		return
	}

	t.maybeApplyLocalPreAuthorize(in)
	t.maybeApplyAuthorizeTimeout(in)
	t.maybeDispatchAuthorize(in, client)

	if t.silent && in.SilentOfflineTransactions {
		t.advanceSilently(in)
		return
	}

	if t.readyToStart(in) && t.startSync.State == store.SyncNotSent && !t.startInFlight {
		t.dispatchStart(in, client)
	} else if t.startSync.State == store.SyncPending && !t.startInFlight && !in.Now.Before(t.nextStartAt) {
		t.dispatchStart(in, client)
	}

	if t.readyToStop(in) && t.stopSync.State == store.SyncNotSent && !t.stopInFlight {
		t.dispatchStop(in, client)
	} else if t.stopSync.State == store.SyncPending && !t.stopInFlight && !in.Now.Before(t.nextStopAt) {
		t.dispatchStop(in, client)
	}
}

// advanceSilently drives a fully-offline, non-reporting transaction straight
// to Confirmed without ever touching the transport, per
// SilentOfflineTransactions semantics.
func (t *Transaction) advanceSilently(in AdvanceInput) {
	if t.readyToStart(in) && t.startSync.State != store.SyncConfirmed {
		t.startSync = store.Sync{State: store.SyncConfirmed}
		t.commit()
	}
	if t.readyToStop(in) && t.stopSync.State != store.SyncConfirmed {
		t.stopSync = store.Sync{State: store.SyncConfirmed}
		t.commit()
	}
}

// maybeApplyLocalPreAuthorize resolves authorization immediately from the
// AuthorizationCache, without waiting for AuthorizationTimeout or attempting
// an Authorize round trip at all: the point of a cache hit is to let a
// known idTag start charging straight away.
func (t *Transaction) maybeApplyLocalPreAuthorize(in AdvanceInput) {
	if t.auth != store.AuthPending || t.idTag == "" {
		return
	}
	if !in.LocalPreAuthorize || !in.KnownIdTag {
		return
	}
	t.auth = store.AuthAccepted
	t.commit()
}

func (t *Transaction) maybeApplyAuthorizeTimeout(in AdvanceInput) {
	if t.auth != store.AuthPending || t.idTag == "" {
		return
	}
	if in.AuthorizationTimeout <= 0 {
		return
	}
	if t.authorizeDeadline.IsZero() {
		t.authorizeDeadline = t.beginTimestamp.Add(in.AuthorizationTimeout)
	}
	if in.Now.Before(t.authorizeDeadline) {
		return
	}
	if in.AllowOfflineTxForUnknownId {
		t.auth = store.AuthOfflineAllowed
		// The decision was forced by the absence of a timely server answer:
		// this session is being conducted offline. SilentOfflineTransactions
		// suppresses its Start/Stop messages entirely.
		if in.SilentOfflineTransactions {
			t.silent = true
		}
	} else {
		t.auth = store.AuthOfflineBlocked
	}
	t.commit()
}

// maybeDispatchAuthorize issues the Authorize Request for a still-pending
// authorization decision. The request is submitted unconditionally (an
// offline transport queues it); maybeApplyAuthorizeTimeout forces a local
// decision if no Confirmation arrives before AuthorizationTimeout elapses.
func (t *Transaction) maybeDispatchAuthorize(in AdvanceInput, client interface {
	SendRequestAsync(ocpp.Request, func(ocpp.Response, error)) error
}) {
	if t.auth != store.AuthPending || t.idTag == "" || t.authorizeInFlight {
		return
	}
	if !t.nextAuthorizeAt.IsZero() && in.Now.Before(t.nextAuthorizeAt) {
		return
	}
	t.dispatchAuthorize(client)
}

func (t *Transaction) dispatchAuthorize(client interface {
	SendRequestAsync(ocpp.Request, func(ocpp.Response, error)) error
}) {
	t.authorizeInFlight = true
	req := core.AuthorizeRequest{IdTag: t.idTag}
	err := client.SendRequestAsync(&req, func(confirmation ocpp.Response, err error) {
		t.onAuthorizeResult(confirmation, err)
	})
	if err != nil {
		t.onAuthorizeResult(nil, err)
	}
}

func (t *Transaction) onAuthorizeResult(confirmation ocpp.Response, err error) {
	t.authorizeInFlight = false
	// A local decision (e.g. the authorize timeout) may already have been
	// forced between dispatch and this callback; never overwrite it.
	if t.auth != store.AuthPending {
		return
	}
	if err != nil {
		t.authorizeAttempts++
		t.nextAuthorizeAt = t.clk.Now().Add(backoffDelay(t.authorizeAttempts))
		return
	}
	conf, ok := confirmation.(*core.AuthorizeConfirmation)
	if !ok || conf == nil || conf.IdTagInfo == nil {
		t.authorizeAttempts++
		t.nextAuthorizeAt = t.clk.Now().Add(backoffDelay(t.authorizeAttempts))
		return
	}
	if conf.IdTagInfo.Status == types.AuthorizationStatusAccepted {
		t.auth = store.AuthAccepted
		t.commit()
		return
	}
	// A server-final rejection ends the transaction attempt outright: no
	// StartTransaction has been (or ever will be) dispatched, so no
	// StopTransaction is warranted either, per the round-trip law that an
	// attempt which never reached "running" produces no wire traffic.
	t.auth = store.AuthRejected
	t.active = false
	t.commit()
}

func (t *Transaction) dispatchStart(in AdvanceInput, client interface {
	SendRequestAsync(ocpp.Request, func(ocpp.Response, error)) error
}) {
	t.startInFlight = true
	t.startSync.State = store.SyncPending
	req := core.StartTransactionRequest{
		ConnectorId: t.connectorID,
		IdTag:       t.idTag,
		MeterStart:  t.startMeter,
		Timestamp:   types.NewDateTime(t.startTimestamp),
	}
	err := client.SendRequestAsync(&req, func(confirmation ocpp.Response, err error) {
		t.onStartResult(confirmation, err)
	})
	if err != nil {
		t.onStartResult(nil, err)
	}
}

func (t *Transaction) onStartResult(confirmation ocpp.Response, err error) {
	t.startInFlight = false
	if err != nil {
		t.startSync.Attempts++
		t.nextStartAt = t.clk.Now().Add(backoffDelay(t.startSync.Attempts))
		t.commit()
		return
	}
	conf, ok := confirmation.(*core.StartTransactionConfirmation)
	if !ok || conf == nil {
		t.startSync.Attempts++
		t.nextStartAt = t.clk.Now().Add(backoffDelay(t.startSync.Attempts))
		t.commit()
		return
	}
	t.hasTransactionID = true
	t.transactionID = conf.TransactionId
	t.startSync = store.Sync{State: store.SyncConfirmed}
	if conf.IdTagInfo != nil && conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		// A definitively rejecting status on StartTransaction deauthorizes
		// the transaction and triggers an immediate stop.
		t.auth = store.AuthRejected
		t.SetStop(t.clk.Now(), t.startMeter, core.ReasonDeAuthorized)
		return
	}
	t.commit()
}

func (t *Transaction) dispatchStop(in AdvanceInput, client interface {
	SendRequestAsync(ocpp.Request, func(ocpp.Response, error)) error
}) {
	t.stopInFlight = true
	t.stopSync.State = store.SyncPending
	idTag := t.idTag
	req := core.StopTransactionRequest{
		IdTag:         idTag,
		MeterStop:     t.stopMeter,
		Timestamp:     types.NewDateTime(t.stopTimestamp),
		TransactionId: t.transactionID,
		Reason:        t.stopReason,
	}
	err := client.SendRequestAsync(&req, func(confirmation ocpp.Response, err error) {
		t.onStopResult(confirmation, err)
	})
	if err != nil {
		t.onStopResult(nil, err)
	}
}

func (t *Transaction) onStopResult(confirmation ocpp.Response, err error) {
	t.stopInFlight = false
	if err != nil {
		t.stopSync.Attempts++
		t.nextStopAt = t.clk.Now().Add(backoffDelay(t.stopSync.Attempts))
		t.commit()
		return
	}
	if _, ok := confirmation.(*core.StopTransactionConfirmation); !ok {
		t.stopSync.Attempts++
		t.nextStopAt = t.clk.Now().Add(backoffDelay(t.stopSync.Attempts))
		t.commit()
		return
	}
	t.stopSync = store.Sync{State: store.SyncConfirmed}
	t.commit()
}
