// Package connector implements the per-outlet OCPP status state machine and
// transaction driver: the largest of the three core subsystems.
package connector

import (
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
	"github.com/FarafontovDmitriy/MicroOcpp/store"
	"github.com/FarafontovDmitriy/MicroOcpp/txn"
)

// Availability is the three-state availability ladder: a ChangeAvailability
// request to Inoperative while a transaction is running only takes effect
// once that transaction ends (InoperativeScheduled), unlike OCPP's own
// two-value AvailabilityType wire enum.
type Availability int

const (
	AvailabilityOperative Availability = iota
	AvailabilityInoperativeScheduled
	AvailabilityInoperative
)

// sender is the minimal transport capability Connector and the Transactions
// it drives need: borrowed once per tick, never stored.
type sender interface {
	SendRequestAsync(request ocpp.Request, callback func(confirmation ocpp.Response, err error)) error
}

// Connector is the per-outlet state machine described in SPEC_FULL.md §4.2.
type Connector struct {
	log     *logrus.Entry
	id      int
	clk     clock.Clock
	cfg     *config.Store
	txStore store.TransactionStore
	bus     *eventbus.Bus
	io      IO

	inferred     core.ChargePointStatus
	reported     core.ChargePointStatus
	reportedOnce bool
	statusSince  time.Time
	lastErrCode  string

	availability         Availability
	availabilityVolatile *Availability

	tx                 *txn.Transaction
	txStartedPublished bool

	prevPlugged          bool
	freeVendTrackPlugged bool
	preparingSince       *time.Time

	lastMeterSampleAt time.Time

	reservation *Reservation
}

// New constructs a Connector in the Available state with Operative
// availability.
func New(id int, clk clock.Clock, cfg *config.Store, txStore store.TransactionStore, bus *eventbus.Bus, io IO) *Connector {
	return &Connector{
		log:         logrus.WithField("connectorId", id),
		id:          id,
		clk:         clk,
		cfg:         cfg,
		txStore:     txStore,
		bus:         bus,
		io:          io,
		inferred:    core.ChargePointStatusAvailable,
		reported:    core.ChargePointStatusAvailable,
		statusSince: clk.Now(),
		availability: AvailabilityOperative,
	}
}

// ID is the connector's OCPP identity (>= 1).
func (c *Connector) ID() int { return c.id }

// Transaction returns the active Transaction, if any.
func (c *Connector) Transaction() (*txn.Transaction, bool) {
	return c.tx, c.tx != nil
}

// HasRunningTransaction reports whether a transaction is currently driving
// this connector.
func (c *Connector) HasRunningTransaction() bool {
	return c.tx != nil && c.tx.Active()
}

func (c *Connector) effectiveAvailability() Availability {
	if c.availabilityVolatile != nil {
		return *c.availabilityVolatile
	}
	return c.availability
}

// SetAvailability requests a persistent Operative/Inoperative change. Taking
// Inoperative while a transaction is running is deferred
// (InoperativeScheduled) until the transaction ends, matching
// AvailabilityStatusScheduled in the OCPP ChangeAvailability response.
func (c *Connector) SetAvailability(operative bool) core.AvailabilityStatus {
	if operative {
		c.availability = AvailabilityOperative
		return core.AvailabilityStatusAccepted
	}
	if c.HasRunningTransaction() {
		c.availability = AvailabilityInoperativeScheduled
		return core.AvailabilityStatusScheduled
	}
	c.availability = AvailabilityInoperative
	return core.AvailabilityStatusAccepted
}

// SetAvailabilityVolatile overlays an availability state that clears on
// restart (the Connector struct being rebuilt), without persisting it.
func (c *Connector) SetAvailabilityVolatile(operative bool) {
	v := AvailabilityOperative
	if !operative {
		v = AvailabilityInoperative
	}
	c.availabilityVolatile = &v
}

// ClearAvailabilityVolatile removes the volatile overlay.
func (c *Connector) ClearAvailabilityVolatile() {
	c.availabilityVolatile = nil
}

// SetReservation installs an active reservation, or clears it when r is nil.
func (c *Connector) SetReservation(r *Reservation) {
	c.reservation = r
}

// Reservation returns the currently active reservation, if any.
func (c *Connector) Reservation() *Reservation { return c.reservation }

// AllocateTransaction produces a detached Transaction with its own fresh
// txNr, bypassing this Connector's driver entirely.
func (c *Connector) AllocateTransaction() (*txn.Transaction, error) {
	nr, err := c.txStore.NextTxNr(c.id)
	if err != nil {
		return nil, err
	}
	return txn.AllocateTransaction(c.id, nr, c.txStore, c.clk), nil
}

// BeginTransaction starts the (not yet authorized) transaction process for
// idTag. Returns the Transaction and true if one was created; false if the
// connector already has an active transaction, or the idTag is invalid, or
// a conflicting reservation is in force.
func (c *Connector) BeginTransaction(idTag string) (*txn.Transaction, bool) {
	return c.beginTransaction(idTag, "", false)
}

// BeginTransactionAuthorized starts a transaction whose authorization is
// already known-good (a trusted local source, or a prior Authorize.conf),
// skipping the Authorize round-trip.
func (c *Connector) BeginTransactionAuthorized(idTag, parentIdTag string) (*txn.Transaction, bool) {
	return c.beginTransaction(idTag, parentIdTag, true)
}

func (c *Connector) beginTransaction(idTag, parentIdTag string, preAuthorized bool) (*txn.Transaction, bool) {
	if len(idTag) == 0 || len(idTag) > txn.MaxIdTagLength {
		c.log.WithField("idTag", idTag).Warn("rejecting BeginTransaction: invalid idTag length")
		return nil, false
	}
	if c.tx != nil && c.tx.Active() {
		c.log.Warn("rejecting BeginTransaction: connector already has an active transaction")
		return nil, false
	}
	if c.reservation.activeAt(c.clk.Now()) && !c.reservation.matches(idTag, parentIdTag) {
		c.log.Warn("rejecting BeginTransaction: connector is reserved for another idTag")
		return nil, false
	}
	nr, err := c.txStore.NextTxNr(c.id)
	if err != nil {
		c.log.WithError(err).Error("failed to allocate txNr")
		return nil, false
	}
	t := txn.New(c.id, nr, c.txStore, c.clk)
	t.Authorize(idTag, parentIdTag)
	if preAuthorized {
		t.SetAuthorized(store.AuthAccepted)
	}
	c.tx = t
	c.txStartedPublished = false
	return t, true
}

// EndTransaction requests the active transaction to stop with reason (core.
// ReasonOther if empty). Safe to call even when no transaction is running.
func (c *Connector) EndTransaction(reason core.Reason) {
	if c.tx == nil {
		return
	}
	if reason == "" {
		reason = core.ReasonOther
	}
	meter, _ := c.io.MeterSampler()
	c.tx.SetStop(c.clk.Now(), meter, reason)
}

// Unlock invokes the unlock capability once. Callers (the UnlockConnector
// inbound handler) re-invoke it until it reports PollReady.
func (c *Connector) Unlock() PollResult[UnlockOutcome] {
	return c.io.UnlockConnector()
}

// Loop is the per-tick entry point. client is a tick-scoped, borrowed
// reference: Connector never stores it between calls.
func (c *Connector) Loop(now time.Time, client sender) {
	plugged := c.io.ConnectorPlugged()
	errCode := errorCodeOrDefault(c.io.ConnectorErrorCode())

	c.handleFault(now, errCode)
	c.handleFreeVend(plugged)
	c.handleEVSideDisconnect(plugged)
	c.prevPlugged = plugged

	if c.tx != nil {
		c.maybeStartTransaction(now, plugged)
		in := c.advanceInput(now)
		c.tx.Advance(in, client)
		c.checkInvalidIdTag()
		c.publishTransactionStartedIfDue(now)
		if c.tx.Settled() {
			c.publishTransactionStopped(now)
			c.tx = nil
		}
	}

	status := c.computeStatus(plugged, errCode)
	c.handleConnectionTimeout(now, status)
	c.handleAvailabilityDrain()

	c.reportIfDue(now, status, errCode, client)
	c.sampleMeterValues(now, client)
}

func (c *Connector) advanceInput(now time.Time) txn.AdvanceInput {
	return txn.AdvanceInput{
		Now:                        now,
		StartTxReady:               c.io.StartTxReady(),
		StopTxReady:                c.io.StopTxReady(),
		AuthorizationTimeout:       time.Duration(c.cfg.GetInt(config.KeyAuthorizationTimeout)) * time.Second,
		AllowOfflineTxForUnknownId: c.cfg.GetBool(config.KeyAllowOfflineTxForUnknownId),
		SilentOfflineTransactions:  c.cfg.GetBool(config.KeySilentOfflineTransactions),
		LocalPreAuthorize:          c.cfg.GetBool(config.KeyLocalPreAuthorize),
	}
}

func (c *Connector) handleFreeVend(plugged bool) {
	if !c.cfg.GetBool(config.KeyFreeVendActive) {
		c.freeVendTrackPlugged = plugged
		return
	}
	risingEdge := plugged && !c.prevPlugged && !c.freeVendTrackPlugged
	if risingEdge && (c.tx == nil || !c.tx.Active()) {
		idTag := c.cfg.GetString(config.KeyFreeVendIdTag)
		if idTag != "" {
			c.BeginTransactionAuthorized(idTag, "")
			c.freeVendTrackPlugged = true
		}
	}
	if !plugged {
		c.freeVendTrackPlugged = false
	}
}

func (c *Connector) handleEVSideDisconnect(plugged bool) {
	fallingEdge := c.prevPlugged && !plugged
	if !fallingEdge || c.tx == nil || !c.tx.Active() {
		return
	}
	if !c.cfg.GetBool(config.KeyStopTransactionOnEVSideDisconnect) {
		return
	}
	meter, _ := c.io.MeterSampler()
	c.tx.SetStop(c.clk.Now(), meter, core.ReasonEVDisconnected)
	if c.cfg.GetBool(config.KeyUnlockConnectorOnEVSideDisconnect) {
		c.io.UnlockConnector()
	}
}

// maybeStartTransaction records the local StartTransaction-worthy event once
// the connector is plugged in and its Transaction's authorization has been
// decided in its favor. Transaction.Advance only dispatches StartTransaction
// once SetStart has been called, so without this the happy path (plug,
// authorize, charge) would never leave Preparing.
func (c *Connector) maybeStartTransaction(now time.Time, plugged bool) {
	if c.tx == nil || !c.tx.Active() || !c.tx.StartTimestamp().IsZero() {
		return
	}
	if !plugged {
		return
	}
	switch c.tx.AuthState() {
	case store.AuthAccepted, store.AuthOfflineAllowed:
	default:
		return
	}
	meter, _ := c.io.MeterSampler()
	c.tx.SetStart(now, meter)
}

// handleFault stops a running transaction with ReasonOther the tick a fault
// error code is first observed, per SPEC_FULL.md §8's fault scenario.
func (c *Connector) handleFault(now time.Time, errCode string) {
	if !hasError(errCode) || c.tx == nil || !c.tx.Active() || c.tx.HasStopReason() {
		return
	}
	meter, _ := c.io.MeterSampler()
	c.tx.SetStop(now, meter, core.ReasonOther)
}

func (c *Connector) checkInvalidIdTag() {
	// Deauthorization observed mid-session (e.g. a StartTransaction.conf
	// carrying a rejecting IdTagInfo.Status) is applied by the Transaction
	// itself; here we only honor the configuration gate for a Rejected
	// decision on a Transaction that is still active.
	if c.tx == nil || !c.tx.Active() {
		return
	}
	if c.tx.AuthState() != store.AuthRejected {
		return
	}
	if !c.cfg.GetBool(config.KeyStopTransactionOnInvalidId) {
		return
	}
	if c.tx.HasStopReason() {
		return
	}
	meter, _ := c.io.MeterSampler()
	c.tx.SetStop(c.clk.Now(), meter, core.ReasonDeAuthorized)
}

func (c *Connector) handleConnectionTimeout(now time.Time, status core.ChargePointStatus) {
	if status != core.ChargePointStatusPreparing {
		c.preparingSince = nil
		return
	}
	if c.preparingSince == nil {
		t := now
		c.preparingSince = &t
		return
	}
	timeout := c.cfg.GetInt(config.KeyConnectionTimeOut)
	if timeout <= 0 {
		return
	}
	if now.Sub(*c.preparingSince) < time.Duration(timeout)*time.Second {
		return
	}
	if c.tx != nil && !c.tx.HasStopReason() {
		c.tx.SetStop(now, c.tx.StartMeter(), core.ReasonOther)
	}
}

func (c *Connector) handleAvailabilityDrain() {
	if c.availability == AvailabilityInoperativeScheduled && !c.HasRunningTransaction() {
		c.availability = AvailabilityInoperative
	}
}

func (c *Connector) computeStatus(plugged bool, errCode string) core.ChargePointStatus {
	// A Transaction that exists but has not yet recorded a local start (still
	// awaiting authorization) does not yet count toward the ladder's
	// Charging/Suspended/Finishing states; it is still Preparing. Occupancy
	// (rather than Transaction.Active) drives that ladder branch, because
	// SetStop flips Active false the instant a stop is requested — a
	// transaction with a pending stop is still occupying the connector until
	// it actually settles.
	started := c.tx != nil && !c.tx.StartTimestamp().IsZero()
	stopPending := c.tx != nil && c.tx.HasStopReason()
	running := started && (c.tx.Active() || stopPending)
	in := inputs{
		errorCode:          errCode,
		inoperative:        c.effectiveAvailability() == AvailabilityInoperative,
		reserved:           c.reservation.activeAt(c.clk.Now()),
		txRunning:          running,
		evRequestsEnergy:   c.io.EvRequestsEnergy(),
		connectorEnergized: c.io.ConnectorEnergized(),
		connectorPlugged:   plugged,
		stopPending:        stopPending,
		occupied:           c.io.Occupied(),
		idTagPresented:     c.tx != nil && !plugged,
	}
	return inferStatus(in)
}

// publishTransactionStartedIfDue emits TopicTransactionStarted exactly once
// per transaction, on the first Loop that observes its StartTransaction
// Confirmed.
func (c *Connector) publishTransactionStartedIfDue(now time.Time) {
	if c.bus == nil || c.txStartedPublished || c.tx.StartSync().State != store.SyncConfirmed {
		return
	}
	c.txStartedPublished = true
	c.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicTransactionStarted,
		ConnectorID: c.id,
		TxNr:        c.tx.TxNr(),
		IdTag:       c.tx.IdTag(),
		At:          now,
	})
}

// publishTransactionStopped emits TopicTransactionStopped once a transaction
// has settled and is about to be released by its Connector.
func (c *Connector) publishTransactionStopped(now time.Time) {
	if c.bus == nil {
		return
	}
	reason := ""
	if r, ok := c.tx.StopReason(); ok {
		reason = string(r)
	}
	c.bus.Publish(eventbus.Event{
		Topic:       eventbus.TopicTransactionStopped,
		ConnectorID: c.id,
		TxNr:        c.tx.TxNr(),
		IdTag:       c.tx.IdTag(),
		Reason:      reason,
		At:          now,
	})
}

func (c *Connector) reportIfDue(now time.Time, status core.ChargePointStatus, errCode string, client sender) {
	if status != c.inferred {
		c.inferred = status
		c.statusSince = now
	}
	minDuration := time.Duration(c.cfg.GetInt(config.KeyMinimumStatusDuration)) * time.Second
	due := !c.reportedOnce || c.inferred != c.reported
	stable := !c.reportedOnce || now.Sub(c.statusSince) >= minDuration
	if !due || !stable {
		return
	}
	if c.inferred == c.reported && errCode == c.lastErrCode && c.reportedOnce {
		return
	}
	c.reported = c.inferred
	c.lastErrCode = errCode
	c.reportedOnce = true

	req := core.StatusNotificationRequest{
		ConnectorId: c.id,
		ErrorCode:   core.ChargePointErrorCode(errCode),
		Status:      c.reported,
		Timestamp:   types.NewDateTime(now),
	}
	client.SendRequestAsync(&req, func(ocpp.Response, error) {})
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Topic:       eventbus.TopicStatusNotification,
			ConnectorID: c.id,
			Status:      string(c.reported),
			ErrorCode:   errCode,
			At:          now,
		})
	}
}

func (c *Connector) sampleMeterValues(now time.Time, client sender) {
	if !c.HasRunningTransaction() {
		c.lastMeterSampleAt = time.Time{}
		return
	}
	interval := c.cfg.GetInt(config.KeyMeterValueSampleInterval)
	if interval <= 0 {
		return
	}
	if !c.lastMeterSampleAt.IsZero() && now.Sub(c.lastMeterSampleAt) < time.Duration(interval)*time.Second {
		return
	}
	wh, ok := c.io.MeterSampler()
	if !ok {
		return
	}
	txID, hasID := c.tx.TransactionID()
	if !hasID {
		return
	}
	c.lastMeterSampleAt = now
	req := core.MeterValuesRequest{
		ConnectorId:   c.id,
		TransactionId: &txID,
		MeterValue: []types.MeterValue{{
			Timestamp: types.NewDateTime(now),
			SampledValue: []types.SampledValue{{
				Value:     strconv.Itoa(wh),
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			}},
		}},
	}
	client.SendRequestAsync(&req, func(ocpp.Response, error) {})
}
