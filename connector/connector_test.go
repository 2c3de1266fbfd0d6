package connector

import (
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
	"github.com/FarafontovDmitriy/MicroOcpp/store"
)

type fakeSender struct {
	requests []ocpp.Request
	reject   bool
}

func (f *fakeSender) SendRequestAsync(request ocpp.Request, callback func(ocpp.Response, error)) error {
	f.requests = append(f.requests, request)
	if f.reject {
		callback(nil, nil)
		return nil
	}
	switch req := request.(type) {
	case *core.StatusNotificationRequest:
		callback(core.NewStatusNotificationConfirmation(), nil)
	case *core.MeterValuesRequest:
		callback(core.NewMeterValuesConfirmation(), nil)
	case *core.StartTransactionRequest:
		callback(core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted), 1), nil)
	case *core.StopTransactionRequest:
		callback(core.NewStopTransactionConfirmation(), nil)
	default:
		_ = req
	}
	return nil
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	cfg := config.NewStore(t.TempDir() + "/config.json")
	config.DeclareDefaults(cfg)
	if err := cfg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func newTestConnector(t *testing.T, clk *clock.Fake, io IO) (*Connector, store.TransactionStore) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	cfg := newTestStore(t)
	return New(1, clk, cfg, fs, eventbus.New(), io), fs
}

func TestConnectorAvailableWhenIdle(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	sender := &fakeSender{}
	c.Loop(clk.Now(), sender)
	if len(sender.requests) != 1 {
		t.Fatalf("expected one StatusNotification on first tick, got %d", len(sender.requests))
	}
	sn, ok := sender.requests[0].(*core.StatusNotificationRequest)
	if !ok {
		t.Fatalf("expected StatusNotificationRequest, got %T", sender.requests[0])
	}
	if sn.Status != core.ChargePointStatusAvailable {
		t.Fatalf("expected Available, got %v", sn.Status)
	}
}

func TestConnectorPreparingThenChargingOnPlugAndEnergize(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := false
	energized := false
	requestsEnergy := false
	io := NewIOBuilder().
		WithConnectorPluggedSampler(func() bool { return plugged }).
		WithConnectorEnergizedSampler(func() bool { return energized }).
		WithEvRequestsEnergySampler(func() bool { return requestsEnergy }).
		Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	plugged = true
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if c.inferred != core.ChargePointStatusPreparing {
		t.Fatalf("expected Preparing after plug, got %v", c.inferred)
	}

	tx, ok := c.BeginTransaction("ABCDEF1234")
	if !ok {
		t.Fatalf("expected BeginTransaction to succeed")
	}
	tx.SetAuthorized(store.AuthAccepted)
	tx.SetStart(clk.Now(), 0)

	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	energized = true
	requestsEnergy = true
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if c.inferred != core.ChargePointStatusCharging {
		t.Fatalf("expected Charging once energized, got %v", c.inferred)
	}
}

func TestConnectorConnectionTimeoutAbortsPreparing(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := true
	io := NewIOBuilder().WithConnectorPluggedSampler(func() bool { return plugged }).Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	if c.inferred != core.ChargePointStatusPreparing {
		t.Fatalf("expected Preparing, got %v", c.inferred)
	}

	tx, _ := c.BeginTransaction("ABCDEF1234")
	c.tx = tx

	clk.Advance(31 * time.Second)
	c.Loop(clk.Now(), sender)

	if !tx.HasStopReason() {
		t.Fatalf("expected ConnectionTimeOut to force a stop")
	}
}

func TestConnectorConnectionTimeoutZeroNeverAborts(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := true
	io := NewIOBuilder().WithConnectorPluggedSampler(func() bool { return plugged }).Build()
	c, _ := newTestConnector(t, clk, io)
	if err := c.cfg.Set(config.KeyConnectionTimeOut, config.IntValue(0)); err != nil {
		t.Fatalf("set: %v", err)
	}
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	tx, _ := c.BeginTransaction("ABCDEF1234")
	c.tx = tx

	clk.Advance(10 * time.Hour)
	c.Loop(clk.Now(), sender)

	if tx.HasStopReason() {
		t.Fatalf("ConnectionTimeOut=0 must never force a stop")
	}
}

func TestConnectorFaultedOverridesEverything(t *testing.T) {
	clk := clock.NewFake(time.Now())
	errCode := "GroundFailure"
	io := NewIOBuilder().
		WithConnectorPluggedSampler(func() bool { return true }).
		WithConnectorErrorCodeSampler(func() string { return errCode }).
		Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	if c.inferred != core.ChargePointStatusFaulted {
		t.Fatalf("expected Faulted, got %v", c.inferred)
	}
}

func TestConnectorFreeVendAutoStartsOnPlug(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := false
	io := NewIOBuilder().WithConnectorPluggedSampler(func() bool { return plugged }).Build()
	c, _ := newTestConnector(t, clk, io)
	if err := c.cfg.Set(config.KeyFreeVendActive, config.BoolValue(true)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.cfg.Set(config.KeyFreeVendIdTag, config.StringValue("FREEVEND01")); err != nil {
		t.Fatalf("set: %v", err)
	}
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	plugged = true
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if !c.HasRunningTransaction() {
		t.Fatalf("expected free-vend to auto-start a transaction on plug")
	}
	if c.tx.IdTag() != "FREEVEND01" {
		t.Fatalf("expected free-vend idTag, got %q", c.tx.IdTag())
	}
}

func TestConnectorRejectsOversizeIdTag(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	_, ok := c.BeginTransaction("012345678901234567890")
	if ok {
		t.Fatalf("expected oversize idTag (21 chars) to be rejected")
	}
}

func TestConnectorAcceptsBoundaryIdTagLength(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	_, ok := c.BeginTransaction("01234567890123456789")
	if !ok {
		t.Fatalf("expected boundary idTag (20 chars) to be accepted")
	}
}

func TestConnectorReservedStatusWhenReservationActive(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	c.SetReservation(&Reservation{
		ReservationID: 1,
		IdTag:         "RESERVED01",
		Expiry:        clk.Now().Add(time.Hour),
	})
	sender := &fakeSender{}
	c.Loop(clk.Now(), sender)
	if c.inferred != core.ChargePointStatusReserved {
		t.Fatalf("expected Reserved, got %v", c.inferred)
	}
}

func TestConnectorReservationBlocksMismatchedIdTag(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	c.SetReservation(&Reservation{
		ReservationID: 1,
		IdTag:         "RESERVED01",
		Expiry:        clk.Now().Add(time.Hour),
	})
	_, ok := c.BeginTransaction("SOMEONEELSE")
	if ok {
		t.Fatalf("expected reservation to block a mismatched idTag")
	}
	_, ok = c.BeginTransaction("RESERVED01")
	if !ok {
		t.Fatalf("expected reservation holder's own idTag to be accepted")
	}
}

func TestConnectorEVSideDisconnectStopsRunningTransaction(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := true
	io := NewIOBuilder().WithConnectorPluggedSampler(func() bool { return plugged }).Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	c.Loop(clk.Now(), sender)
	tx, ok := c.BeginTransactionAuthorized("ABCDEF1234", "")
	if !ok {
		t.Fatalf("expected BeginTransactionAuthorized to succeed")
	}
	tx.SetStart(clk.Now(), 0)
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	plugged = false
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if !tx.HasStopReason() {
		t.Fatalf("expected EV-side disconnect to stop the running transaction")
	}
	reason, _ := tx.StopReason()
	if reason != core.ReasonEVDisconnected {
		t.Fatalf("expected ReasonEVDisconnected, got %v", reason)
	}
}

func TestConnectorPublishesTransactionStartedAndStopped(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	cfg := newTestStore(t)
	bus := eventbus.New()
	events := bus.Subscribe(8)
	c := New(1, clk, cfg, fs, bus, NewIOBuilder().Build())
	sender := &fakeSender{}

	tx, ok := c.BeginTransactionAuthorized("ABCDEF1234", "")
	if !ok {
		t.Fatalf("expected BeginTransactionAuthorized to succeed")
	}
	tx.SetStart(clk.Now(), 0)
	c.Loop(clk.Now(), sender)

	var sawStart bool
	drain := func() {
		for {
			select {
			case ev := <-events:
				if ev.Topic == eventbus.TopicTransactionStarted {
					sawStart = true
				}
			default:
				return
			}
		}
	}
	drain()
	if !sawStart {
		t.Fatalf("expected TopicTransactionStarted once StartTransaction is confirmed")
	}

	clk.Advance(time.Second)
	tx.SetStop(clk.Now(), 500, core.ReasonLocal)
	c.Loop(clk.Now(), sender)

	var sawStop bool
	for {
		select {
		case ev := <-events:
			if ev.Topic == eventbus.TopicTransactionStopped && ev.Reason == string(core.ReasonLocal) {
				sawStop = true
			}
		default:
			if !sawStop {
				t.Fatalf("expected TopicTransactionStopped with ReasonLocal once the transaction settles")
			}
			return
		}
	}
}

func TestConnectorAutoStartsTransactionWhenPluggedAndAuthorized(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := true
	io := NewIOBuilder().
		WithConnectorPluggedSampler(func() bool { return plugged }).
		WithMeterSampler(func() (int, bool) { return 1000, true }).
		Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	tx, ok := c.BeginTransactionAuthorized("ABCDEF1234", "")
	if !ok {
		t.Fatalf("expected BeginTransactionAuthorized to succeed")
	}
	c.Loop(clk.Now(), sender)

	if tx.StartTimestamp().IsZero() {
		t.Fatalf("expected Loop to record a local start once plugged and authorized")
	}
	if tx.StartMeter() != 1000 {
		t.Fatalf("StartMeter = %d, want 1000", tx.StartMeter())
	}
	var sawStart bool
	for _, r := range sender.requests {
		if sr, ok := r.(*core.StartTransactionRequest); ok {
			sawStart = true
			if sr.MeterStart != 1000 {
				t.Fatalf("MeterStart = %d, want 1000", sr.MeterStart)
			}
		}
	}
	if !sawStart {
		t.Fatalf("expected StartTransaction to be dispatched")
	}
}

func TestConnectorFaultStopsRunningTransaction(t *testing.T) {
	clk := clock.NewFake(time.Now())
	errCode := "NoError"
	plugged := true
	energized := true
	requestsEnergy := true
	io := NewIOBuilder().
		WithConnectorPluggedSampler(func() bool { return plugged }).
		WithConnectorEnergizedSampler(func() bool { return energized }).
		WithEvRequestsEnergySampler(func() bool { return requestsEnergy }).
		WithConnectorErrorCodeSampler(func() string { return errCode }).
		Build()
	c, _ := newTestConnector(t, clk, io)
	sender := &fakeSender{}

	tx, ok := c.BeginTransactionAuthorized("ABCDEF1234", "")
	if !ok {
		t.Fatalf("expected BeginTransactionAuthorized to succeed")
	}
	tx.SetStart(clk.Now(), 0)
	c.Loop(clk.Now(), sender)
	if c.inferred != core.ChargePointStatusCharging {
		t.Fatalf("expected Charging before the fault, got %v", c.inferred)
	}

	errCode = "GroundFailure"
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if !tx.HasStopReason() {
		t.Fatalf("expected a fault to stop the running transaction")
	}
	reason, _ := tx.StopReason()
	if reason != core.ReasonOther {
		t.Fatalf("StopReason = %v, want ReasonOther", reason)
	}
	if c.inferred != core.ChargePointStatusFaulted {
		t.Fatalf("expected Faulted status, got %v", c.inferred)
	}
}

func TestConnectorFinishingWhileStopPendingStillEnergized(t *testing.T) {
	clk := clock.NewFake(time.Now())
	plugged := true
	energized := true
	requestsEnergy := true
	io := NewIOBuilder().
		WithConnectorPluggedSampler(func() bool { return plugged }).
		WithConnectorEnergizedSampler(func() bool { return energized }).
		WithEvRequestsEnergySampler(func() bool { return requestsEnergy }).
		Build()
	c, _ := newTestConnector(t, clk, io)
	if err := c.cfg.Set(config.KeyStopTransactionOnEVSideDisconnect, config.BoolValue(false)); err != nil {
		t.Fatalf("set: %v", err)
	}
	sender := &fakeSender{}

	tx, ok := c.BeginTransactionAuthorized("ABCDEF1234", "")
	if !ok {
		t.Fatalf("expected BeginTransactionAuthorized to succeed")
	}
	tx.SetStart(clk.Now(), 0)
	c.Loop(clk.Now(), sender)
	if c.inferred != core.ChargePointStatusCharging {
		t.Fatalf("expected Charging before the stop, got %v", c.inferred)
	}

	tx.SetStop(clk.Now(), 500, core.ReasonLocal)
	plugged = false
	requestsEnergy = false
	clk.Advance(time.Second)
	c.Loop(clk.Now(), sender)

	if c.inferred != core.ChargePointStatusFinishing {
		t.Fatalf("expected Finishing while the stop is pending and the EVSE relay is still energized, got %v", c.inferred)
	}
}

func TestConnectorAvailabilityScheduledDeferredUntilTransactionEnds(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, _ := newTestConnector(t, clk, NewIOBuilder().Build())
	tx, _ := c.BeginTransactionAuthorized("ABCDEF1234", "")
	tx.SetStart(clk.Now(), 0)

	status := c.SetAvailability(false)
	if status != core.AvailabilityStatusScheduled {
		t.Fatalf("expected Scheduled while transaction is running, got %v", status)
	}

	sender := &fakeSender{}
	tx.SetStop(clk.Now(), 100, core.ReasonLocal)
	c.Loop(clk.Now(), sender)

	if c.availability != AvailabilityInoperative {
		t.Fatalf("expected availability to drain to Inoperative once the transaction ended")
	}
}
