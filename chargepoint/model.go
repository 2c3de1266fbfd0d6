// Package chargepoint aggregates the Connectors, the firmware update
// service, and the transport into the single Tick() entry point a host
// drives.
package chargepoint

import (
	"fmt"
	"sort"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/FarafontovDmitriy/MicroOcpp/clock"
	"github.com/FarafontovDmitriy/MicroOcpp/config"
	"github.com/FarafontovDmitriy/MicroOcpp/connector"
	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
	"github.com/FarafontovDmitriy/MicroOcpp/firmware"
)

// sender is the minimal transport capability Model needs.
type sender interface {
	SendRequestAsync(request ocpp.Request, callback func(confirmation ocpp.Response, err error)) error
}

// drainer is implemented by transport.QueueingClient: a client that defers
// SendRequestAsync's callback rather than invoking it inline, so its results
// can be replayed on the tick goroutine. Test doubles that invoke callback
// synchronously (already on the tick goroutine) need not implement it.
type drainer interface {
	Drain()
}

// BootStatus is the station's registration state with the Central System.
type BootStatus int

const (
	BootPending BootStatus = iota
	BootAccepted
	BootRejected
)

// Model is the thin, 10%-of-the-work aggregator described in
// SPEC_FULL.md §4.4: it owns no domain logic of its own beyond sequencing
// Tick across its children and the boot/heartbeat cadence.
type Model struct {
	log *logrus.Entry
	clk clock.Clock
	cfg *config.Store
	bus *eventbus.Bus

	client sender

	connectors   []*connector.Connector
	byID         map[int]*connector.Connector
	firmwareSvc  *firmware.Service

	vendor string
	model  string

	boot         BootStatus
	bootSent     bool
	heartbeatDue time.Time
}

// New builds a Model over connectorIDs (1..N; the id-0 station aggregate is
// implicit and not part of this slice), not yet booted.
func New(clk clock.Clock, cfg *config.Store, bus *eventbus.Bus, client sender, connectors []*connector.Connector, firmwareSvc *firmware.Service, vendor, model string) *Model {
	byID := make(map[int]*connector.Connector, len(connectors))
	for _, c := range connectors {
		byID[c.ID()] = c
	}
	sort.Slice(connectors, func(i, j int) bool { return connectors[i].ID() < connectors[j].ID() })
	return &Model{
		log:         logrus.WithField("component", "chargepoint.Model"),
		clk:         clk,
		cfg:         cfg,
		bus:         bus,
		client:      client,
		connectors:  connectors,
		byID:        byID,
		firmwareSvc: firmwareSvc,
		vendor:      vendor,
		model:       model,
	}
}

// Connector returns the connector with the given id, if present.
func (m *Model) Connector(id int) (*connector.Connector, bool) {
	c, ok := m.byID[id]
	return c, ok
}

// Connectors returns every connector in id order. The returned slice must
// not be mutated by the caller.
func (m *Model) Connectors() []*connector.Connector {
	return m.connectors
}

// AnyTransactionActive reports whether any connector currently has a running
// transaction, consulted by firmware.Service to gate installation.
func (m *Model) AnyTransactionActive() bool {
	for _, c := range m.connectors {
		if c.HasRunningTransaction() {
			return true
		}
	}
	return false
}

// BootStatus returns the station's current registration state.
func (m *Model) BootStatus() BootStatus { return m.boot }

// Tick is the single entry point a host invokes periodically. It sequences
// BootNotification/Heartbeat, each Connector's Loop, and the firmware
// Service's Loop, in the order SPEC_FULL.md §4.4 specifies.
func (m *Model) Tick(now time.Time) {
	if d, ok := m.client.(drainer); ok {
		d.Drain()
	}
	m.driveBoot(now)
	if m.boot != BootAccepted {
		return
	}
	m.driveHeartbeat(now)
	for _, c := range m.connectors {
		c.Loop(now, m.client)
	}
	if m.firmwareSvc != nil {
		m.firmwareSvc.Loop(now, m.client, m.AnyTransactionActive())
	}
}

func (m *Model) driveBoot(now time.Time) {
	if m.bootSent {
		return
	}
	m.bootSent = true
	req := core.BootNotificationRequest{
		ChargePointVendor: m.vendor,
		ChargePointModel:  m.model,
	}
	err := m.client.SendRequestAsync(&req, func(confirmation ocpp.Response, err error) {
		m.onBootResult(now, confirmation, err)
	})
	if err != nil {
		m.bootSent = false
	}
}

func (m *Model) onBootResult(now time.Time, confirmation ocpp.Response, err error) {
	if err != nil {
		m.log.WithError(err).Warn("BootNotification failed, will retry")
		m.bootSent = false
		return
	}
	conf, ok := confirmation.(*core.BootNotificationConfirmation)
	if !ok || conf == nil {
		m.bootSent = false
		return
	}
	switch conf.Status {
	case core.RegistrationStatusAccepted:
		m.boot = BootAccepted
		interval := conf.Interval
		if interval <= 0 {
			interval = m.cfg.GetInt(config.KeyHeartbeatInterval)
		}
		if err := m.cfg.Set(config.KeyHeartbeatInterval, config.IntValue(interval)); err != nil {
			m.log.WithError(err).Warn("failed to persist server-assigned heartbeat interval")
		}
		m.heartbeatDue = now
	case core.RegistrationStatusPending:
		m.boot = BootPending
		m.bootSent = false
	default:
		m.boot = BootRejected
		m.bootSent = false
	}
}

func (m *Model) driveHeartbeat(now time.Time) {
	if now.Before(m.heartbeatDue) {
		return
	}
	interval := m.cfg.GetInt(config.KeyHeartbeatInterval)
	m.heartbeatDue = now.Add(time.Duration(interval) * time.Second)
	req := core.HeartbeatRequest{}
	m.client.SendRequestAsync(&req, func(ocpp.Response, error) {})
}

// SendAuthorize dispatches an Authorize request for idTag, invoking cb with
// the server's AuthorizationStatus once answered. Connectors do not call it:
// each Transaction dispatches its own Authorize request from Advance.
func (m *Model) SendAuthorize(idTag string, cb func(status types.AuthorizationStatus, err error)) {
	req := core.AuthorizeRequest{IdTag: idTag}
	err := m.client.SendRequestAsync(&req, func(confirmation ocpp.Response, err error) {
		if err != nil {
			cb("", err)
			return
		}
		conf, ok := confirmation.(*core.AuthorizeConfirmation)
		if !ok || conf == nil || conf.IdTagInfo == nil {
			cb("", fmt.Errorf("chargepoint: malformed AuthorizeConfirmation"))
			return
		}
		cb(conf.IdTagInfo.Status, nil)
	})
	if err != nil {
		cb("", err)
	}
}
