// Package natsbridge republishes eventbus.Event values onto NATS subjects,
// for deployments that want station telemetry fanned out to an external bus
// rather than consumed only in-process.
package natsbridge

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/FarafontovDmitriy/MicroOcpp/eventbus"
)

// Bridge drains a single eventbus.Bus subscription and republishes each
// Event as JSON on "<subjectPrefix>.<topic>".
type Bridge struct {
	log           *logrus.Entry
	chargePointID string
	subjectPrefix string
	events        <-chan eventbus.Event
	conn          *nats.Conn
	stop          chan struct{}
}

// New returns a Bridge subscribed to bus with the given buffer depth. It
// does not connect to NATS until Start is called.
func New(chargePointID string, bus *eventbus.Bus, buffer int) *Bridge {
	return &Bridge{
		log:           logrus.WithField("component", "natsbridge"),
		chargePointID: chargePointID,
		subjectPrefix: fmt.Sprintf("chargepoint.%s", chargePointID),
		events:        bus.Subscribe(buffer),
		stop:          make(chan struct{}),
	}
}

// Start connects to url and begins republishing events in a background
// goroutine. Call Stop to disconnect.
func (b *Bridge) Start(url string) error {
	conn, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("natsbridge: connect: %w", err)
	}
	b.conn = conn
	go b.forward()
	return nil
}

func (b *Bridge) forward() {
	for {
		select {
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.publish(ev)
		case <-b.stop:
			return
		}
	}
}

func (b *Bridge) publish(ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.WithError(err).Error("failed to marshal event")
		return
	}
	subject := fmt.Sprintf("%s.%s", b.subjectPrefix, ev.Topic)
	if err := b.conn.Publish(subject, payload); err != nil {
		b.log.WithError(err).WithField("subject", subject).Error("failed to publish event")
	}
}

// Stop disconnects from NATS and stops forwarding.
func (b *Bridge) Stop() {
	close(b.stop)
	if b.conn != nil {
		b.conn.Close()
	}
}
