// Package eventbus is an in-process publish/subscribe channel for the
// observability events a host embedding this module wants to watch: status
// transitions, firmware progress, and transaction lifecycle, independent of
// any particular backing transport.
package eventbus

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Topic names an event category.
type Topic string

const (
	TopicStatusNotification Topic = "StatusNotification"
	TopicFirmwareStatus     Topic = "FirmwareStatusNotification"
	TopicTransactionStarted Topic = "TransactionStarted"
	TopicTransactionStopped Topic = "TransactionStopped"
)

// Event is the payload carried on every topic; fields not relevant to a
// given Topic are left zero. ID is assigned by Publish, not by the caller,
// so a downstream consumer (e.g. the NATS bridge) can dedupe redelivered
// events independent of topic/timestamp collisions.
type Event struct {
	ID          uuid.UUID
	Topic       Topic
	At          time.Time
	ConnectorID int
	Status      string
	ErrorCode   string
	TxNr        int
	IdTag       string
	Reason      string
}

// Bus fans a single publisher out to any number of subscribers without
// blocking the publisher: a slow or absent subscriber never stalls a tick.
type Bus struct {
	log         *logrus.Entry
	subscribers []chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{log: logrus.WithField("component", "eventbus")}
}

// Subscribe returns a channel that receives every Event published from this
// point on, buffered so Publish never blocks on it. Close is not required;
// the channel is simply abandoned by the bus on process exit.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans out ev to every subscriber. A subscriber whose buffer is full
// has the event dropped for it, logged at Warn, rather than blocking the
// caller.
func (b *Bus) Publish(ev Event) {
	ev.ID = uuid.New()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.log.WithField("topic", ev.Topic).Warn("subscriber buffer full, dropping event")
		}
	}
}
