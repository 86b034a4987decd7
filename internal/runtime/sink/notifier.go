package sink

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
)

// Sink event results recorded in metrics.
const (
	ResultPublished = "published"
	ResultDropped   = "dropped"
	ResultFailed    = "failed"
)

// Notifier turns accepted inbound messages into sink events. Notify never
// blocks: events are queued and published by a single background worker,
// and dropped when the queue is full.
type Notifier struct {
	publisher message.Publisher
	topic     string
	metrics   *metricspkg.Metrics
	logger    loggingpkg.ServiceLogger

	events    chan *message.Message
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewNotifier starts the publish worker for publisher.
func NewNotifier(publisher message.Publisher, topic string, buffer int, metrics *metricspkg.Metrics, logger loggingpkg.ServiceLogger) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	n := &Notifier{
		publisher: publisher,
		topic:     topic,
		metrics:   metrics,
		logger:    logger.With(loggingpkg.LogFields{"topic": topic}),
		events:    make(chan *message.Message, buffer),
		closing:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// NewEvent builds the Watermill message published for msg.
func NewEvent(msg dispatchpkg.InboundMessage) *message.Message {
	id := idspkg.CreateULID()
	md := metadatapkg.ForInbound(metadatapkg.Inbound{
		ConnectionID: msg.ConnectionID,
		RemoteAddr:   msg.RemoteAddr,
		Size:         msg.Size,
		ReceivedAt:   msg.ReceivedAt,
	}).With(metadatapkg.KeyEventID, id).With(metadatapkg.KeyCorrelationID, id)

	event := message.NewMessage(id, []byte(msg.Text))
	metadatapkg.Apply(event, md)
	return event
}

// Notify queues msg for publishing.
func (n *Notifier) Notify(msg dispatchpkg.InboundMessage) {
	select {
	case <-n.closing:
		n.metrics.SinkEvent(ResultDropped)
		return
	default:
	}

	select {
	case n.events <- NewEvent(msg):
	default:
		n.metrics.SinkEvent(ResultDropped)
		n.logger.Debug("Sink queue full, dropping event", loggingpkg.LogFields{
			"connection_id": msg.ConnectionID.String(),
		})
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case event := <-n.events:
			n.publish(event)
		case <-n.closing:
			n.drain()
			return
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case event := <-n.events:
			n.publish(event)
		default:
			return
		}
	}
}

func (n *Notifier) publish(event *message.Message) {
	if err := n.publisher.Publish(n.topic, event); err != nil {
		n.metrics.SinkEvent(ResultFailed)
		n.logger.Error("Failed to publish sink event", err, loggingpkg.LogFields{"event_id": event.UUID})
		return
	}
	n.metrics.SinkEvent(ResultPublished)
}

// Pending reports how many events wait to be published.
func (n *Notifier) Pending() int {
	return len(n.events)
}

// Close publishes what is already queued and stops the worker.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() { close(n.closing) })
	n.wg.Wait()
	return nil
}
