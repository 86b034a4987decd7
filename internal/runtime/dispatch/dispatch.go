// Package dispatch decides where an accepted inbound message goes. The
// default policy sends it to every registered connection, the sender
// included.
package dispatch

import (
	"time"

	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
)

// InboundMessage is one decoded text frame that passed the size check.
type InboundMessage struct {
	ConnectionID idspkg.ConnectionID
	RemoteAddr   string
	Text         string
	Size         int
	ReceivedAt   time.Time
}

// Dispatcher relays an accepted message. Implementations must not block on
// slow recipients.
type Dispatcher interface {
	Dispatch(msg InboundMessage)
}

// Broadcaster is the part of the registry a dispatcher needs.
type Broadcaster interface {
	Broadcast(payload string) registrypkg.BroadcastResult
}

// DispatcherFunc adapts a function into a Dispatcher.
type DispatcherFunc func(msg InboundMessage)

func (f DispatcherFunc) Dispatch(msg InboundMessage) { f(msg) }

// BroadcastDispatcher sends every message to the whole registry.
type BroadcastDispatcher struct {
	registry Broadcaster
	metrics  *metricspkg.Metrics
}

// NewBroadcastDispatcher wraps registry. m may be nil.
func NewBroadcastDispatcher(registry Broadcaster, m *metricspkg.Metrics) *BroadcastDispatcher {
	return &BroadcastDispatcher{registry: registry, metrics: m}
}

func (d *BroadcastDispatcher) Dispatch(msg InboundMessage) {
	res := d.registry.Broadcast(msg.Text)
	d.metrics.Broadcasted(res.Delivered, res.Pruned)
}

// Filter returns false for messages that must not be relayed.
type Filter func(msg InboundMessage) bool

type filteredDispatcher struct {
	next    Dispatcher
	filters []Filter
}

// NewFilteredDispatcher relays to next only the messages every filter
// accepts. With no filters it returns next unchanged.
func NewFilteredDispatcher(next Dispatcher, filters ...Filter) Dispatcher {
	if len(filters) == 0 {
		return next
	}
	return &filteredDispatcher{next: next, filters: filters}
}

func (d *filteredDispatcher) Dispatch(msg InboundMessage) {
	for _, keep := range d.filters {
		if !keep(msg) {
			return
		}
	}
	d.next.Dispatch(msg)
}

// MaxSize drops messages larger than limit bytes.
func MaxSize(limit int) Filter {
	return func(msg InboundMessage) bool {
		return msg.Size <= limit
	}
}
