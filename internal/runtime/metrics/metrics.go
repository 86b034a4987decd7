// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messagebus"

// Metrics tracks connection and relay statistics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mu sync.Mutex

	ActiveConnections prometheus.Gauge
	Connections       prometheus.Counter
	HandshakeFailures prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesDelivered prometheus.Counter
	BytesReceived     prometheus.Counter
	OversizeMessages  prometheus.Counter
	PrunedEntries     prometheus.Counter
	QueueDropped      prometheus.Counter
	SessionErrors     *prometheus.CounterVec
	SinkEvents        *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates the relay collectors. A nil registerer selects the Prometheus
// default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		registerer: registerer,
		gatherer:   gatherer,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of connections currently registered",
		}),
		Connections:       newCounter("connections", "accepted_total", "Total number of connections that completed the handshake"),
		HandshakeFailures: newCounter("connections", "handshake_failures_total", "Total number of failed connection handshakes"),
		MessagesReceived:  newCounter("relay", "messages_received_total", "Total number of text messages accepted for broadcast"),
		MessagesDelivered: newCounter("relay", "messages_delivered_total", "Total number of messages enqueued to recipients"),
		BytesReceived:     newCounter("relay", "received_bytes_total", "Total payload bytes accepted for broadcast"),
		OversizeMessages:  newCounter("relay", "oversize_messages_total", "Total number of messages rejected for exceeding the size limit"),
		PrunedEntries:     newCounter("registry", "pruned_total", "Total number of registry entries pruned during broadcast"),
		QueueDropped:      newCounter("relay", "queue_dropped_total", "Total number of messages discarded by a bounded delivery channel"),
		SessionErrors:     newCounterVec("connections", "errors_total", "Total number of session terminating errors", []string{"direction"}),
		SinkEvents:        newCounterVec("sink", "events_total", "Total number of sink notifications by result", []string{"result"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.ActiveConnections,
		m.Connections,
		m.HandshakeFailures,
		m.MessagesReceived,
		m.MessagesDelivered,
		m.BytesReceived,
		m.OversizeMessages,
		m.PrunedEntries,
		m.QueueDropped,
		m.SessionErrors,
		m.SinkEvents,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Registerer returns the registry the collectors were created for.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

// ConnectionOpened records a session that joined the registry.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a session that left the registry.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// HandshakeFailed records an aborted connection attempt.
func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}

// MessageReceived records one accepted inbound message of size bytes.
func (m *Metrics) MessageReceived(size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// Broadcasted records the outcome of a single broadcast.
func (m *Metrics) Broadcasted(delivered, pruned int) {
	if m == nil {
		return
	}
	m.MessagesDelivered.Add(float64(delivered))
	m.PrunedEntries.Add(float64(pruned))
}

// OversizeRejected records a message refused for its size.
func (m *Metrics) OversizeRejected() {
	if m == nil {
		return
	}
	m.OversizeMessages.Inc()
}

// QueueOverflow records messages dropped by an overflow policy.
func (m *Metrics) QueueOverflow(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.QueueDropped.Add(float64(n))
}

// SessionError records a session ending because of err on the given side
// ("read" or "write").
func (m *Metrics) SessionError(direction string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(direction).Inc()
}

// SinkEvent records a sink notification result ("published", "dropped", "failed").
func (m *Metrics) SinkEvent(result string) {
	if m == nil {
		return
	}
	m.SinkEvents.WithLabelValues(result).Inc()
}

// Handler exposes the gatherer backing these metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
