package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	"github.com/drblury/messagebus/transport"
	"github.com/drblury/messagebus/transport/channel"
	"github.com/drblury/messagebus/transport/transporttest"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	svc     *Service
	metrics *metricspkg.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func newService(t *testing.T, conf Config) (*Service, *metricspkg.Metrics) {
	t.Helper()
	transports := transport.NewRegistry()
	transports.RegisterWithCapabilities(channel.TransportName, channel.Build, transport.ChannelCapabilities)

	m := metricspkg.New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	svc, err := NewService(context.Background(), conf, &transporttest.Config{SinkSystem: "channel"}, Dependencies{
		Transports: transports,
		Metrics:    m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, m
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		t.Fatal("sink did not stop")
		return nil
	}
}

func start(t *testing.T, svc *Service, m *metricspkg.Metrics) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, metrics: m, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- svc.Run(ctx) }()

	select {
	case <-svc.Running():
	case <-time.After(timeout):
		t.Fatal("sink did not start")
	}
	return h
}

func inbound(text string) dispatchpkg.InboundMessage {
	return dispatchpkg.InboundMessage{
		ConnectionID: idspkg.ConnectionID("01HZXCONN"),
		RemoteAddr:   "10.0.0.7:5123",
		Text:         text,
		Size:         len(text),
		ReceivedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled(""))
	assert.False(t, Enabled("none"))
	assert.False(t, Enabled(" NONE "))
	assert.True(t, Enabled("channel"))
	assert.True(t, Enabled("Kafka"))
}

func TestNewServiceDisabled(t *testing.T) {
	svc, err := NewService(context.Background(), Config{}, &transporttest.Config{SinkSystem: "none"}, Dependencies{})
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, errspkg.ErrSinkDisabled)
}

func TestNewServiceUnknownTransport(t *testing.T) {
	svc, err := NewService(context.Background(), Config{}, &transporttest.Config{SinkSystem: "carrier-pigeon"}, Dependencies{
		Transports: transport.NewRegistry(),
	})
	assert.Nil(t, svc)
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestNewEventMetadata(t *testing.T) {
	msg := NewEvent(inbound("ping"))

	assert.Equal(t, "ping", string(msg.Payload))
	assert.Equal(t, msg.UUID, msg.Metadata.Get(metadatapkg.KeyEventID))
	assert.Equal(t, msg.UUID, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "01HZXCONN", msg.Metadata.Get(metadatapkg.KeyConnectionID))
	assert.Equal(t, "10.0.0.7:5123", msg.Metadata.Get(metadatapkg.KeyRemoteAddr))
	assert.Equal(t, "4", msg.Metadata.Get(metadatapkg.KeySize))
	assert.Equal(t, "2026-01-02T03:04:05Z", msg.Metadata.Get(metadatapkg.KeyReceivedAt))
}

func TestObserversReceiveEveryEvent(t *testing.T) {
	svc, m := newService(t, Config{})
	first, second := &recorder{}, &recorder{}
	require.NoError(t, svc.AddObserver("first", first.observe))
	require.NoError(t, svc.AddObserver("second", second.observe))
	assert.Equal(t, []string{"first", "second"}, svc.Observers())

	h := start(t, svc, m)
	defer func() { _ = h.stop(t) }()

	svc.Notifier().Notify(inbound("ping"))
	svc.Notifier().Notify(inbound("pong"))

	for _, r := range []*recorder{first, second} {
		require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, timeout, tick)
		texts := []string{r.snapshot()[0].Text, r.snapshot()[1].Text}
		assert.ElementsMatch(t, []string{"ping", "pong"}, texts)
		assert.Equal(t, idspkg.ConnectionID("01HZXCONN"), r.snapshot()[0].ConnectionID())
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SinkEvents.WithLabelValues(ResultPublished)))
}

func TestFailingObserverDoesNotAffectOthers(t *testing.T) {
	svc, m := newService(t, Config{Retry: RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}})

	var attempts atomic.Int32
	require.NoError(t, svc.AddObserver("broken", func(ctx context.Context, ev Event) error {
		attempts.Add(1)
		return errors.New("observer down")
	}))
	require.NoError(t, svc.AddObserver("panicky", func(ctx context.Context, ev Event) error {
		panic("boom")
	}))
	healthy := &recorder{}
	require.NoError(t, svc.AddObserver("healthy", healthy.observe))

	h := start(t, svc, m)
	defer func() { _ = h.stop(t) }()

	svc.Notifier().Notify(inbound("ping"))

	require.Eventually(t, func() bool { return len(healthy.snapshot()) == 1 }, timeout, tick)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SinkEvents.WithLabelValues(ResultObserverFailed)) == 2
	}, timeout, tick)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestAddObserverValidation(t *testing.T) {
	svc, _ := newService(t, Config{})

	assert.ErrorIs(t, svc.AddObserver("", func(context.Context, Event) error { return nil }), errspkg.ErrObserverName)
	assert.ErrorIs(t, svc.AddObserver("x", nil), errspkg.ErrObserverRequired)
}

func TestAddObserverAfterRun(t *testing.T) {
	svc, m := newService(t, Config{})
	h := start(t, svc, m)
	defer func() { _ = h.stop(t) }()

	assert.Error(t, svc.AddObserver("late", func(context.Context, Event) error { return nil }))
}

func TestRunWithoutObserversWaitsForContext(t *testing.T) {
	svc, m := newService(t, Config{})
	h := start(t, svc, m)

	svc.Notifier().Notify(inbound("nobody listening"))
	assert.NoError(t, h.stop(t))
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, _ := newService(t, Config{})
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
