package dispatch

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
)

type inbox struct {
	mu     sync.Mutex
	msgs   []string
	closed bool
}

func (i *inbox) Enqueue(msg string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errspkg.ErrChannelClosed
	}
	i.msgs = append(i.msgs, msg)
	return nil
}

func TestBroadcastDispatcherIncludesSender(t *testing.T) {
	reg := registrypkg.New()
	sender := idspkg.NewConnectionID()
	senderBox := &inbox{}
	otherBox := &inbox{}
	reg.Register(sender, senderBox)
	reg.Register(idspkg.NewConnectionID(), otherBox)

	d := NewBroadcastDispatcher(reg, nil)
	d.Dispatch(InboundMessage{ConnectionID: sender, Text: "ping", Size: 4})

	assert.Equal(t, []string{"ping"}, senderBox.msgs)
	assert.Equal(t, []string{"ping"}, otherBox.msgs)
}

func TestBroadcastDispatcherRecordsMetrics(t *testing.T) {
	m := metricspkg.New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	reg := registrypkg.New()
	reg.Register(idspkg.NewConnectionID(), &inbox{})
	reg.Register(idspkg.NewConnectionID(), &inbox{closed: true})

	NewBroadcastDispatcher(reg, m).Dispatch(InboundMessage{Text: "x", Size: 1})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PrunedEntries))
	assert.Equal(t, 1, reg.Len())
}

func TestFilteredDispatcher(t *testing.T) {
	var got []string
	next := DispatcherFunc(func(msg InboundMessage) { got = append(got, msg.Text) })

	noHeartbeats := func(msg InboundMessage) bool { return !strings.Contains(msg.Text, "heartbeat") }
	d := NewFilteredDispatcher(next, noHeartbeats, MaxSize(10))

	d.Dispatch(InboundMessage{Text: "hello", Size: 5})
	d.Dispatch(InboundMessage{Text: "heartbeat", Size: 9})
	d.Dispatch(InboundMessage{Text: "much too long", Size: 13})

	assert.Equal(t, []string{"hello"}, got)
}

func TestFilteredDispatcherWithoutFiltersIsPassThrough(t *testing.T) {
	next := NewBroadcastDispatcher(registrypkg.New(), nil)
	assert.Same(t, next, NewFilteredDispatcher(next))
}
