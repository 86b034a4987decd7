package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	queuepkg "github.com/drblury/messagebus/internal/runtime/queue"
)

type recordingSender struct {
	mu     sync.Mutex
	msgs   []string
	closed bool
}

func (s *recordingSender) Enqueue(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrChannelClosed
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestBroadcastReachesEveryEntry(t *testing.T) {
	r := New()
	senders := make([]*recordingSender, 3)
	for i := range senders {
		senders[i] = &recordingSender{}
		r.Register(idspkg.NewConnectionID(), senders[i])
	}

	res := r.Broadcast("ping")

	assert.Equal(t, BroadcastResult{Delivered: 3}, res)
	for _, s := range senders {
		assert.Equal(t, []string{"ping"}, s.messages())
	}
}

func TestBroadcastEmptyRegistry(t *testing.T) {
	r := New()
	assert.Equal(t, BroadcastResult{}, r.Broadcast("nobody"))
}

func TestBroadcastPrunesClosedChannels(t *testing.T) {
	r := New()
	live := &recordingSender{}
	dead := &recordingSender{closed: true}
	liveID := idspkg.NewConnectionID()
	deadID := idspkg.NewConnectionID()
	r.Register(liveID, live)
	r.Register(deadID, dead)

	res := r.Broadcast("pong")

	assert.Equal(t, BroadcastResult{Delivered: 1, Pruned: 1}, res)
	assert.True(t, r.Has(liveID))
	assert.False(t, r.Has(deadID))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"pong"}, live.messages())
}

func TestBroadcastPrunesClosedDeliveryChannel(t *testing.T) {
	r := New()
	ch := queuepkg.New(queuepkg.Options{})
	id := idspkg.NewConnectionID()
	r.Register(id, ch)
	ch.Close()

	res := r.Broadcast("x")

	assert.Equal(t, 1, res.Pruned)
	assert.Zero(t, r.Len())
}

func TestLateRegistrationMissesEarlierBroadcast(t *testing.T) {
	r := New()
	early := &recordingSender{}
	r.Register(idspkg.NewConnectionID(), early)
	r.Broadcast("first")

	late := &recordingSender{}
	r.Register(idspkg.NewConnectionID(), late)
	r.Broadcast("second")

	assert.Equal(t, []string{"first", "second"}, early.messages())
	assert.Equal(t, []string{"second"}, late.messages())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	keep := idspkg.NewConnectionID()
	drop := idspkg.NewConnectionID()
	r.Register(keep, &recordingSender{})
	r.Register(drop, &recordingSender{})

	assert.True(t, r.Deregister(drop))
	assert.False(t, r.Deregister(drop))
	assert.False(t, r.Deregister(idspkg.NewConnectionID()))

	assert.Equal(t, []idspkg.ConnectionID{keep}, r.IDs())
}

func TestDeregisterRacingCalls(t *testing.T) {
	r := New()
	id := idspkg.NewConnectionID()
	r.Register(id, &recordingSender{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			if r.Deregister(id) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	assert.Zero(t, r.Len())
}

func TestConcurrentMutationAndBroadcast(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := idspkg.NewConnectionID()
				r.Register(id, &recordingSender{})
				r.Deregister(id)
			}
		}()
	}
	for b := 0; b < 4; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Broadcast(fmt.Sprintf("%d-%d", b, i))
			}
		}(b)
	}
	wg.Wait()

	require.Zero(t, r.Len())
}

func TestIDsAreSorted(t *testing.T) {
	r := New()
	var want []idspkg.ConnectionID
	for i := 0; i < 5; i++ {
		id := idspkg.NewConnectionID()
		want = append(want, id)
		r.Register(id, &recordingSender{})
	}
	assert.Equal(t, want, r.IDs())
}
