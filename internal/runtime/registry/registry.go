// Package registry holds the process-wide set of open connections and the
// handle each one exposes for outbound delivery.
package registry

import (
	"sort"
	"sync"

	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
)

// Sender is the enqueue-only side of a connection's DeliveryChannel.
// A non-nil error means the receiving side is gone.
type Sender interface {
	Enqueue(msg string) error
}

// BroadcastResult summarises a single broadcast.
type BroadcastResult struct {
	Delivered int
	Pruned    int
}

// Registry maps connection ids to their senders. Insert, removal and
// broadcast enumeration are serialised by one mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[idspkg.ConnectionID]Sender
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[idspkg.ConnectionID]Sender)}
}

// Register inserts ch under id. Ids are generated uniquely so no duplicate
// check is made.
func (r *Registry) Register(id idspkg.ConnectionID, ch Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = ch
}

// Deregister removes id. It reports whether an entry was removed, so a second
// call for the same id is a no-op returning false.
func (r *Registry) Deregister(id idspkg.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Broadcast enqueues payload into every registered sender. Entries whose
// enqueue fails are removed. Broadcast never fails as a whole.
func (r *Registry) Broadcast(payload string) BroadcastResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res BroadcastResult
	for id, ch := range r.entries {
		if err := ch.Enqueue(payload); err != nil {
			delete(r.entries, id)
			res.Pruned++
			continue
		}
		res.Delivered++
	}
	return res
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Has reports whether id is registered.
func (r *Registry) Has(id idspkg.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []idspkg.ConnectionID {
	r.mu.Lock()
	ids := make([]idspkg.ConnectionID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
