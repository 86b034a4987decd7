// Package metadata describes the headers attached to every event the bus
// hands to its notification sink.
package metadata

import (
	"strconv"
	"time"

	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
)

// Header keys set on sink events.
const (
	KeyEventID       = "event_id"
	KeyConnectionID  = "connection_id"
	KeyRemoteAddr    = "remote_addr"
	KeyReceivedAt    = "received_at"
	KeySize          = "size"
	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Inbound describes one accepted inbound message.
type Inbound struct {
	ConnectionID idspkg.ConnectionID
	RemoteAddr   string
	Size         int
	ReceivedAt   time.Time
}

// ForInbound builds the headers for an accepted message. Empty values are
// omitted.
func ForInbound(in Inbound) Metadata {
	md := make(Metadata, 4)
	if in.ConnectionID != "" {
		md[KeyConnectionID] = in.ConnectionID.String()
	}
	if in.RemoteAddr != "" {
		md[KeyRemoteAddr] = in.RemoteAddr
	}
	if !in.ReceivedAt.IsZero() {
		md[KeyReceivedAt] = in.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	md[KeySize] = strconv.Itoa(in.Size)
	return md
}

// ReceivedAt parses the received_at header.
func (m Metadata) ReceivedAt() (time.Time, bool) {
	raw, ok := m[KeyReceivedAt]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Size parses the size header, returning -1 when absent or malformed.
func (m Metadata) Size() int {
	n, err := strconv.Atoi(m[KeySize])
	if err != nil {
		return -1
	}
	return n
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}
