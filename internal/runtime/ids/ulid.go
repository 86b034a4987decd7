package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ConnectionID identifies one accepted connection for as long as it stays
// registered. Values are ULIDs, so they sort by accept time.
type ConnectionID string

func (id ConnectionID) String() string { return string(id) }

// NewConnectionID allocates a fresh identifier for an accepted connection.
func NewConnectionID() ConnectionID {
	return ConnectionID(CreateULID())
}

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Identifiers minted within the same millisecond stay strictly increasing.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ParseConnectionID validates s and converts it into a ConnectionID.
func ParseConnectionID(s string) (ConnectionID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", err
	}
	return ConnectionID(s), nil
}
