// Package ids generates identifiers for audit records, sessions and tokens.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexicographically sortable identifier for time t.
// Identifiers generated within the same millisecond are strictly increasing.
// Times a ULID cannot encode (before 1970 or past MaxTime) use the current time.
func NewULID(t time.Time) string {
	ms := ulid.Timestamp(t)
	if t.Before(time.Unix(0, 0)) || ms > ulid.MaxTime() {
		ms = ulid.Now()
	}
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ms, entropy)
	if err != nil {
		// monotonic entropy exhausted within this millisecond
		return ulid.Make().String()
	}
	return id.String()
}

// New returns a ULID for the current time.
func New() string {
	return NewULID(time.Now())
}

// NewUUID returns a random v4 UUID, used for token ids and session ids.
func NewUUID() string {
	return uuid.NewString()
}
