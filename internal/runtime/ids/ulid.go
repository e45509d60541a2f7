// Package ids generates the identifiers stamped on events, tasks, correlation
// chains and consumers.
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

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCorrelationID starts a new causal chain.
func NewCorrelationID() string {
	return New()
}

// NewConsumerTag returns a broker consumer tag scoped to queue.
func NewConsumerTag(queue string) string {
	return "meshflow." + queue + "." + New()
}

// Time extracts the creation time encoded in a ULID produced by New.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
