package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParticipantID is a stable, globally unique device identity. IDs are
// random UUIDs, so no coordination is needed to assign them.
type ParticipantID string

// AssignID generates a new participant identity.
func AssignID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// Timestamp orders operations across replicas. Counter is a Lamport
// counter; Site breaks ties deterministically.
type Timestamp struct {
	Counter uint64        `json:"counter"`
	Site    ParticipantID `json:"site"`
}

// Compare returns -1, 0 or 1 ordering t against other.
// Counter dominates; equal counters are ordered by site id.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if t.Site != other.Site {
		if t.Site < other.Site {
			return -1
		}
		return 1
	}
	return 0
}

func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

func (t Timestamp) IsZero() bool { return t.Counter == 0 && t.Site == "" }

// String renders "counter@site", the form used in op keys and logs.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.Site)
}

// ParseTimestamp parses the String form back into a Timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	at := strings.IndexByte(s, '@')
	if at < 1 {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
	}
	counter, err := strconv.ParseUint(s[:at], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp counter %q: %w", s[:at], err)
	}
	return Timestamp{Counter: counter, Site: ParticipantID(s[at+1:])}, nil
}

// Clock is a Lamport clock bound to a local participant identity.
// Tick stamps local operations; Observe advances the counter past any
// remote timestamp it witnesses, so the local counter always exceeds
// every timestamp seen so far.
type Clock struct {
	mu      sync.Mutex
	counter uint64
	site    ParticipantID
}

// New creates a clock for the given site, seeded from the local
// wall clock so a restarted replica keeps moving forward even without
// a persisted counter.
func New(site ParticipantID) *Clock {
	return &Clock{
		counter: uint64(time.Now().UnixMilli()),
		site:    site,
	}
}

// NewAt creates a clock with an explicit starting counter. Used when
// resuming from a persisted operation log.
func NewAt(site ParticipantID, counter uint64) *Clock {
	return &Clock{counter: counter, site: site}
}

// Site returns the local participant id.
func (c *Clock) Site() ParticipantID { return c.site }

// Tick increments the counter and returns a fresh timestamp for a
// local operation.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Timestamp{Counter: c.counter, Site: c.site}
}

// Observe advances the counter past a remote timestamp. Returns the
// amount of forward skew, which callers may log when a remote clock is
// suspiciously far ahead; correctness does not depend on it.
func (c *Clock) Observe(remote Timestamp) (skew uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote.Counter > c.counter {
		skew = remote.Counter - c.counter
		c.counter = remote.Counter
	}
	return skew
}

// Now returns the current timestamp without advancing the counter.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Counter: c.counter, Site: c.site}
}
