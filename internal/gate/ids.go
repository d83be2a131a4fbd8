package gate

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator assigns process-unique step identifiers at resolution time.
// Implemented by UUIDGenerator (production) and FixedGenerator (tests).
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates time-sortable UUIDv7 step IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, making IDs
// sortable by creation time, which helps when eyeballing trace files.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDGenerator struct{}

// NewID creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDGenerator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined step IDs for testing.
//
// This enables deterministic test execution and golden trace comparison.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order and
// panics when exhausted.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// NewID returns the next predetermined id.
func (g *FixedGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
