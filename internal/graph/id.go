package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces node identities. Implemented by UUIDv7Generator
// (production) and FixedGenerator (tests).
type IDGenerator interface {
	NewID() NodeID
}

// UUIDv7Generator generates time-sortable UUIDv7 node IDs, which keeps
// dump output roughly in creation order.
//
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a fresh UUIDv7 as a NodeID.
func (UUIDv7Generator) NewID() NodeID {
	return NodeID(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined IDs for deterministic tests and
// golden-file comparison.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewFixedGenerator creates a generator yielding prefix-1, prefix-2, …
func NewFixedGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// NewID returns the next sequential ID.
func (g *FixedGenerator) NewID() NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return NodeID(fmt.Sprintf("%s-%d", g.prefix, g.next))
}
