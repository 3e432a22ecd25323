// Package ulid generates time-sortable correlation identifiers.
package ulid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator creates ULID strings from a shared monotonic entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// New creates a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

// NewID returns a 26-character ULID. IDs from one Generator strictly increase.
func (g *Generator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}
