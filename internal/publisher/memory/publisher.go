// Package memory contains an in-memory crawl request transport for tests and
// local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
)

// Transport stores sent messages for inspection.
type Transport struct {
	mu       sync.RWMutex
	messages []publisher.Message
	failures []error
	closed   bool
}

// New returns a memory Transport.
func New() *Transport {
	return &Transport{}
}

// FailNext makes the next Send calls return errs in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// Send records the message and returns a pseudo receipt on partition 0.
func (t *Transport) Send(_ context.Context, msg publisher.Message) (publisher.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return publisher.Receipt{}, fmt.Errorf("memory transport is closed")
	}
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return publisher.Receipt{}, err
	}
	t.messages = append(t.messages, msg)
	n := len(t.messages)
	return publisher.Receipt{MessageID: fmt.Sprintf("memory-%d", n), Partition: 0, Offset: int64(n - 1)}, nil
}

// Messages returns the recorded sends.
func (t *Transport) Messages() []publisher.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]publisher.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
