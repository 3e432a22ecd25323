// Package pubsub implements a Google Cloud Pub/Sub crawl request transport.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
)

// Transport wraps a Pub/Sub publisher client.
type Transport struct {
	publisher *pubsub.Publisher
}

// New creates a Transport for the provided topic publisher. Ordering keys are
// set from the task id when the publisher has message ordering enabled.
func New(publisher *pubsub.Publisher) *Transport {
	return &Transport{publisher: publisher}
}

// Send publishes msg and waits for the server-assigned id. Pub/Sub has no
// partitions, so the receipt reports -1 for partition and offset.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) (publisher.Receipt, error) {
	if t.publisher == nil {
		return publisher.Receipt{}, fmt.Errorf("pubsub publisher is not configured")
	}

	// Headers already carry traceparent/tracestate for the publish span.
	out := &pubsub.Message{Data: msg.Payload, Attributes: make(map[string]string, len(msg.Headers))}
	for k, v := range msg.Headers {
		out.Attributes[k] = v
	}
	if t.publisher.EnableMessageOrdering {
		out.OrderingKey = msg.Key
	}

	result := t.publisher.Publish(ctx, out)
	id, err := result.Get(ctx)
	if err != nil {
		if out.OrderingKey != "" {
			t.publisher.ResumePublish(out.OrderingKey)
		}
		return publisher.Receipt{}, fmt.Errorf("publish message: %w", err)
	}
	return publisher.Receipt{MessageID: id, Partition: -1, Offset: -1}, nil
}

// Close flushes pending messages and stops the publisher goroutines.
func (t *Transport) Close() error {
	if t.publisher != nil {
		t.publisher.Stop()
	}
	return nil
}
