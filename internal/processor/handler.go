package processor

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/JakeFAU/crawl-task-consumer/internal/consumer"
	"github.com/JakeFAU/crawl-task-consumer/internal/event"
	"github.com/JakeFAU/crawl-task-consumer/internal/metrics"
)

// Handler adapts the processor to a consumer subscription for topic. Messages
// on the topic are processed as kind. Only retryable failures are returned, so
// rejected events are committed.
func (p *Processor) Handler(topic string, kind event.Kind) consumer.HandlerFunc {
	return func(ctx context.Context, msg *message.Message) error {
		start := time.Now()
		out := p.Process(ctx, Delivery{
			Topic:    topic,
			Kind:     kind,
			Key:      msg.UUID,
			Envelope: event.Decode(msg.Metadata, msg.Payload),
		})

		outcome := metrics.OutcomeApplied
		switch {
		case out.Retry():
			outcome = metrics.OutcomeRetried
		case out.Err != nil:
			outcome = metrics.OutcomeRejected
		}
		metrics.ObserveEvent(topic, outcome, time.Since(start))

		if out.Retry() {
			return out.Err
		}
		return nil
	}
}

// Registrations builds one consumer registration per topic, keyed by the
// event kind the topic carries.
func (p *Processor) Registrations(topics map[event.Kind]string, states map[event.Kind]consumer.State) []consumer.Registration {
	regs := make([]consumer.Registration, 0, len(topics))
	for _, kind := range event.Kinds() {
		topic, ok := topics[kind]
		if !ok || topic == "" {
			continue
		}
		regs = append(regs, consumer.Registration{
			Topic:        topic,
			Handler:      p.Handler(topic, kind),
			InitialState: states[kind],
		})
	}
	return regs
}
