package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/logging"
)

// NewGoChannel returns an in-process pubsub. Publish blocks until the consumer
// acks so injected events are observed in order.
func NewGoChannel(logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermillAdapter(logger))
}

// ChannelConnector hands out a shared GoChannel. The channel outlives manager
// restarts; close it through Shutdown.
type ChannelConnector struct {
	ch *gochannel.GoChannel
}

// NewChannelConnector wraps ch.
func NewChannelConnector(ch *gochannel.GoChannel) *ChannelConnector {
	return &ChannelConnector{ch: ch}
}

// Connect returns a view of the channel whose Close is a no-op.
func (c *ChannelConnector) Connect(_ context.Context) (message.Subscriber, error) {
	return sharedSubscriber{c.ch}, nil
}

// Publish injects messages into topic.
func (c *ChannelConnector) Publish(topic string, msgs ...*message.Message) error {
	return c.ch.Publish(topic, msgs...)
}

// Shutdown closes the underlying channel.
func (c *ChannelConnector) Shutdown() error {
	return c.ch.Close()
}

type sharedSubscriber struct {
	*gochannel.GoChannel
}

func (sharedSubscriber) Close() error { return nil }
