// Package broker opens the message subscribers consumed by the lifecycle
// manager: a Kafka consumer group for production and an in-process channel for
// local runs and tests.
package broker

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/logging"
)

// KafkaConfig describes the consumer group connection.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
	// InitialOffset is "oldest" or "newest" and applies to groups without a
	// committed offset.
	InitialOffset string
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// KafkaConnector creates watermill-kafka subscribers.
type KafkaConnector struct {
	cfg    KafkaConfig
	logger watermill.LoggerAdapter
}

// NewKafkaConnector validates cfg and returns a connector.
func NewKafkaConnector(cfg KafkaConfig, logger *zap.Logger) (*KafkaConnector, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("broker.brokers is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("broker.consumer_group is required")
	}
	switch cfg.InitialOffset {
	case "", "oldest", "newest":
	default:
		return nil, fmt.Errorf("broker.initial_offset must be oldest or newest, got %q", cfg.InitialOffset)
	}
	return &KafkaConnector{cfg: cfg, logger: logging.NewWatermillAdapter(logger)}, nil
}

// SaramaConfig returns the consumer settings applied to every subscription.
func (c *KafkaConnector) SaramaConfig() *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	if c.cfg.ClientID != "" {
		sc.ClientID = c.cfg.ClientID
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if c.cfg.InitialOffset == "newest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc
}

// Connect builds a consumer-group subscriber. Each Subscribe call on it joins
// the group for one topic. Nacked records are resent without sleeping; the
// consumer manager's redelivery delay is the only pacing.
func (c *KafkaConnector) Connect(_ context.Context) (message.Subscriber, error) {
	cfg := kafka.SubscriberConfig{
		Brokers:               c.cfg.Brokers,
		Unmarshaler:           offsetKeyedUnmarshaler{},
		OverwriteSaramaConfig: c.SaramaConfig(),
		ConsumerGroup:         c.cfg.ConsumerGroup,
		NackResendSleep:       kafka.NoSleep,
	}
	sub, err := SubscriberFactory(cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create kafka subscriber: %w", err)
	}
	return sub, nil
}

// offsetKeyedUnmarshaler gives records produced outside watermill a stable id
// so redeliveries of the same record can be counted.
type offsetKeyedUnmarshaler struct {
	kafka.DefaultMarshaler
}

func (u offsetKeyedUnmarshaler) Unmarshal(km *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := u.DefaultMarshaler.Unmarshal(km)
	if err != nil {
		return nil, err
	}
	if msg.UUID == "" {
		msg.UUID = fmt.Sprintf("%s/%d/%d", km.Topic, km.Partition, km.Offset)
	}
	return msg, nil
}
