package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewKafkaConnectorValidates(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConnector(KafkaConfig{ConsumerGroup: "g"}, nil)
	require.Error(t, err)
	_, err = NewKafkaConnector(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.Error(t, err)
	_, err = NewKafkaConnector(KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", InitialOffset: "latest"}, nil)
	require.Error(t, err)
}

func TestKafkaConnectorBuildsSubscriber(t *testing.T) {
	original := SubscriberFactory
	defer func() { SubscriberFactory = original }()

	want := errors.New("factory called")
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		require.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		require.Equal(t, "crawl-task-consumer", cfg.ConsumerGroup)
		require.Equal(t, kafka.NoSleep, cfg.NackResendSleep)
		require.Equal(t, sarama.OffsetNewest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
		require.Equal(t, "consumer-1", cfg.OverwriteSaramaConfig.ClientID)
		return nil, want
	}

	conn, err := NewKafkaConnector(KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "crawl-task-consumer",
		ClientID:      "consumer-1",
		InitialOffset: "newest",
	}, zap.NewNop())
	require.NoError(t, err)
	_, err = conn.Connect(context.Background())
	require.ErrorIs(t, err, want)
}

func TestKafkaConnectorDefaultsToOldestOffset(t *testing.T) {
	t.Parallel()

	conn, err := NewKafkaConnector(KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}, nil)
	require.NoError(t, err)
	require.Equal(t, sarama.OffsetOldest, conn.SaramaConfig().Consumer.Offsets.Initial)
}

func TestOffsetKeyedUnmarshalerAssignsStableID(t *testing.T) {
	t.Parallel()

	km := &sarama.ConsumerMessage{
		Topic:     "tasks.complete",
		Partition: 4,
		Offset:    42,
		Value:     []byte(`{"userEmail":"u@x.com"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("event_kind"), Value: []byte("COMPLETE")},
		},
	}
	msg, err := offsetKeyedUnmarshaler{}.Unmarshal(km)
	require.NoError(t, err)
	require.Equal(t, "tasks.complete/4/42", msg.UUID)
	require.Equal(t, "COMPLETE", msg.Metadata.Get("event_kind"))

	again, err := offsetKeyedUnmarshaler{}.Unmarshal(km)
	require.NoError(t, err)
	require.Equal(t, msg.UUID, again.UUID)
}

func TestChannelConnectorSurvivesSubscriberClose(t *testing.T) {
	t.Parallel()

	conn := NewChannelConnector(NewGoChannel(nil))
	defer func() { require.NoError(t, conn.Shutdown()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := conn.Connect(ctx)
	require.NoError(t, err)
	msgs, err := sub.Subscribe(ctx, "tasks.create")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	go func() {
		_ = conn.Publish("tasks.create", message.NewMessage(watermill.NewUUID(), []byte("hello")))
	}()
	select {
	case msg := <-msgs:
		require.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
