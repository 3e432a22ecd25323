// Package kafka sends crawl requests to Kafka with a sarama SyncProducer so
// the partition and offset of every record are known to the caller.
package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/IBM/sarama"

	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
)

// Config describes the producer connection.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewSaramaConfig returns the producer settings used for crawl requests:
// acknowledged by all in-sync replicas, hash-partitioned by key.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 3
	return cfg
}

// ProducerFactory allows overriding producer creation for testing.
var ProducerFactory = func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

// Transport implements publisher.Transport on a sarama SyncProducer.
type Transport struct {
	producer sarama.SyncProducer
	topic    string
}

// New dials the brokers and returns a Transport for cfg.Topic.
func New(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("publisher.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("publisher.kafka.topic is required")
	}
	producer, err := ProducerFactory(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic), nil
}

// NewWithProducer wraps an existing producer (primarily for testing).
func NewWithProducer(producer sarama.SyncProducer, topic string) *Transport {
	return &Transport{producer: producer, topic: topic}
}

// Send produces msg keyed by msg.Key and waits for the broker acknowledgement.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) (publisher.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return publisher.Receipt{}, err
	}
	pm := &sarama.ProducerMessage{
		Topic:   t.topic,
		Key:     sarama.StringEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Payload),
		Headers: recordHeaders(msg.Headers),
	}
	partition, offset, err := t.producer.SendMessage(pm)
	if err != nil {
		return publisher.Receipt{}, fmt.Errorf("produce to %s: %w", t.topic, err)
	}
	return publisher.Receipt{
		MessageID: fmt.Sprintf("%s/%d/%d", t.topic, partition, offset),
		Partition: partition,
		Offset:    offset,
	}, nil
}

// Close flushes and closes the producer.
func (t *Transport) Close() error {
	return t.producer.Close()
}

func recordHeaders(md map[string]string) []sarama.RecordHeader {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(md[k])})
	}
	return headers
}
