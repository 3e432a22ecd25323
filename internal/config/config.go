// Package config loads and validates consumer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Broker and transport backends.
const (
	BackendKafka    = "kafka"
	BackendChannel  = "channel"
	BackendPubSub   = "pubsub"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the health and control HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrokerConfig selects the inbound broker and the lifecycle topics.
type BrokerConfig struct {
	Backend         string        `mapstructure:"backend"`
	Brokers         []string      `mapstructure:"brokers"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	ClientID        string        `mapstructure:"client_id"`
	InitialOffset   string        `mapstructure:"initial_offset"`
	Topics          TopicsConfig  `mapstructure:"topics"`
	InitialState    string        `mapstructure:"initial_state"`
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// TopicsConfig names the topic carrying each event kind. An empty name
// leaves that kind unsubscribed.
type TopicsConfig struct {
	Create   string            `mapstructure:"create"`
	Complete string            `mapstructure:"complete"`
	Error    string            `mapstructure:"error"`
	States   TopicStatesConfig `mapstructure:"states"`
}

// TopicStatesConfig overrides broker.initial_state for single topics, e.g. to
// start with the error topic PAUSED. Empty entries use broker.initial_state.
type TopicStatesConfig struct {
	Create   string `mapstructure:"create"`
	Complete string `mapstructure:"complete"`
	Error    string `mapstructure:"error"`
}

// PublisherConfig selects where crawl requests are sent.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// KafkaConfig configures the crawl request producer.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StoreConfig selects the task repository.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// TelemetryConfig toggles the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("broker.backend", BackendKafka)
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.consumer_group", "crawl-task-consumer")
	v.SetDefault("broker.initial_offset", "oldest")
	v.SetDefault("broker.topics.create", "crawl-tasks.create")
	v.SetDefault("broker.topics.complete", "crawl-tasks.complete")
	v.SetDefault("broker.topics.error", "crawl-tasks.error")
	v.SetDefault("broker.initial_state", "CONSUMING")
	v.SetDefault("broker.max_redeliveries", 10)
	v.SetDefault("broker.redelivery_delay", time.Second)
	v.SetDefault("publisher.backend", BackendKafka)
	v.SetDefault("publisher.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("publisher.kafka.topic", "crawl-requests")
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "crawl-task-consumer")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}

	switch c.Broker.Backend {
	case BackendKafka:
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers must be set for the kafka backend")
		}
		if c.Broker.ConsumerGroup == "" {
			return fmt.Errorf("broker.consumer_group must be set for the kafka backend")
		}
	case BackendChannel:
	default:
		return fmt.Errorf("broker.backend must be kafka or channel, got %q", c.Broker.Backend)
	}
	if c.Broker.Topics.Create == "" && c.Broker.Topics.Complete == "" && c.Broker.Topics.Error == "" {
		return fmt.Errorf("broker.topics must name at least one topic")
	}
	if err := c.Broker.Topics.distinct(); err != nil {
		return err
	}
	if !validState(c.Broker.InitialState) {
		return fmt.Errorf("broker.initial_state must be CONSUMING, PAUSED, or STOPPED")
	}
	states := c.Broker.Topics.States
	for name, st := range map[string]string{"create": states.Create, "complete": states.Complete, "error": states.Error} {
		if !validState(st) {
			return fmt.Errorf("broker.topics.states.%s must be CONSUMING, PAUSED, or STOPPED", name)
		}
	}
	if c.Broker.MaxRedeliveries < 0 {
		return fmt.Errorf("broker.max_redeliveries must be >= 0")
	}
	if c.Broker.RedeliveryDelay < 0 {
		return fmt.Errorf("broker.redelivery_delay must be >= 0")
	}

	switch c.Publisher.Backend {
	case BackendKafka:
		if len(c.Publisher.Kafka.Brokers) == 0 || c.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.brokers and publisher.kafka.topic must be set")
		}
	case BackendPubSub:
		if c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.TopicName == "" {
			return fmt.Errorf("publisher.pubsub.project_id and publisher.pubsub.topic_name must be set")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("publisher.backend must be kafka, pubsub, or memory, got %q", c.Publisher.Backend)
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres store")
		}
		if c.DB.MaxConns <= 0 {
			return fmt.Errorf("db.max_conns must be > 0")
		}
		if c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
			return fmt.Errorf("db.min_conns must be within [0, db.max_conns]")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be postgres or memory, got %q", c.Store.Backend)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name must be set when telemetry is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
		}
	}
	return nil
}

func validState(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CONSUMING", "PAUSED", "STOPPED":
		return true
	}
	return false
}

func (t TopicsConfig) distinct() error {
	seen := map[string]string{}
	for kind, topic := range map[string]string{"create": t.Create, "complete": t.Complete, "error": t.Error} {
		if topic == "" {
			continue
		}
		if other, ok := seen[topic]; ok {
			return fmt.Errorf("broker.topics.%s and broker.topics.%s must differ", other, kind)
		}
		seen[topic] = kind
	}
	return nil
}
