// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the consumer process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/api"
	"github.com/JakeFAU/crawl-task-consumer/internal/broker"
	"github.com/JakeFAU/crawl-task-consumer/internal/clock/system"
	"github.com/JakeFAU/crawl-task-consumer/internal/config"
	"github.com/JakeFAU/crawl-task-consumer/internal/consumer"
	"github.com/JakeFAU/crawl-task-consumer/internal/event"
	"github.com/JakeFAU/crawl-task-consumer/internal/id/ulid"
	"github.com/JakeFAU/crawl-task-consumer/internal/id/uuid"
	"github.com/JakeFAU/crawl-task-consumer/internal/processor"
	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
	kafkapublisher "github.com/JakeFAU/crawl-task-consumer/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/crawl-task-consumer/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/crawl-task-consumer/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-task-consumer/internal/storage/memory"
	"github.com/JakeFAU/crawl-task-consumer/internal/storage/postgres"
	"github.com/JakeFAU/crawl-task-consumer/internal/task"
	"github.com/JakeFAU/crawl-task-consumer/internal/telemetry"
	"github.com/JakeFAU/crawl-task-consumer/internal/validation"
)

// App holds all the shared, long-lived services for the application. It is
// built once at startup and closed once at exit.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	tracer    *sdktrace.TracerProvider
	store     task.Repository
	pinger    api.Pinger
	publisher *publisher.Publisher
	processor *processor.Processor
	manager   *consumer.Manager
	channel   *broker.ChannelConnector
	server    *http.Server

	closers []func() error

	fatalOnce sync.Once
	fatal     chan error
}

// NewApp creates and initializes every service named by cfg. It fails fast if
// any dependency cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, fatal: make(chan error, 1)}
	logger.Info("initializing application services")

	if err := a.initTelemetry(ctx); err != nil {
		return nil, a.abort(err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, a.abort(err)
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, a.abort(err)
	}

	proc, err := processor.New(processor.Deps{
		Repository:     a.store,
		Publisher:      a.publisher,
		TaskIDs:        uuid.New(),
		CorrelationIDs: ulid.New(),
		Clock:          system.New(),
		Validator:      validation.New(),
		Logger:         logger,
	})
	if err != nil {
		return nil, a.abort(err)
	}
	a.processor = proc

	if err := a.initConsumer(); err != nil {
		return nil, a.abort(err)
	}

	srv := api.NewServer(a.manager, api.Options{
		Auth:     cfg.Auth,
		Store:    a.pinger,
		Injector: a.injector(),
	}, logger)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("application services initialized",
		zap.String("broker", cfg.Broker.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("store", cfg.Store.Backend),
		zap.Strings("topics", a.manager.RegisteredTopics()),
	)
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	a.tracer = tp
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		a.logger.Info("connecting to postgres")
		store, err := postgres.NewTaskStore(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize task store: %w", err)
		}
		a.store = store
		a.pinger = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	case config.BackendMemory:
		a.logger.Warn("using in-memory task store; tasks are lost on restart")
		a.store = memory.NewTaskStore()
	default:
		return fmt.Errorf("unknown store backend: %s", a.cfg.Store.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	var transport publisher.Transport
	switch a.cfg.Publisher.Backend {
	case config.BackendKafka:
		t, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:  a.cfg.Publisher.Kafka.Brokers,
			Topic:    a.cfg.Publisher.Kafka.Topic,
			ClientID: a.cfg.Publisher.Kafka.ClientID,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize kafka publisher: %w", err)
		}
		transport = t
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		p := client.Publisher(a.cfg.Publisher.PubSub.TopicName)
		p.EnableMessageOrdering = true
		transport = pubsubpublisher.New(p)
	case config.BackendMemory:
		a.logger.Warn("using in-memory publisher; crawl requests are not delivered")
		transport = memorypublisher.New()
	default:
		return fmt.Errorf("unknown publisher backend: %s", a.cfg.Publisher.Backend)
	}
	a.publisher = publisher.New(transport, validation.New(), a.logger)
	return nil
}

func (a *App) initConsumer() error {
	var connector consumer.Connector
	switch a.cfg.Broker.Backend {
	case config.BackendKafka:
		c, err := broker.NewKafkaConnector(broker.KafkaConfig{
			Brokers:       a.cfg.Broker.Brokers,
			ConsumerGroup: a.cfg.Broker.ConsumerGroup,
			ClientID:      a.cfg.Broker.ClientID,
			InitialOffset: a.cfg.Broker.InitialOffset,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka connector: %w", err)
		}
		connector = c
	case config.BackendChannel:
		a.channel = broker.NewChannelConnector(broker.NewGoChannel(a.logger))
		a.closers = append(a.closers, a.channel.Shutdown)
		connector = a.channel
	default:
		return fmt.Errorf("unknown broker backend: %s", a.cfg.Broker.Backend)
	}

	topics := map[event.Kind]string{
		event.KindCreate:   a.cfg.Broker.Topics.Create,
		event.KindComplete: a.cfg.Broker.Topics.Complete,
		event.KindError:    a.cfg.Broker.Topics.Error,
	}
	mgr, err := consumer.NewManager(connector, a.processor.Registrations(topics, initialStates(a.cfg.Broker)), consumer.Options{
		MaxRedeliveries: a.cfg.Broker.MaxRedeliveries,
		RedeliveryDelay: a.cfg.Broker.RedeliveryDelay,
		OnFatal:         a.onFatal,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer manager: %w", err)
	}
	a.manager = mgr
	return nil
}

// initialStates resolves each kind's starting state: the per-topic override
// when set, otherwise broker.initial_state.
func initialStates(cfg config.BrokerConfig) map[event.Kind]consumer.State {
	overrides := map[event.Kind]string{
		event.KindCreate:   cfg.Topics.States.Create,
		event.KindComplete: cfg.Topics.States.Complete,
		event.KindError:    cfg.Topics.States.Error,
	}
	states := make(map[event.Kind]consumer.State, len(overrides))
	for kind, override := range overrides {
		st := strings.TrimSpace(override)
		if st == "" {
			st = strings.TrimSpace(cfg.InitialState)
		}
		states[kind] = consumer.State(strings.ToUpper(st))
	}
	return states
}

func (a *App) injector() api.Injector {
	if a.channel == nil {
		return nil
	}
	return a.channel
}

// onFatal stops the process with the exhausted message still uncommitted so a
// restarted consumer picks it up again.
func (a *App) onFatal(topic string, err error) {
	a.logger.Error("redeliveries exhausted, shutting down",
		zap.String("topic", topic),
		zap.String("severity", string(task.SeverityHigh)),
		zap.Error(err),
	)
	a.fatalOnce.Do(func() {
		a.fatal <- fmt.Errorf("topic %s: %w", topic, err)
	})
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Manager exposes the consumer lifecycle manager.
func (a *App) Manager() *consumer.Manager {
	return a.manager
}

// Store exposes the task repository.
func (a *App) Store() task.Repository {
	return a.store
}

// Channel returns the in-process broker, or nil unless the channel backend is
// configured.
func (a *App) Channel() *broker.ChannelConnector {
	return a.channel
}

// Handler returns the HTTP handler serving health and control routes.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts consumption and the HTTP server and blocks until ctx ends, the
// server fails, or a subscription exhausts its redeliveries. Consumption is
// stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-a.fatal:
		runErr = fmt.Errorf("consumer failed: %w", err)
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.manager.Stop(); err != nil {
		a.logger.Error("consumer stop error", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// Close releases every service in reverse initialization order.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.manager != nil {
		if err := a.manager.Stop(); err != nil {
			a.logger.Warn("error stopping consumer", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing publisher", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) abort(err error) error {
	a.Close()
	return err
}
