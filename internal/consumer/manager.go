// Package consumer owns broker subscriptions and delivers their messages to
// registered handlers. Offsets are committed (acked) only after a handler
// returns nil; any error leaves the message for redelivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned by control operations on a stopped manager.
	ErrNotStarted = errors.New("consumer manager is not started")
	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("consumer manager is already started")
	// ErrUnknownTopic is returned for topics without a registration.
	ErrUnknownTopic = errors.New("topic is not registered")
)

// State is the delivery state of the manager or one subscription.
type State string

// Subscription states.
const (
	StateStopped   State = "STOPPED"
	StateConsuming State = "CONSUMING"
	StatePaused    State = "PAUSED"
)

var allStates = []string{string(StateStopped), string(StateConsuming), string(StatePaused)}

// HandlerFunc processes one message. Returning nil commits the message.
type HandlerFunc func(ctx context.Context, msg *message.Message) error

// Registration binds a topic to its handler.
type Registration struct {
	Topic   string
	Handler HandlerFunc
	// InitialState is applied on Start. Empty means CONSUMING; PAUSED subscribes
	// but holds delivery; STOPPED registers the topic without subscribing.
	InitialState State
}

// Connector opens the broker subscriber shared by all subscriptions.
type Connector interface {
	Connect(ctx context.Context) (message.Subscriber, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (message.Subscriber, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (message.Subscriber, error) {
	return f(ctx)
}

// Options tune redelivery handling.
type Options struct {
	// MaxRedeliveries bounds consecutive failures of one message. Zero disables
	// the bound.
	MaxRedeliveries int
	// RedeliveryDelay is waited before a failed message is handed back.
	RedeliveryDelay time.Duration
	// OnFatal is called asynchronously once per exhausted message. The
	// subscription is paused with the message still uncommitted.
	OnFatal func(topic string, err error)
	// PartitionOf maps a message to its ordering lane. Defaults to the Kafka
	// partition carried in the message context.
	PartitionOf func(*message.Message) int32
	Logger      *zap.Logger
}

// SubscriptionStatus is a point-in-time view of one subscription.
type SubscriptionStatus struct {
	Topic       string `json:"topic"`
	State       State  `json:"state"`
	InFlight    int    `json:"in_flight"`
	Lanes       int    `json:"lanes"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
	Redelivered uint64 `json:"redelivered"`
	LastError   string `json:"last_error,omitempty"`
}

// Manager runs one subscription per registered topic.
type Manager struct {
	connector Connector
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	order      []string
	subs       map[string]*subscription
	subscriber message.Subscriber
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager validates registrations and returns a stopped Manager.
func NewManager(connector Connector, regs []Registration, opts Options) (*Manager, error) {
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if len(regs) == 0 {
		return nil, errors.New("at least one registration is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PartitionOf == nil {
		opts.PartitionOf = kafkaPartition
	}
	m := &Manager{
		connector: connector,
		opts:      opts,
		logger:    logger.Named("consumer"),
		state:     StateStopped,
		subs:      make(map[string]*subscription, len(regs)),
	}
	for _, r := range regs {
		if r.Topic == "" || r.Handler == nil {
			return nil, errors.New("registration requires a topic and a handler")
		}
		if _, dup := m.subs[r.Topic]; dup {
			return nil, fmt.Errorf("topic %s registered twice", r.Topic)
		}
		initial := r.InitialState
		if initial == "" {
			initial = StateConsuming
		}
		switch initial {
		case StateConsuming, StatePaused, StateStopped:
		default:
			return nil, fmt.Errorf("topic %s: unknown initial state %q", r.Topic, initial)
		}
		m.subs[r.Topic] = newSubscription(m, r.Topic, r.Handler, initial)
		m.order = append(m.order, r.Topic)
	}
	return m, nil
}

// Start connects and subscribes every registered topic whose initial state is
// not STOPPED.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped {
		return ErrAlreadyStarted
	}

	subscriber, err := m.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect subscriber: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.subscriber = subscriber
	m.ctx = runCtx
	m.cancel = cancel

	for _, topic := range m.order {
		sub := m.subs[topic]
		if sub.initial == StateStopped {
			sub.setState(StateStopped)
			continue
		}
		if err := m.subscribeLocked(sub, sub.initial); err != nil {
			m.teardownLocked()
			return err
		}
	}
	m.state = StateConsuming
	m.logger.Info("consumer started", zap.Strings("topics", m.order))
	return nil
}

func (m *Manager) subscribeLocked(sub *subscription, state State) error {
	msgs, err := m.subscriber.Subscribe(m.ctx, sub.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.topic, err)
	}
	sub.setState(state)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.dispatch(m.ctx, msgs)
	}()
	m.logger.Info("subscription started", zap.String("topic", sub.topic), zap.String("state", string(state)))
	return nil
}

// Pause holds delivery on every subscription and waits until no handler is
// running or ctx ends. Messages received while paused stay uncommitted.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrNotStarted
	}
	idle := make([]<-chan struct{}, 0, len(m.subs))
	for _, topic := range m.order {
		if ch, ok := m.subs[topic].pause(); ok {
			idle = append(idle, ch)
		}
	}
	m.state = StatePaused
	m.mu.Unlock()

	m.logger.Info("consumer paused")
	return waitIdle(ctx, idle)
}

// Resume continues delivery on every paused subscription.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return ErrNotStarted
	}
	for _, topic := range m.order {
		m.subs[topic].resume()
	}
	m.state = StateConsuming
	m.logger.Info("consumer resumed")
	return nil
}

// PauseTopic holds delivery on one subscription.
func (m *Manager) PauseTopic(ctx context.Context, topic string) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrNotStarted
	}
	sub, ok := m.subs[topic]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	idle, active := sub.pause()
	m.mu.Unlock()
	if !active {
		return fmt.Errorf("topic %s is stopped: %w", topic, ErrNotStarted)
	}
	m.logger.Info("subscription paused", zap.String("topic", topic))
	return waitIdle(ctx, []<-chan struct{}{idle})
}

// ResumeTopic continues delivery on one subscription, subscribing it first if
// it was registered as STOPPED.
func (m *Manager) ResumeTopic(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return ErrNotStarted
	}
	sub, ok := m.subs[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if sub.State() == StateStopped {
		return m.subscribeLocked(sub, StateConsuming)
	}
	sub.resume()
	m.logger.Info("subscription resumed", zap.String("topic", topic))
	return nil
}

// Stop cancels every subscription, waits for running handlers to finish, and
// closes the subscriber. Calling Stop on a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	subscriber := m.subscriber
	m.cancel()
	for _, topic := range m.order {
		m.subs[topic].stop()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.subscriber = nil
	m.mu.Unlock()
	m.logger.Info("consumer stopped")
	if err := subscriber.Close(); err != nil {
		return fmt.Errorf("close subscriber: %w", err)
	}
	return nil
}

func (m *Manager) teardownLocked() {
	m.cancel()
	for _, sub := range m.subs {
		sub.stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.mu.Lock()
	if err := m.subscriber.Close(); err != nil {
		m.logger.Warn("close subscriber after failed start", zap.Error(err))
	}
	m.subscriber = nil
}

// State reports the manager-level state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConsuming reports whether at least one subscription is delivering.
func (m *Manager) IsConsuming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return false
	}
	for _, sub := range m.subs {
		if sub.State() == StateConsuming {
			return true
		}
	}
	return false
}

// RegisteredTopics lists topics in registration order.
func (m *Manager) RegisteredTopics() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Status snapshots every subscription, sorted by topic.
func (m *Manager) Status() []SubscriptionStatus {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	out := make([]SubscriptionStatus, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func waitIdle(ctx context.Context, chans []<-chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for in-flight handlers: %w", ctx.Err())
		}
	}
	return nil
}
