package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/metrics"
)

const laneBuffer = 16

// subscription delivers one topic. Messages are fanned out to one lane per
// partition; each lane runs its handler calls sequentially.
type subscription struct {
	topic   string
	handler HandlerFunc
	initial State
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	resumed  chan struct{}
	idle     chan struct{}
	inFlight int
	lanes    int
	lastErr  string
	failures map[string]int

	processed   atomic.Uint64
	failed      atomic.Uint64
	redelivered atomic.Uint64
}

func newSubscription(m *Manager, topic string, handler HandlerFunc, initial State) *subscription {
	idle := make(chan struct{})
	close(idle)
	return &subscription{
		topic:    topic,
		handler:  handler,
		initial:  initial,
		opts:     m.opts,
		logger:   m.logger.With(zap.String("topic", topic)),
		state:    StateStopped,
		resumed:  make(chan struct{}),
		idle:     idle,
		failures: make(map[string]int),
	}
}

func (s *subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *subscription) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *subscription) setStateLocked(state State) {
	switch {
	case state == StatePaused && s.state != StatePaused:
		s.resumed = make(chan struct{})
	case state != StatePaused && s.state == StatePaused:
		close(s.resumed)
	}
	s.state = state
	metrics.SetSubscriptionState(s.topic, string(state), allStates)
}

// pause moves a running subscription to PAUSED and returns a channel closed
// once no handler is running. ok is false for a stopped subscription.
func (s *subscription) pause() (idle <-chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return nil, false
	}
	s.setStateLocked(StatePaused)
	return s.idle, true
}

func (s *subscription) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.setStateLocked(StateConsuming)
	}
}

func (s *subscription) stop() {
	s.setState(StateStopped)
}

// admit blocks while the subscription is paused. It returns false when the
// subscription stops before the message may be handled.
func (s *subscription) admit(ctx context.Context) bool {
	s.mu.Lock()
	for s.state == StatePaused {
		resumed := s.resumed
		s.mu.Unlock()
		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.state != StateConsuming || ctx.Err() != nil {
		return false
	}
	s.inFlight++
	if s.inFlight == 1 {
		s.idle = make(chan struct{})
	}
	metrics.IncInFlight(s.topic)
	return true
}

func (s *subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.inFlight == 0 {
		close(s.idle)
	}
	metrics.DecInFlight(s.topic)
}

func (s *subscription) status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStatus{
		Topic:       s.topic,
		State:       s.state,
		InFlight:    s.inFlight,
		Lanes:       s.lanes,
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
		Redelivered: s.redelivered.Load(),
		LastError:   s.lastErr,
	}
}

// dispatch routes messages to partition lanes until ctx ends or the broker
// closes the channel.
func (s *subscription) dispatch(ctx context.Context, msgs <-chan *message.Message) {
	var wg sync.WaitGroup
	lanes := make(map[int32]chan *message.Message)
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		wg.Wait()
		s.mu.Lock()
		s.lanes = 0
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					s.recordError("subscription channel closed by broker")
					s.logger.Error("subscription channel closed unexpectedly")
				}
				return
			}
			partition := s.opts.PartitionOf(msg)
			lane, exists := lanes[partition]
			if !exists {
				lane = make(chan *message.Message, laneBuffer)
				lanes[partition] = lane
				s.mu.Lock()
				s.lanes = len(lanes)
				s.mu.Unlock()
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.runLane(ctx, lane)
				}()
			}
			select {
			case lane <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

func (s *subscription) runLane(ctx context.Context, lane <-chan *message.Message) {
	for msg := range lane {
		if ctx.Err() != nil {
			msg.Nack()
			continue
		}
		s.process(ctx, msg)
	}
}

func (s *subscription) process(ctx context.Context, msg *message.Message) {
	if !s.admit(ctx) {
		msg.Nack()
		return
	}
	defer s.release()

	// Handlers finish even when the subscription is stopping.
	err := s.invoke(context.WithoutCancel(msg.Context()), msg)
	if err == nil {
		s.mu.Lock()
		delete(s.failures, msg.UUID)
		s.mu.Unlock()
		s.processed.Add(1)
		msg.Ack()
		return
	}

	s.failed.Add(1)
	s.mu.Lock()
	s.failures[msg.UUID]++
	attempts := s.failures[msg.UUID]
	s.lastErr = err.Error()
	s.mu.Unlock()

	fields := []zap.Field{zap.String("message_uuid", msg.UUID), zap.Int("attempt", attempts), zap.Error(err)}
	if limit := s.opts.MaxRedeliveries; limit > 0 && attempts > limit {
		s.logger.Error("redeliveries exhausted; pausing subscription", fields...)
		s.mu.Lock()
		delete(s.failures, msg.UUID)
		if s.state == StateConsuming {
			s.setStateLocked(StatePaused)
		}
		s.mu.Unlock()
		if s.opts.OnFatal != nil {
			fatal := fmt.Errorf("topic %s: message %s failed %d times: %w", s.topic, msg.UUID, attempts, err)
			// Run outside the lane so the hook may call back into the Manager.
			go s.opts.OnFatal(s.topic, fatal)
		}
		msg.Nack()
		return
	}

	s.logger.Warn("handler failed; message left for redelivery", fields...)
	if delay := s.opts.RedeliveryDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	s.redelivered.Add(1)
	metrics.ObserveRedelivery(s.topic)
	msg.Nack()
}

func (s *subscription) invoke(ctx context.Context, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

func (s *subscription) recordError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = text
}

func kafkaPartition(msg *message.Message) int32 {
	if p, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		return p
	}
	return 0
}
