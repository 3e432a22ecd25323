// Package publisher emits crawl requests once a task is accepted. Publish
// validates before touching the transport and reports failures as data.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/event"
	"github.com/JakeFAU/crawl-task-consumer/internal/metrics"
	"github.com/JakeFAU/crawl-task-consumer/internal/task"
	"github.com/JakeFAU/crawl-task-consumer/internal/tracecontext"
	"github.com/JakeFAU/crawl-task-consumer/internal/validation"
)

// ErrInvalidMessage signals that the outbound message failed validation.
var ErrInvalidMessage = errors.New("invalid crawl request")

// Message is one encoded record handed to a Transport.
type Message struct {
	Key     string
	Payload []byte
	Headers map[string]string
}

// Receipt is what the broker reports back for a delivered message.
type Receipt struct {
	MessageID string
	Partition int32
	Offset    int64
}

// Transport delivers encoded messages to the crawl request topic.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
	Close() error
}

// Result is the outcome of Publish. Err is nil exactly when Success is true.
type Result struct {
	Success   bool
	MessageID string
	Partition int32
	Offset    int64
	Err       error
}

// Publisher validates, encodes, and sends crawl requests.
type Publisher struct {
	transport Transport
	validator *validation.Validator
	logger    *zap.Logger
}

// New returns a Publisher sending through transport.
func New(transport Transport, validator *validation.Validator, logger *zap.Logger) *Publisher {
	if validator == nil {
		validator = validation.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{transport: transport, validator: validator, logger: logger.Named("publisher")}
}

// Publish sends req stamped with tc. It never panics; callers branch on
// Result.Success. Validation failures carry VALIDATION_ERROR and delivery
// failures carry TRANSPORT_ERROR.
func (p *Publisher) Publish(ctx context.Context, req event.CrawlRequest, tc tracecontext.TraceContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(task.KindTransport, fmt.Errorf("publish panicked: %v", r))
		}
		metrics.ObservePublish(res.Success)
	}()

	if tc.Valid() {
		req.TraceParent = tc.Header()
	}
	if v := p.validator.ValidateCrawlRequest(req); !v.Valid {
		p.logger.Warn("crawl request rejected before publish",
			append(tracecontext.Fields(tc), zap.String("task_id", req.TaskID), v.Field())...)
		return failed(task.KindValidation, fmt.Errorf("%w: %v", ErrInvalidMessage, v.Err()))
	}
	if p.transport == nil {
		return failed(task.KindTransport, errors.New("publisher transport is not configured"))
	}

	payload, err := req.Encode()
	if err != nil {
		return failed(task.KindValidation, err)
	}
	headers := req.Metadata()
	if st := tc.State.String(); st != "" {
		headers[event.HeaderTraceState] = st
	}

	receipt, err := p.transport.Send(ctx, Message{Key: req.TaskID, Payload: payload, Headers: headers})
	if err != nil {
		return failed(task.KindTransport, fmt.Errorf("send crawl request: %w", err))
	}
	p.logger.Debug("crawl request published",
		append(tracecontext.Fields(tc),
			zap.String("task_id", req.TaskID),
			zap.String("message_id", receipt.MessageID),
			zap.Int32("partition", receipt.Partition),
			zap.Int64("offset", receipt.Offset),
		)...)
	return Result{
		Success:   true,
		MessageID: receipt.MessageID,
		Partition: receipt.Partition,
		Offset:    receipt.Offset,
	}
}

// Close releases the transport.
func (p *Publisher) Close() error {
	if p.transport == nil {
		return nil
	}
	return p.transport.Close()
}

func failed(kind task.ErrorKind, err error) Result {
	return Result{Partition: -1, Offset: -1, Err: task.NewError(kind, err)}
}
