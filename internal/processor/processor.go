// Package processor applies task lifecycle events to persisted state. It runs
// validation, detection, the write, and the downstream publish for one event
// and classifies every failure so the consumer knows whether to commit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/detection"
	"github.com/JakeFAU/crawl-task-consumer/internal/event"
	"github.com/JakeFAU/crawl-task-consumer/internal/id/ulid"
	"github.com/JakeFAU/crawl-task-consumer/internal/metrics"
	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
	"github.com/JakeFAU/crawl-task-consumer/internal/task"
	"github.com/JakeFAU/crawl-task-consumer/internal/tracecontext"
	"github.com/JakeFAU/crawl-task-consumer/internal/validation"
)

const tracerName = "github.com/JakeFAU/crawl-task-consumer/internal/processor"

// Detector classifies a terminal update claim.
type Detector interface {
	Detect(ctx context.Context, claim detection.Claim, target task.Status) (detection.Result, error)
}

// Publisher emits crawl requests for newly created tasks.
type Publisher interface {
	Publish(ctx context.Context, req event.CrawlRequest, tc tracecontext.TraceContext) publisher.Result
}

// Deps are the collaborators of a Processor. Repository, Publisher, TaskIDs,
// and Clock are required.
type Deps struct {
	Repository     task.Repository
	Publisher      Publisher
	TaskIDs        task.IDGenerator
	Clock          task.Clock
	Detector       Detector
	Validator      *validation.Validator
	CorrelationIDs task.IDGenerator
	Tracer         trace.Tracer
	Logger         *zap.Logger
}

// Delivery is one inbound event as handed over by the consumer.
type Delivery struct {
	Topic string
	Kind  event.Kind
	// Key identifies the broker message across redeliveries.
	Key      string
	Envelope event.Envelope
}

// Outcome reports what processing a delivery did.
type Outcome struct {
	TaskID    string
	Applied   bool
	Published bool
	Detection *detection.Result
	// Err is a *task.Error, nil when the event was fully applied.
	Err error
}

// Retry reports whether the delivery must stay uncommitted.
func (o Outcome) Retry() bool {
	return task.IsRetryable(o.Err)
}

// Processor is the task state machine driven by lifecycle events. It is safe
// for concurrent use across partitions.
type Processor struct {
	repo           task.Repository
	detector       Detector
	publisher      Publisher
	validator      *validation.Validator
	taskIDs        task.IDGenerator
	correlationIDs task.IDGenerator
	clock          task.Clock
	tracer         trace.Tracer
	logger         *zap.Logger

	mu sync.Mutex
	// unpublished holds tasks whose write succeeded but whose crawl request
	// did not, keyed by delivery. A redelivery publishes instead of creating
	// a second task.
	unpublished map[string]task.Task
}

// New validates deps and returns a Processor.
func New(deps Deps) (*Processor, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("processor: repository is required")
	case deps.Publisher == nil:
		return nil, errors.New("processor: publisher is required")
	case deps.TaskIDs == nil:
		return nil, errors.New("processor: task id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("processor: clock is required")
	}
	if deps.Detector == nil {
		deps.Detector = detection.NewService(deps.Repository)
	}
	if deps.Validator == nil {
		deps.Validator = validation.New()
	}
	if deps.CorrelationIDs == nil {
		deps.CorrelationIDs = ulid.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Processor{
		repo:           deps.Repository,
		detector:       deps.Detector,
		publisher:      deps.Publisher,
		validator:      deps.Validator,
		taskIDs:        deps.TaskIDs,
		correlationIDs: deps.CorrelationIDs,
		clock:          deps.Clock,
		tracer:         deps.Tracer,
		logger:         deps.Logger.Named("processor"),
		unpublished:    make(map[string]task.Task),
	}, nil
}

// scope is the per-delivery context threaded through every stage.
type scope struct {
	delivery      Delivery
	trace         tracecontext.TraceContext
	traced        bool
	correlationID string
	logger        *zap.Logger
}

// recorded returns the trace context of span when the tracer actually minted
// it. No-op tracers hand back the parent's span context, which is rejected.
func recorded(span trace.Span, parent tracecontext.TraceContext) (tracecontext.TraceContext, bool) {
	tc, ok := tracecontext.FromSpanContext(span.SpanContext())
	if !ok || tc.SpanID == parent.SpanID {
		return tracecontext.TraceContext{}, false
	}
	if parent.Valid() && parent.TraceID == tc.TraceID {
		tc.ParentSpanID = parent.SpanID
	}
	return tc, true
}

// stage starts the span of an internal step and returns the trace context
// that identifies it in logs and outbound messages. Without a recording
// tracer the ids are minted locally, and untraced deliveries stay untraced.
func (p *Processor) stage(ctx context.Context, sc *scope, name string) (context.Context, trace.Span, tracecontext.TraceContext) {
	ctx, span := p.tracer.Start(ctx, "task."+name, trace.WithSpanKind(trace.SpanKindInternal))
	if tc, ok := recorded(span, sc.trace); ok {
		return tracecontext.NewContext(ctx, tc), span, tc
	}
	if !sc.traced {
		return ctx, span, tracecontext.TraceContext{}
	}
	tc := sc.trace.Child()
	return tracecontext.NewContext(ctx, tc), span, tc
}

// fail marks a stage span as failed.
func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *scope) log(tc tracecontext.TraceContext) *zap.Logger {
	return s.logger.With(tracecontext.Fields(tc)...)
}

// Process runs one delivery through the state machine.
func (p *Processor) Process(ctx context.Context, d Delivery) Outcome {
	sc := p.newScope(d)
	inboundTraced := sc.traced
	ctx = tracecontext.WithRemoteParent(ctx, sc.trace)
	ctx, span := p.tracer.Start(ctx, "task."+strings.ToLower(string(d.Kind)),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Topic),
			attribute.String("task.event_kind", string(d.Kind)),
			attribute.String("task.correlation_id", sc.correlationID),
		),
	)
	defer span.End()

	if tc, ok := recorded(span, sc.trace); ok {
		sc.trace, sc.traced = tc, true
	}
	ctx = tracecontext.NewContext(ctx, sc.trace)

	if !inboundTraced {
		sc.log(sc.trace).Debug("event carries no trace context")
	}

	var out Outcome
	if res := p.validator.Validate(d.Kind, d.Envelope); !res.Valid {
		out = Outcome{Err: task.NewError(task.KindValidation, res.Err())}
		metrics.ObserveDetection(string(task.KindValidation))
		report(sc.log(sc.trace), task.SeverityLow, "event rejected by validation",
			zap.String("error_kind", string(task.KindValidation)),
			zap.String("severity", string(task.SeverityLow)),
			res.Field(),
		)
	} else {
		switch d.Kind {
		case event.KindCreate:
			out = p.create(ctx, sc)
		default:
			out = p.finish(ctx, sc)
		}
	}

	if out.TaskID != "" {
		span.SetAttributes(attribute.String("task.id", out.TaskID))
	}
	if out.Err != nil {
		kind, _ := task.KindOf(out.Err)
		span.SetAttributes(attribute.String("task.error_kind", string(kind)))
		span.RecordError(out.Err)
		if out.Retry() {
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}
	return out
}

func (p *Processor) newScope(d Delivery) *scope {
	tc, traced := d.Envelope.TraceContext()
	correlationID := d.Envelope.Headers.CorrelationID
	if correlationID == "" {
		if id, err := p.correlationIDs.NewID(); err == nil {
			correlationID = id
		}
	}
	body := d.Envelope.Body
	return &scope{
		delivery:      d,
		trace:         tc,
		traced:        traced,
		correlationID: correlationID,
		logger: p.logger.With(
			zap.String("topic", d.Topic),
			zap.String("event_kind", string(d.Kind)),
			zap.String("message_id", d.Key),
			zap.String("correlation_id", correlationID),
			zap.String("claimed_task_id", d.Envelope.Headers.TaskID),
			zap.String("user_email", body.UserEmail),
			zap.String("user_query", body.UserQuery),
		),
	}
}

func (p *Processor) create(ctx context.Context, sc *scope) Outcome {
	env := sc.delivery.Envelope
	if env.Headers.TaskID != "" {
		sc.log(sc.trace).Warn("ignoring caller supplied task id on create",
			zap.String("supplied_task_id", env.Headers.TaskID))
	}

	t, pending := p.takeUnpublished(sc.delivery.Key)
	if !pending {
		var err error
		if t, err = p.insert(ctx, sc); err != nil {
			return Outcome{Err: err}
		}
	}

	pubCtx, pubSpan, pubTC := p.stage(ctx, sc, "publish")
	defer pubSpan.End()
	if !pubTC.Valid() {
		// The crawl worker always gets a trace to join.
		pubTC = tracecontext.New()
	}
	pubSpan.SetAttributes(attribute.String("task.id", t.ID), attribute.Bool("task.republished", pending))
	res := p.publisher.Publish(pubCtx, event.CrawlRequest{
		TaskID:        t.ID,
		UserEmail:     t.UserEmail,
		UserQuery:     t.UserQuery,
		OriginalURL:   t.OriginalURL,
		CorrelationID: sc.correlationID,
	}, pubTC)
	log := sc.log(pubTC).With(zap.String("task_id", t.ID))
	if !res.Success {
		kind, _ := task.KindOf(res.Err)
		fail(pubSpan, res.Err)
		if kind.Retryable() {
			p.keepUnpublished(sc.delivery.Key, t)
		}
		report(log, kind.Severity(), "crawl request publish failed",
			zap.String("error_kind", string(kind)),
			zap.String("severity", string(kind.Severity())),
			zap.Error(res.Err),
		)
		return Outcome{TaskID: t.ID, Applied: true, Err: res.Err}
	}
	log.Info("task created",
		zap.String("status", string(t.Status)),
		zap.String("crawl_request_id", res.MessageID),
		zap.Bool("republished", pending),
	)
	return Outcome{TaskID: t.ID, Applied: true, Published: true}
}

func (p *Processor) insert(ctx context.Context, sc *scope) (task.Task, error) {
	ctx, span, tc := p.stage(ctx, sc, "persist")
	defer span.End()
	log := sc.log(tc)
	env := sc.delivery.Envelope

	id, err := p.taskIDs.NewID()
	if err != nil {
		err = task.NewError(task.KindPersistence, fmt.Errorf("generate task id: %w", err))
		fail(span, err)
		report(log, task.SeverityHigh, "task id generation failed", zap.Error(err))
		return task.Task{}, err
	}
	now := p.clock.Now().UTC()
	receivedAt, err := event.ParseTimestamp(env.Headers.Timestamp)
	if err != nil {
		receivedAt = now
	}

	created, err := p.repo.Create(ctx, task.Task{
		ID:          id,
		UserEmail:   strings.TrimSpace(env.Body.UserEmail),
		UserQuery:   env.Body.UserQuery,
		OriginalURL: strings.TrimSpace(env.Body.OriginalURL),
		Status:      task.StatusNew,
		ReceivedAt:  receivedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		err = task.NewError(task.KindPersistence, fmt.Errorf("create task: %w", err))
		fail(span, err)
		report(log, task.SeverityHigh, "task create failed",
			zap.String("error_kind", string(task.KindPersistence)),
			zap.String("task_id", id),
			zap.Error(err),
		)
		return task.Task{}, err
	}
	span.SetAttributes(attribute.String("task.id", created.ID))
	log.Debug("task persisted", zap.String("task_id", created.ID))
	return created, nil
}

func (p *Processor) finish(ctx context.Context, sc *scope) Outcome {
	env := sc.delivery.Envelope
	id := strings.TrimSpace(env.Headers.TaskID)
	target := task.StatusCompleted
	if sc.delivery.Kind == event.KindError {
		target = task.StatusError
	}

	det, err := p.detect(ctx, sc, id, target)
	if err != nil {
		return Outcome{TaskID: id, Err: err}
	}
	if det.HasError {
		metrics.ObserveDetection(string(det.ErrorKind))
		msg := "task update skipped"
		if det.ErrorKind == task.KindStateMismatch {
			msg = "task already terminal, update skipped"
		}
		report(det.log, det.Severity(), msg, det.Fields()...)
		return Outcome{TaskID: id, Detection: &det.Result, Err: det.Err()}
	}
	return p.apply(ctx, sc, id, target, det.Result)
}

// detected pairs a result with the logger of the stage that produced it.
type detected struct {
	detection.Result
	log *zap.Logger
}

func (p *Processor) detect(ctx context.Context, sc *scope, id string, target task.Status) (detected, error) {
	ctx, span, tc := p.stage(ctx, sc, "detect")
	defer span.End()
	env := sc.delivery.Envelope
	log := sc.log(tc)

	det, err := p.detector.Detect(ctx, detection.Claim{
		TaskID:   id,
		Identity: task.Identity{Email: env.Body.UserEmail, Query: env.Body.UserQuery},
	}, target)
	if err != nil {
		fail(span, err)
		report(log, task.SeverityHigh, "task lookup failed",
			zap.String("error_kind", string(task.KindPersistence)), zap.Error(err))
		return detected{}, err
	}
	span.SetAttributes(
		attribute.Bool("task.detection.has_error", det.HasError),
		attribute.Bool("task.detection.task_exists", det.TaskExists),
		attribute.Int("task.detection.candidates", det.MatchingCandidateCount),
	)
	if det.HasError {
		span.SetAttributes(attribute.String("task.error_kind", string(det.ErrorKind)))
	}
	return detected{Result: det, log: log}, nil
}

func (p *Processor) apply(ctx context.Context, sc *scope, id string, target task.Status, det detection.Result) Outcome {
	env := sc.delivery.Envelope

	completion := task.Completion{Status: target, FinishedAt: p.clock.Now().UTC()}
	if target == task.StatusCompleted {
		completion.Result = env.Body.Result
	} else {
		completion.Error = env.Body.Error
	}

	ctx, span, tc := p.stage(ctx, sc, "persist")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id), attribute.String("task.status", string(target)))
	log := sc.log(tc).With(zap.String("task_id", id))
	updated, err := p.repo.Update(ctx, id, completion)
	if err != nil {
		fail(span, err)
	}
	switch {
	case err == nil:
	case errors.Is(err, task.ErrTransitionRejected):
		// Another delivery finished the task between detection and the write.
		metrics.ObserveDetection(string(task.KindStateMismatch))
		err = task.NewError(task.KindStateMismatch, err)
		report(log, task.SeverityMedium, "task already terminal, update skipped",
			zap.String("error_kind", string(task.KindStateMismatch)), zap.Error(err))
		return Outcome{TaskID: id, Detection: &det, Err: err}
	case errors.Is(err, task.ErrNotFound):
		metrics.ObserveDetection(string(task.KindTaskNotFound))
		err = task.NewError(task.KindTaskNotFound, err)
		report(log, task.SeverityMedium, "task vanished before update",
			zap.String("error_kind", string(task.KindTaskNotFound)), zap.Error(err))
		return Outcome{TaskID: id, Detection: &det, Err: err}
	default:
		err = task.NewError(task.KindPersistence, fmt.Errorf("update task %s: %w", id, err))
		report(log, task.SeverityHigh, "task update failed",
			zap.String("error_kind", string(task.KindPersistence)), zap.Error(err))
		return Outcome{TaskID: id, Detection: &det, Err: err}
	}

	log.Info("task finished",
		zap.String("status", string(updated.Status)),
		zap.Timep("finished_at", updated.FinishedAt),
	)
	return Outcome{TaskID: id, Applied: true, Detection: &det}
}

func (p *Processor) takeUnpublished(key string) (task.Task, bool) {
	if key == "" {
		return task.Task{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.unpublished[key]
	delete(p.unpublished, key)
	return t, ok
}

func (p *Processor) keepUnpublished(key string, t task.Task) {
	if key == "" {
		return
	}
	p.mu.Lock()
	p.unpublished[key] = t
	p.mu.Unlock()
}

// report logs at the level matching severity.
func report(log *zap.Logger, sev task.Severity, msg string, fields ...zap.Field) {
	switch sev {
	case task.SeverityLow:
		log.Info(msg, fields...)
	case task.SeverityMedium:
		log.Warn(msg, fields...)
	default:
		log.Error(msg, fields...)
	}
}
