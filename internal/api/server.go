// Package api exposes the HTTP interface for operators: health checks,
// Prometheus metrics, and consumer lifecycle control.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/config"
	"github.com/JakeFAU/crawl-task-consumer/internal/consumer"
	"github.com/JakeFAU/crawl-task-consumer/internal/event"
	"github.com/JakeFAU/crawl-task-consumer/internal/metrics"
)

// Lifecycle is the consumer control surface served over HTTP.
type Lifecycle interface {
	Pause(ctx context.Context) error
	Resume() error
	PauseTopic(ctx context.Context, topic string) error
	ResumeTopic(topic string) error
	State() consumer.State
	IsConsuming() bool
	RegisteredTopics() []string
	Status() []consumer.SubscriptionStatus
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Injector publishes raw messages onto an in-process broker.
type Injector interface {
	Publish(topic string, msgs ...*message.Message) error
}

// Options configure optional server behavior.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Store is pinged by readyz when set.
	Store Pinger
	// Injector enables POST /v1/events/{topic}. Only the channel broker sets it.
	Injector Injector
}

// Server wires HTTP handlers to the consumer manager.
type Server struct {
	router    chi.Router
	lifecycle Lifecycle
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(lifecycle Lifecycle, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		lifecycle: lifecycle,
		opts:      opts,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Route("/consumers", func(r chi.Router) {
			r.Get("/", s.consumerStatus)
			r.Post("/pause", s.pauseAll)
			r.Post("/resume", s.resumeAll)
			r.Route("/{topic}", func(r chi.Router) {
				r.Post("/pause", s.pauseTopic)
				r.Post("/resume", s.resumeTopic)
			})
		})
		if opts.Injector != nil {
			r.Post("/events/{topic}", s.injectEvent)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycle.IsConsuming() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not consuming",
			"state":  string(s.lifecycle.State()),
		})
		return
	}
	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Store.Ping(ctx); err != nil {
			s.logger.Warn("readiness store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type consumerStatusResponse struct {
	State         consumer.State                `json:"state"`
	Consuming     bool                          `json:"consuming"`
	Topics        []string                      `json:"topics"`
	Subscriptions []consumer.SubscriptionStatus `json:"subscriptions"`
}

func (s *Server) consumerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, consumerStatusResponse{
		State:         s.lifecycle.State(),
		Consuming:     s.lifecycle.IsConsuming(),
		Topics:        s.lifecycle.RegisteredTopics(),
		Subscriptions: s.lifecycle.Status(),
	})
}

func (s *Server) pauseAll(w http.ResponseWriter, r *http.Request) {
	s.control(w, "", "pause", s.lifecycle.Pause(r.Context()))
}

func (s *Server) resumeAll(w http.ResponseWriter, _ *http.Request) {
	s.control(w, "", "resume", s.lifecycle.Resume())
}

func (s *Server) pauseTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	s.control(w, topic, "pause", s.lifecycle.PauseTopic(r.Context(), topic))
}

func (s *Server) resumeTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	s.control(w, topic, "resume", s.lifecycle.ResumeTopic(topic))
}

func (s *Server) control(w http.ResponseWriter, topic, action string, err error) {
	if err != nil {
		s.logger.Warn("consumer control failed", zap.String("action", action), zap.String("topic", topic), zap.Error(err))
		writeError(w, controlStatus(err), err.Error())
		return
	}
	s.logger.Info("consumer control applied", zap.String("action", action), zap.String("topic", topic))
	s.consumerStatus(w, nil)
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, consumer.ErrUnknownTopic):
		return http.StatusNotFound
	case errors.Is(err, consumer.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type injectRequest struct {
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// injectEvent publishes onto the in-process broker. The broker blocks until
// the subscriber acks, so only consuming topics accept events.
func (s *Server) injectEvent(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	state, ok := s.topicState(topic)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("topic %s is not registered", topic))
		return
	}
	if state != consumer.StateConsuming {
		writeError(w, http.StatusConflict, fmt.Sprintf("topic %s is %s", topic, state))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req injectRequest
	if err := sonic.ConfigStd.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), []byte(req.Body))
	for k, v := range req.Headers {
		msg.Metadata.Set(k, v)
	}
	if msg.Metadata.Get(event.HeaderTimestamp) == "" {
		msg.Metadata.Set(event.HeaderTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
	}
	if err := s.opts.Injector.Publish(topic, msg); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("publish: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.UUID, "topic": topic})
}

func (s *Server) topicState(topic string) (consumer.State, bool) {
	for _, st := range s.lifecycle.Status() {
		if st.Topic == topic {
			return st.State, true
		}
	}
	return "", false
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
