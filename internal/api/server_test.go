package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-task-consumer/internal/config"
	"github.com/JakeFAU/crawl-task-consumer/internal/consumer"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeLifecycle{}, Options{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReflectsConsumingState(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{state: consumer.StatePaused}
	server := newTestServer(lc, Options{})

	rec := serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "PAUSED")

	lc.setState(consumer.StateConsuming)
	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzPingsStore(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{state: consumer.StateConsuming}
	rec := serve(newTestServer(lc, Options{Store: fakePinger{err: errors.New("dial tcp: refused")}}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")

	rec = serve(newTestServer(lc, Options{Store: fakePinger{}}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConsumerStatus(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{state: consumer.StateConsuming}
	rec := serve(newTestServer(lc, Options{}), http.MethodGet, "/v1/consumers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"state":"CONSUMING",
		"consuming":true,
		"topics":["tasks.complete","tasks.create"],
		"subscriptions":[
			{"topic":"tasks.complete","state":"CONSUMING","in_flight":0,"lanes":0,"processed":0,"failed":0,"redelivered":0},
			{"topic":"tasks.create","state":"CONSUMING","in_flight":1,"lanes":1,"processed":4,"failed":1,"redelivered":1,"last_error":"boom"}
		]
	}`, rec.Body.String())
}

func TestConsumerControlRoutes(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{state: consumer.StateConsuming}
	server := newTestServer(lc, Options{})

	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/consumers/pause", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/consumers/resume", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/consumers/tasks.create/pause", nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/consumers/tasks.create/resume", nil).Code)
	require.Equal(t, []string{"pause", "resume", "pause:tasks.create", "resume:tasks.create"}, lc.calls())

	rec := serve(server, http.MethodPost, "/v1/consumers/unknown/pause", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	lc.setErr(consumer.ErrNotStarted)
	rec = serve(server, http.MethodPost, "/v1/consumers/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "not started")

	lc.setErr(context.DeadlineExceeded)
	rec = serve(server, http.MethodPost, "/v1/consumers/pause", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestInjectEventRequiresInjector(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeLifecycle{}, Options{}), http.MethodPost, "/v1/events/tasks.create", []byte(`{}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInjectEventPublishes(t *testing.T) {
	t.Parallel()

	inj := &fakeInjector{}
	server := newTestServer(&fakeLifecycle{}, Options{Injector: inj})

	rec := serve(server, http.MethodPost, "/v1/events/tasks.create",
		[]byte(`{"headers":{"event_kind":"CREATE"},"body":{"userEmail":"u@x.com"}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, inj.msgs, 1)
	require.Equal(t, "tasks.create", inj.topic)
	require.Equal(t, "CREATE", inj.msgs[0].Metadata.Get("event_kind"))
	require.NotEmpty(t, inj.msgs[0].Metadata.Get("timestamp"))
	require.JSONEq(t, `{"userEmail":"u@x.com"}`, string(inj.msgs[0].Payload))

	rec = serve(server, http.MethodPost, "/v1/events/tasks.create", []byte(`{invalid`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInjectEventRejectsUnavailableTopics(t *testing.T) {
	t.Parallel()

	inj := &fakeInjector{}
	lc := &fakeLifecycle{statuses: []consumer.SubscriptionStatus{
		{Topic: "tasks.create", State: consumer.StatePaused},
		{Topic: "tasks.error", State: consumer.StateStopped},
	}}
	server := newTestServer(lc, Options{Injector: inj})
	body := []byte(`{"headers":{"event_kind":"CREATE"},"body":{}}`)

	rec := serve(server, http.MethodPost, "/v1/events/tasks.unknown", body)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not registered")

	rec = serve(server, http.MethodPost, "/v1/events/tasks.create", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "PAUSED")

	rec = serve(server, http.MethodPost, "/v1/events/tasks.error", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, inj.msgs)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeLifecycle{}, Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/consumers", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/consumers", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeLifecycle{}, Options{}), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec = httptest.NewRecorder()
	newTestServer(&fakeLifecycle{}, Options{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(&fakeLifecycle{}, Options{}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(lc Lifecycle, opts Options) *Server {
	return NewServer(lc, opts, nil)
}

func serve(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeLifecycle struct {
	mu       sync.Mutex
	state    consumer.State
	err      error
	log      []string
	statuses []consumer.SubscriptionStatus
}

func (f *fakeLifecycle) setState(s consumer.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeLifecycle) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLifecycle) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeLifecycle) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, call)
	return f.err
}

func (f *fakeLifecycle) Pause(context.Context) error { return f.record("pause") }
func (f *fakeLifecycle) Resume() error               { return f.record("resume") }

func (f *fakeLifecycle) PauseTopic(_ context.Context, topic string) error {
	if topic == "unknown" {
		return fmt.Errorf("%w: %s", consumer.ErrUnknownTopic, topic)
	}
	return f.record("pause:" + topic)
}

func (f *fakeLifecycle) ResumeTopic(topic string) error {
	return f.record("resume:" + topic)
}

func (f *fakeLifecycle) State() consumer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return consumer.StateStopped
	}
	return f.state
}

func (f *fakeLifecycle) IsConsuming() bool {
	return f.State() == consumer.StateConsuming
}

func (f *fakeLifecycle) RegisteredTopics() []string {
	return []string{"tasks.complete", "tasks.create"}
}

func (f *fakeLifecycle) Status() []consumer.SubscriptionStatus {
	if f.statuses != nil {
		return f.statuses
	}
	return []consumer.SubscriptionStatus{
		{Topic: "tasks.complete", State: consumer.StateConsuming},
		{Topic: "tasks.create", State: consumer.StateConsuming, InFlight: 1, Lanes: 1, Processed: 4, Failed: 1, Redelivered: 1, LastError: "boom"},
	}
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeInjector struct {
	topic string
	msgs  []*message.Message
}

func (f *fakeInjector) Publish(topic string, msgs ...*message.Message) error {
	f.topic = topic
	f.msgs = append(f.msgs, msgs...)
	return nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacked client: %w", err)
		}
	}
	return nil
}
