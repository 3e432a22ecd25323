package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveEvent(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("tasks.create", OutcomeApplied))
	ObserveEvent("tasks.create", OutcomeApplied, 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(eventsTotal.WithLabelValues("tasks.create", OutcomeApplied)))
}

func TestObservePublishAndDetection(t *testing.T) {
	ok := testutil.ToFloat64(publishTotal.WithLabelValues("success"))
	failed := testutil.ToFloat64(publishTotal.WithLabelValues("failure"))
	ObservePublish(true)
	ObservePublish(false)
	ObservePublish(false)
	require.Equal(t, ok+1, testutil.ToFloat64(publishTotal.WithLabelValues("success")))
	require.Equal(t, failed+2, testutil.ToFloat64(publishTotal.WithLabelValues("failure")))

	before := testutil.ToFloat64(detectionsTotal.WithLabelValues("TASK_MISMATCH"))
	ObserveDetection("TASK_MISMATCH")
	require.Equal(t, before+1, testutil.ToFloat64(detectionsTotal.WithLabelValues("TASK_MISMATCH")))
}

func TestSetSubscriptionState(t *testing.T) {
	states := []string{"STOPPED", "CONSUMING", "PAUSED"}
	SetSubscriptionState("tasks.complete", "PAUSED", states)
	require.Equal(t, 1.0, testutil.ToFloat64(subscriptionState.WithLabelValues("tasks.complete", "PAUSED")))
	require.Equal(t, 0.0, testutil.ToFloat64(subscriptionState.WithLabelValues("tasks.complete", "CONSUMING")))

	SetSubscriptionState("tasks.complete", "CONSUMING", states)
	require.Equal(t, 0.0, testutil.ToFloat64(subscriptionState.WithLabelValues("tasks.complete", "PAUSED")))
	require.Equal(t, 1.0, testutil.ToFloat64(subscriptionState.WithLabelValues("tasks.complete", "CONSUMING")))
}

func TestInFlightGauge(t *testing.T) {
	IncInFlight("tasks.error")
	IncInFlight("tasks.error")
	DecInFlight("tasks.error")
	require.Equal(t, 1.0, testutil.ToFloat64(inFlightMessages.WithLabelValues("tasks.error")))
	DecInFlight("tasks.error")
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/test", "/notfound"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
	require.Equal(t, missing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
}
