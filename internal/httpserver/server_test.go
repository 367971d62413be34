package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/clickrelay/internal/ingest"
	"github.com/tinytelemetry/clickrelay/internal/metrics"
	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/share"
	"github.com/tinytelemetry/clickrelay/internal/timestamp"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubIngester struct {
	mu     sync.Mutex
	result ingest.Result
	calls  []model.RawEvent
}

func (s *stubIngester) Handle(_ context.Context, raw model.RawEvent) ingest.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, raw)
	return s.result
}

func (s *stubIngester) SinkName() string { return "file" }

type stubShare struct{ st share.Status }

func (s stubShare) Status() share.Status { return s.st }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func newTestServer(ing Ingester, opts ...Option) http.Handler {
	logger, _ := test.NewNullLogger()
	return NewServer("", ing, logger, opts...).Handler()
}

func TestClick_StatusMapping(t *testing.T) {
	user := "ivanov"
	tests := []struct {
		name       string
		result     ingest.Result
		wantStatus int
		wantKeys   map[string]any
	}{
		{
			name:       "ok",
			result:     ingest.Result{Outcome: ingest.OutcomeOK, Ack: &ingest.Ack{Status: "ok", ClientID: "ws-1", OSUser: &user}},
			wantStatus: http.StatusOK,
			wantKeys:   map[string]any{"status": "ok", "client_id": "ws-1", "os_user": "ivanov"},
		},
		{
			name:       "invalid",
			result:     ingest.Result{Outcome: ingest.OutcomeInvalid, Detail: ingest.ErrValidation.Error()},
			wantStatus: http.StatusBadRequest,
			wantKeys:   map[string]any{"detail": "either url or page_url is required"},
		},
		{
			name:       "unavailable",
			result:     ingest.Result{Outcome: ingest.OutcomeUnavailable, Detail: "storage temporarily unavailable", ErrorID: "e-1"},
			wantStatus: http.StatusServiceUnavailable,
			wantKeys:   map[string]any{"error_id": "e-1"},
		},
		{
			name:       "failed",
			result:     ingest.Result{Outcome: ingest.OutcomeFailed, Detail: "internal error", ErrorID: "e-2"},
			wantStatus: http.StatusInternalServerError,
			wantKeys:   map[string]any{"detail": "internal error", "error_id": "e-2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&stubIngester{result: tt.result})
			w := do(t, h, http.MethodPost, "/click", `{"url":"https://intra/doc"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			for k, v := range tt.wantKeys {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestClick_InvalidJSON(t *testing.T) {
	ing := &stubIngester{}
	h := newTestServer(ing)

	for _, body := range []string{"", "not json", `["url"]`, `{"url": 5}`} {
		w := do(t, h, http.MethodPost, "/click", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.Empty(t, ing.calls)
}

func TestClick_DecodesFields(t *testing.T) {
	ing := &stubIngester{result: ingest.Result{Outcome: ingest.OutcomeOK, Ack: &ingest.Ack{Status: "ok"}}}
	h := newTestServer(ing)

	w := do(t, h, http.MethodPost, "/click", `{"page_url":"https://intra/app","mechanism":"nav","url":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ing.calls, 1)
	assert.Nil(t, ing.calls[0].URL)
	assert.Equal(t, "https://intra/app", *ing.calls[0].PageURL)
	assert.Equal(t, "nav", *ing.calls[0].Mechanism)
}

func TestClick_CORSPreflight(t *testing.T) {
	h := newTestServer(&stubIngester{})

	w := do(t, h, http.MethodOptions, "/click", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestHealth(t *testing.T) {
	since := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	h := newTestServer(&stubIngester{}, WithShareStatus(stubShare{st: share.Status{
		State:     share.StateUnreachable,
		LastError: "host is down",
		Since:     since,
	}}))

	w := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "file", body["sink"])
	sh, ok := body["share"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unreachable", sh["state"])
	assert.Equal(t, "host is down", sh["last_error"])
	assert.Equal(t, "2025-06-02T08:00:00Z", sh["since"])
}

func TestHealth_WithoutShare(t *testing.T) {
	h := newTestServer(&stubIngester{})
	body := decode(t, do(t, h, http.MethodGet, "/api/health", ""))
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "share")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordOutcome("ok")

	h := newTestServer(&stubIngester{}, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `clickrelay_events_total{outcome="ok"} 1`)

	h = newTestServer(&stubIngester{})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code)
}

type memorySink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *memorySink) Name() string { return "memory" }
func (s *memorySink) Persist(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *memorySink) Close() error { return nil }

func TestStartStop_ServesRealService(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &memorySink{}
	n := ingest.NewNormalizer("ws-1", model.Enrichment{}, timestamp.NewResolver(time.UTC))
	svc := ingest.NewService(n, sink, logger)

	srv := NewServer("127.0.0.1:0", svc, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	resp, err := http.Post("http://"+srv.Addr()+"/click", "application/json",
		strings.NewReader(`{"page_url":"https://intra/app","mechanism":"nav"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ack ingest.Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "ws-1", ack.ClientID)
	assert.True(t, ack.TimestampDefaulted)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 1)
}

func TestStart_ServeFailureIsReported(t *testing.T) {
	logger, hook := test.NewNullLogger()
	srv := NewServer("127.0.0.1:0", &stubIngester{}, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	require.NoError(t, srv.listener.Close())

	select {
	case err := <-srv.Errors():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve failure was not reported")
	}
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "httpserver: serve failed", hook.LastEntry().Message)
}

func TestStop_ReportsNoServeError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := NewServer("127.0.0.1:0", &stubIngester{}, logger)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))

	select {
	case err := <-srv.Errors():
		t.Fatalf("unexpected serve error after Stop: %v", err)
	default:
	}
}
