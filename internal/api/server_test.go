package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"iris/internal/models"
	"iris/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.New(storage.Config{
		CacheSizePerAgent:   10,
		ChannelCapacity:     10,
		BroadcastQueueDepth: 8,
	}, testLogger())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	store.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = store.Shutdown(context.Background())
	})
	return NewServer(store, testLogger())
}

func TestHandleIngestAcceptsValidReport(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(models.MetricsReport{AgentID: "a", Hostname: "h", Timestamp: 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestHandleIngestRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestRejectsMissingAgentID(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(models.MetricsReport{Hostname: "h", Timestamp: 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/ingest", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleAgentsUnknownAgentLatestReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/missing/latest", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleAgentSubroutesBadPathReturns404(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/agents/", "/api/agents/only-id"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		s.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("path %q: status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
}

func TestHandleAgentSubroutesUnknownActionReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/a/bogus", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleLatestReturnsIngestedReport(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(models.MetricsReport{AgentID: "a", Hostname: "h", Timestamp: 1000})
	ingestReq := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	s.Routes().ServeHTTP(httptest.NewRecorder(), ingestReq)

	req := httptest.NewRequest(http.MethodGet, "/api/agents/a/latest", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got models.MetricsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.AgentID != "a" || got.Timestamp != 1000 {
		t.Fatalf("got %+v, want agent_id=a timestamp=1000", got)
	}
}

func TestHandleHistoryRespectsLimitQueryParam(t *testing.T) {
	s := newTestServer(t)
	for i := int64(1); i <= 5; i++ {
		body, _ := json.Marshal(models.MetricsReport{AgentID: "a", Hostname: "h", Timestamp: i * 1000})
		req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
		s.Routes().ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/agents/a/history?limit=2", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got []models.MetricsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestHandleAgentsListsIngestedAgents(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"a", "b"} {
		body, _ := json.Marshal(models.MetricsReport{AgentID: id, Hostname: "h", Timestamp: 1000})
		req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
		s.Routes().ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got []models.AgentDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleStreamSendsIngestedReport(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		s.Routes().ServeHTTP(&lockedRecorder{ResponseRecorder: rec, mu: &mu}, req)
		close(done)
	}()

	// Give handleStream time to subscribe before the report is published.
	time.Sleep(20 * time.Millisecond)
	body, _ := json.Marshal(models.MetricsReport{AgentID: "a", Hostname: "h", Timestamp: 1000})
	ingestReq := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	s.Routes().ServeHTTP(httptest.NewRecorder(), ingestReq)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := rec.Body.String()
		mu.Unlock()
		if strings.Contains(got, `"agent_id":"a"`) {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("stream body never contained the published report")
}

// lockedRecorder serializes writes to an httptest.ResponseRecorder so a
// handler goroutine and the polling test goroutine can safely share it.
type lockedRecorder struct {
	*httptest.ResponseRecorder
	mu *sync.Mutex
}

func (l *lockedRecorder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ResponseRecorder.Write(p)
}

func (l *lockedRecorder) WriteHeader(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ResponseRecorder.WriteHeader(code)
}

func TestLogMiddlewareSetsRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}
