package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/scheduler"
)

// MockEngine is a settable report source.
type MockEngine struct {
	mu      sync.Mutex
	report  *scheduler.Report
	running bool
}

func (m *MockEngine) LastReport() *scheduler.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report
}

func (m *MockEngine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockEngine) RunID() string { return "run-1" }

func (m *MockEngine) set(report *scheduler.Report, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = report
	m.running = running
}

type mockComponent struct {
	err error
}

func (m mockComponent) Health(ctx context.Context) error { return m.err }

func sampleReport() *scheduler.Report {
	return &scheduler.Report{
		RunID: "run-1",
		Tick:  7,
		Targets: []scheduler.TargetReport{
			{ID: "alpha", State: domain.TargetStateTargeting, Batches: 12, StealFraction: 0.42},
			{ID: "beta", State: domain.TargetStateUnhackable},
			{ID: "gamma", State: domain.TargetStateTargeting},
		},
	}
}

func newTestServer(t *testing.T, engine *MockEngine, opts ...ServerOption) (*Server, *EventHub) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", ShutdownTimeout: time.Second},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	hub := NewEventHub(3, zap.NewNop())
	return New(cfg, engine, hub, zap.NewNop(), opts...), hub
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &MockEngine{})

	rec, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestReady(t *testing.T) {
	engine := &MockEngine{}
	s, _ := newTestServer(t, engine, WithComponent("redis", mockComponent{}))

	rec, body := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	engine.set(sampleReport(), true)
	rec, body = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"scheduler": "running", "redis": "healthy"}, body["components"])

	s, _ = newTestServer(t, engine, WithComponent("etcd", mockComponent{err: errors.New("down")}))
	rec, body = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["components"].(map[string]any)["etcd"])
}

func TestTargets(t *testing.T) {
	engine := &MockEngine{}
	s, _ := newTestServer(t, engine)

	rec, _ := get(t, s.Handler(), "/api/v1/targets")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	engine.set(sampleReport(), true)

	rec, body := get(t, s.Handler(), "/api/v1/targets")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, 7.0, body["tick"])

	_, body = get(t, s.Handler(), "/api/v1/targets?state=TARGETING")
	assert.Equal(t, 2.0, body["total"])

	rec, body = get(t, s.Handler(), "/api/v1/targets/alpha")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alpha", body["id"])
	assert.Equal(t, 12.0, body["batches"])

	rec, _ = get(t, s.Handler(), "/api/v1/targets/omega")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportAndInfo(t *testing.T) {
	engine := &MockEngine{}
	engine.set(sampleReport(), true)
	s, _ := newTestServer(t, engine, WithVersion("1.2.3"))

	rec, body := get(t, s.Handler(), "/api/v1/report")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", body["run_id"])

	_, body = get(t, s.Handler(), "/api/v1/info")
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, true, body["leader"])
}

type mockLookup struct {
	id  string
	err error
}

func (m mockLookup) CurrentLeader(ctx context.Context) (string, error) { return m.id, m.err }

func TestInfo_LeaderID(t *testing.T) {
	s, _ := newTestServer(t, &MockEngine{}, WithLeaderLookup(mockLookup{id: "batchd-7"}))
	_, body := get(t, s.Handler(), "/api/v1/info")
	assert.Equal(t, "batchd-7", body["leader_id"])

	s, _ = newTestServer(t, &MockEngine{}, WithLeaderLookup(mockLookup{err: errors.New("no leader elected")}))
	rec, body := get(t, s.Handler(), "/api/v1/info")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "leader_id")
}

func TestRecoveryMiddleware(t *testing.T) {
	s, _ := newTestServer(t, &MockEngine{})
	h := s.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventHub_Buffer(t *testing.T) {
	hub := NewEventHub(3, zap.NewNop())
	ctx := context.Background()

	for i, typ := range []domain.EventType{
		domain.EventNodeEscalated,
		domain.EventBatchScheduled,
		domain.EventTickCompleted,
		domain.EventBatchScheduled,
	} {
		require.NoError(t, hub.Publish(ctx, &domain.Event{ID: string(rune('a' + i)), Type: typ}))
	}

	recent := hub.Recent("", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "d", recent[2].ID)

	scheduled := hub.Recent(domain.EventBatchScheduled, 0)
	require.Len(t, scheduled, 2)
	assert.Equal(t, "b", scheduled[0].ID)

	assert.Len(t, hub.Recent("", 1), 1)
	assert.Equal(t, "d", hub.Recent("", 1)[0].ID)
}

func TestEventHub_Stream(t *testing.T) {
	s, hub := newTestServer(t, &MockEngine{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), &domain.Event{
		ID:     "e1",
		Type:   domain.EventTargetTuned,
		Target: "alpha",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "e1", event.ID)
	assert.Equal(t, domain.EventTargetTuned, event.Type)

	rec, body := get(t, s.Handler(), "/api/v1/events?type=target.tuned")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["total"])
}

func TestEventHub_LaggingClientDoesNotBlock(t *testing.T) {
	hub := NewEventHub(10, zap.NewNop())
	client := newStreamClient(nil)
	hub.add(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientQueue+10; i++ {
			_ = hub.Publish(context.Background(), &domain.Event{Type: domain.EventTickCompleted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a client that never reads")
	}
	assert.Len(t, client.send, clientQueue)
	assert.Equal(t, 1, hub.Clients())
}

func TestEventHub_FailedWriteRemovesClient(t *testing.T) {
	s, hub := newTestServer(t, &MockEngine{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	client := newStreamClient(conn)
	hub.add(client)
	client.send <- []byte(`{}`)

	hub.write(client)

	hub.clientsMu.Lock()
	_, ok := hub.clients[client]
	hub.clientsMu.Unlock()
	assert.False(t, ok)

	select {
	case <-client.done:
	default:
		t.Fatal("client not closed")
	}
}

func TestHealthServer_Refresh(t *testing.T) {
	engine := &MockEngine{}
	hs := NewHealthServer("127.0.0.1:0", engine, zap.NewNop())
	ctx := context.Background()
	req := &healthpb.HealthCheckRequest{Service: HealthService}

	resp, err := hs.Health().Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	engine.set(sampleReport(), true)
	hs.Refresh()
	resp, err = hs.Health().Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
