package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"
	"github.com/chattercraft/eventbus/internal/breaker"
	"github.com/chattercraft/eventbus/internal/bus"
	"github.com/chattercraft/eventbus/internal/dispatch"
	"github.com/chattercraft/eventbus/internal/event"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/store"
	"github.com/chattercraft/eventbus/internal/transport/redisstream"
)

func newTestServer(t *testing.T) (*Server, *bus.Bus, *redisstream.Transport, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	log := logging.New(slog.LevelError, "text")

	tr, err := redisstream.New(context.Background(), redisstream.DefaultConfig(mr.Addr()), log)
	require.NoError(t, err)

	engine := dispatch.NewEngine(breaker.DefaultConfig(), nil, log)
	b := bus.New(bus.DefaultConfig(), tr, engine, store.NewMemoryStore(store.MemoryConfig{}), log)

	srv := New(Config{Addr: ":0"}, b, log)
	return srv, b, tr, mr
}

func doRequest(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _, mr := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var report bus.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)

	mr.Close()
	rec = doRequest(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	srv, b, _, _ := newTestServer(t)

	require.NoError(t, b.Publish(context.Background(),
		event.New("order.placed", nil, "order-service")))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap bus.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.EventsPublished)
}

func TestDeadLetters(t *testing.T) {
	srv, _, tr, _ := newTestServer(t)
	ctx := context.Background()

	evt := event.New("order.placed", nil, "order-service")
	evt.Metadata.Attempts = 3
	require.NoError(t, tr.PublishDeadLetter(ctx, evt, "max_retries_exceeded"))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/dlq?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count       int `json:"count"`
		DeadLetters []struct {
			Reason string `json:"reason"`
		} `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "max_retries_exceeded", body.DeadLetters[0].Reason)
}

func TestDeadLetters_BadLimit(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/dlq?limit=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplay(t *testing.T) {
	srv, b, _, _ := newTestServer(t)
	ctx := context.Background()

	e1 := event.New("order.placed", map[string]any{"n": 1}, "order-service",
		event.WithCorrelationID("corr-7"))
	require.NoError(t, b.Publish(ctx, e1))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/replay/corr-7")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		CorrelationID string         `json:"correlation_id"`
		Count         int            `json:"count"`
		Events        []*event.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "corr-7", body.CorrelationID)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, e1.Metadata.EventID, body.Events[0].Metadata.EventID)
}

func TestReplay_WindowAndBadParams(t *testing.T) {
	srv, b, _, _ := newTestServer(t)
	ctx := context.Background()

	evt := event.New("order.placed", nil, "order-service",
		event.WithCorrelationID("corr-8"))
	require.NoError(t, b.Publish(ctx, evt))

	// A window entirely in the past excludes the event.
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	to := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/replay/corr-8?from="+from+"&to="+to)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Count)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/replay/corr-8?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eventbus_")
}
