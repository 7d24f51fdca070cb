//go:build linux

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"eventd/ingest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeEndpoint struct {
	state ingest.State
	stats ingest.Stats
}

func (f *fakeEndpoint) ID() string          { return "0b5c3e0e-6f43-4d3e-9d59-1f2d9f0f6a11" }
func (f *fakeEndpoint) Path() string        { return "/var/ossec/queue/sockets/queue" }
func (f *fakeEndpoint) State() ingest.State { return f.state }
func (f *fakeEndpoint) Stats() ingest.Stats { return f.stats }

type fakeQueue struct {
	mu     sync.Mutex
	items  [][]byte
	limit  int
	closed bool
}

func (q *fakeQueue) Push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, p)
	return true
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fakeQueue) Cap() int { return q.limit }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		state      ingest.State
		wantCode   int
		wantStatus string
	}{
		{"running", ingest.StateRunning, http.StatusOK, "healthy"},
		{"bound", ingest.StateBound, http.StatusServiceUnavailable, "unhealthy"},
		{"closed", ingest.StateClosed, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{state: tt.state, stats: ingest.Stats{Received: 3, Forwarded: 2, DroppedQueueFull: 1}}
			q := &fakeQueue{limit: 8, items: [][]byte{[]byte("a")}}
			a := NewAPI(ep, q, nil, nil, zaptest.NewLogger(t).Sugar())

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.state.String(), resp.State)
			assert.Equal(t, 1, resp.QueueDepth)
			assert.Equal(t, 8, resp.QueueCapacity)
			assert.Equal(t, uint64(1), resp.Stats.DroppedQueueFull)
		})
	}
}

func TestHealthCheck_NoEndpoint(t *testing.T) {
	a := NewAPI(nil, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	a := NewAPI(&fakeEndpoint{}, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestSanitizeErrorMessage(t *testing.T) {
	msg := sanitizeErrorMessage("open /var/lib/eventd/eventd.db: permission denied")
	assert.NotContains(t, msg, "/var/lib")
	assert.Contains(t, msg, "[FILE_PATH]")

	long := sanitizeErrorMessage(strings.Repeat("x", 1000))
	assert.Len(t, long, maxErrorMessageLength)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := NewAPI(&fakeEndpoint{state: ingest.StateBound}, &fakeQueue{limit: 1}, nil, nil, zap.New(core).Sugar())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	entries := logs.FilterMessage("Admin request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/health", fields["path"])
	assert.Equal(t, int64(http.StatusServiceUnavailable), fields["status"])
}
