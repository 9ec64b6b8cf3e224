package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/agrimind/internal/agents"
	"github.com/haricheung/agrimind/internal/bus"
	"github.com/haricheung/agrimind/internal/history"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/orchestrator"
	"github.com/haricheung/agrimind/internal/session"
	"github.com/haricheung/agrimind/internal/types"
)

// fixedInvoker replies "OK" to every agent and verdict to the supervisor.
type fixedInvoker struct {
	verdict string
	gate    chan struct{}
}

func (f fixedInvoker) Invoke(_ context.Context, id types.AgentID, _ types.SharedMemory, _ string) agents.Result {
	if f.gate != nil && id == types.AgentIntake {
		<-f.gate
	}
	if id == types.AgentSupervisor {
		return agents.Result{AgentID: id, Text: f.verdict}
	}
	return agents.Result{AgentID: id, Text: "OK"}
}

type testEnv struct {
	srv  *Server
	orch *orchestrator.Orchestrator
	bus  *bus.Bus
}

func newTestEnv(t *testing.T, inv orchestrator.Invoker) *testEnv {
	t.Helper()
	b := bus.New()
	m := metrics.New()
	sess := session.New(history.NewMemStore(history.SeedRecords(time.Now())), b, m)
	orch := orchestrator.New(sess, inv, orchestrator.WithMetrics(m))
	srv := NewServer(orch, b, WithMetrics(m), WithHeartbeat(20*time.Millisecond))
	return &testEnv{srv: srv, orch: orch, bus: b}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func waitIdle(t *testing.T, o *orchestrator.Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := o.Session().Snapshot()
		return !s.IsProcessing && s.Memory.Status != types.StatusCollecting
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{verdict: `{"request_human": false}`})
	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestIndexServesChatPage(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{})
	rec := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{})
	rec := env.do(http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []types.AgentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 7)
	assert.Equal(t, types.AgentSupervisor, list[0].ID)
}

func TestHistory_ReturnsSeed(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{})
	rec := env.do(http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []types.HistoricalRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "h1", recs[0].ID)
}

func TestSendMessage_RunsInBackground(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{verdict: `{"request_human": false}`})

	rec := env.do(http.MethodPost, "/api/v1/messages", SendMessageRequest{Query: "yellow corn leaves"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitIdle(t, env.orch)

	rec = env.do(http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, types.StatusCompleted, snap.Memory.Status)
	assert.Len(t, snap.Memory.History, 3)
	assert.Equal(t, "yellow corn leaves", snap.Messages[0].Content)
}

func TestSendMessage_Errors(t *testing.T) {
	inv := fixedInvoker{verdict: `{"request_human": false}`, gate: make(chan struct{})}
	env := newTestEnv(t, inv)

	rec := env.do(http.MethodPost, "/api/v1/messages", SendMessageRequest{Query: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{"))
	bad := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = env.do(http.MethodPost, "/api/v1/messages", SendMessageRequest{Query: "first"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(http.MethodPost, "/api/v1/messages", SendMessageRequest{Query: "second"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(inv.gate)
	waitIdle(t, env.orch)
}

func TestApproval_Flow(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{verdict: "not json"})

	rec := env.do(http.MethodPost, "/api/v1/approval", map[string]bool{"approved": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, env.orch.Send(context.Background(), "blight"))
	require.NotEmpty(t, env.orch.Session().Snapshot().PendingApproval)

	rec = env.do(http.MethodPost, "/api/v1/approval", map[string]string{"reason": "missing flag"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/approval", map[string]any{"approved": true, "reason": "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, types.StatusCompleted, snap.Memory.Status)
	assert.Len(t, snap.Memory.History, 3)
	assert.Equal(t, orchestrator.Disclaimer, snap.Messages[len(snap.Messages)-1].Content)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{verdict: `{"request_human": false}`})
	require.NoError(t, env.orch.Send(context.Background(), "query"))

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agrimind_runs_total")
}

func TestHTTPStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, httpStatusFor(session.ErrBusy))
	assert.Equal(t, http.StatusConflict, httpStatusFor(orchestrator.ErrNoPendingApproval))
	assert.Equal(t, http.StatusBadRequest, httpStatusFor(orchestrator.ErrEmptyQuery))
	assert.Equal(t, http.StatusInternalServerError, httpStatusFor(errors.New("boom")))
}

func TestSSE_StreamsSnapshotAndEvents(t *testing.T) {
	env := newTestEnv(t, fixedInvoker{verdict: `{"request_human": false}`})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 256)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	first := <-events
	assert.Equal(t, "snapshot", first)

	require.NoError(t, env.orch.Send(context.Background(), "query"))

	seen := map[string]bool{}
	for !seen["history"] {
		select {
		case name, ok := <-events:
			require.True(t, ok, "stream closed early; saw %v", seen)
			seen[name] = true
		case <-ctx.Done():
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	for _, want := range []string{"processing", "active_agent", "log", "message", "memory"} {
		assert.True(t, seen[want], "missing %s event", want)
	}
}
