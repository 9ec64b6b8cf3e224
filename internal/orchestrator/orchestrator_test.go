package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/haricheung/agrimind/internal/agents"
	"github.com/haricheung/agrimind/internal/bus"
	"github.com/haricheung/agrimind/internal/history"
	"github.com/haricheung/agrimind/internal/llm"
	"github.com/haricheung/agrimind/internal/session"
	"github.com/haricheung/agrimind/internal/tasklog"
	"github.com/haricheung/agrimind/internal/types"
)

// Every Start goroutine and parallel analysis group must have exited by the end of the run.
// The opencensus view worker is started by an init in the genai dependency chain.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scripted answers each agent with a fixed reply and records call order.
type scripted struct {
	mu      sync.Mutex
	replies map[types.AgentID]string
	fails   map[types.AgentID]error
	dflt    string
	gate    chan struct{} // when non-nil, intake blocks until it is closed
	calls   []types.AgentID
	mems    map[types.AgentID]types.SharedMemory
}

func newScripted(dflt string) *scripted {
	return &scripted{
		replies: map[types.AgentID]string{},
		fails:   map[types.AgentID]error{},
		dflt:    dflt,
		mems:    map[types.AgentID]types.SharedMemory{},
	}
}

func (s *scripted) Invoke(_ context.Context, id types.AgentID, mem types.SharedMemory, _ string) agents.Result {
	if id == types.AgentIntake && s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	s.mems[id] = mem.Clone()
	if err := s.fails[id]; err != nil {
		return agents.Result{AgentID: id, Err: err}
	}
	text, ok := s.replies[id]
	if !ok {
		text = s.dflt
	}
	return agents.Result{AgentID: id, Text: text}
}

func (s *scripted) order() []types.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.AgentID(nil), s.calls...)
}

func newTestOrchestrator(t *testing.T, inv Invoker, opts ...Option) (*Orchestrator, *history.MemStore) {
	t.Helper()
	store := history.NewMemStore(nil)
	sess := session.New(store, bus.New(), nil)
	return New(sess, inv, opts...), store
}

func TestSend_AutoArchiveWhenSupervisorApproves(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	o, store := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "My tomato leaves have brown spots"))

	snap := o.Session().Snapshot()
	assert.Len(t, snap.Workflow.Logs, 7)
	for _, l := range snap.Workflow.Logs {
		assert.Equal(t, types.LogInfo, l.Type)
	}

	require.Len(t, snap.Messages, 3)
	assert.Equal(t, types.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, types.RoleAgent, snap.Messages[1].Role)
	assert.Equal(t, "OK", snap.Messages[1].Content)
	assert.Equal(t, types.AgentSynthesizer, snap.Messages[1].AgentID)
	assert.False(t, snap.Messages[1].IsApprovalRequired)
	assert.Equal(t, types.RoleSystem, snap.Messages[2].Role)
	assert.Equal(t, Disclaimer, snap.Messages[2].Content)

	require.Len(t, snap.Memory.History, 1)
	assert.Equal(t, "OK...", snap.Memory.History[0].Notes)
	assert.Equal(t, types.OutcomeSuccessful, snap.Memory.History[0].Outcome)
	assert.Len(t, store.List(), 1)

	assert.Equal(t, types.StatusCompleted, snap.Memory.Status)
	assert.False(t, snap.IsProcessing)
	assert.Empty(t, snap.Workflow.ActiveAgent)
	assert.Empty(t, snap.PendingApproval)
}

func TestSend_UnparseableSupervisorRequiresApproval(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = "not json"
	o, store := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "aphids on peppers"))

	snap := o.Session().Snapshot()
	require.Len(t, snap.Messages, 2)
	agentMsg := snap.Messages[1]
	assert.True(t, agentMsg.IsApprovalRequired)
	assert.Equal(t, "OK", agentMsg.Content)
	for _, m := range snap.Messages {
		assert.NotEqual(t, Disclaimer, m.Content)
	}
	assert.Empty(t, snap.Memory.History)
	assert.Empty(t, store.List())
	assert.Equal(t, types.StatusAwaitingApproval, snap.Memory.Status)
	assert.Equal(t, agentMsg.ID, snap.PendingApproval)

	last := snap.Workflow.Logs[len(snap.Workflow.Logs)-1]
	assert.Equal(t, types.LogWarning, last.Type)
	assert.Equal(t, types.AgentSupervisor, last.AgentID)
}

func TestSend_RequestHumanTrue(t *testing.T) {
	inv := newScripted("Apply copper fungicide")
	inv.replies[types.AgentSupervisor] = "```json\n{\"request_human\": true, \"logic\": \"chemical risk\"}\n```"
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "blight"))
	assert.Equal(t, types.StatusAwaitingApproval, o.Session().Memory().Status)
}

func TestSend_InvocationOrder(t *testing.T) {
	inv := newScripted("x")
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))
	assert.Equal(t, types.Pipeline, inv.order())
}

func TestSend_FindingsInFixedOrder(t *testing.T) {
	inv := newScripted("x")
	inv.replies[types.AgentAgronomy] = "soil"
	inv.replies[types.AgentPestDisease] = "mites"
	inv.replies[types.AgentWeather] = "dry spell"
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))

	findings := o.Session().Memory().IntermediateFindings
	require.Len(t, findings, 3)
	assert.Equal(t, types.AgentAgronomy, findings[0].AgentID)
	assert.Equal(t, "soil", findings[0].Finding)
	assert.Equal(t, types.AgentPestDisease, findings[1].AgentID)
	assert.Equal(t, "mites", findings[1].Finding)
	assert.Equal(t, types.AgentWeather, findings[2].AgentID)
	assert.Equal(t, "dry spell", findings[2].Finding)
}

func TestSend_ParallelAnalysisKeepsFindingOrder(t *testing.T) {
	inv := newScripted("x")
	inv.replies[types.AgentAgronomy] = "a"
	inv.replies[types.AgentPestDisease] = "p"
	inv.replies[types.AgentWeather] = "w"
	o, _ := newTestOrchestrator(t, inv, WithParallelAnalysis(true))

	require.NoError(t, o.Send(context.Background(), "query"))

	findings := o.Session().Memory().IntermediateFindings
	require.Len(t, findings, 3)
	assert.Equal(t, []string{"a", "p", "w"}, []string{findings[0].Finding, findings[1].Finding, findings[2].Finding})

	calls := inv.order()
	require.Len(t, calls, 7)
	assert.Equal(t, types.AgentIntake, calls[0])
	assert.ElementsMatch(t, types.AnalysisAgents, calls[1:4])
	assert.Equal(t, types.Pipeline[4:], calls[4:])
}

func TestSend_MemoryFlowsBetweenSteps(t *testing.T) {
	inv := newScripted("x")
	inv.replies[types.AgentIntake] = "loamy soil, 30C"
	inv.replies[types.AgentSynthesizer] = "PLAN"
	inv.replies[types.AgentQualityReview] = "REVIEW"
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))

	// every specialist sees the intake output
	for _, id := range types.AnalysisAgents {
		assert.Equal(t, "loamy soil, 30C", inv.mems[id].EnvironmentalFactors)
	}
	// synthesizer sees all three findings
	assert.Len(t, inv.mems[types.AgentSynthesizer].IntermediateFindings, 3)
	// supervisor sees synthesis and review joined under the heading
	assert.Equal(t, "PLAN\n\n### Review Findings:\nREVIEW", inv.mems[types.AgentSupervisor].FinalRecommendations)
	// the gated copy does not leak into session memory
	assert.Empty(t, o.Session().Memory().FinalRecommendations)
}

func TestSend_StatusTransitions(t *testing.T) {
	inv := newScripted("x")
	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))

	assert.Equal(t, types.StatusCollecting, inv.mems[types.AgentIntake].Status)
	assert.Equal(t, types.StatusAnalyzing, inv.mems[types.AgentAgronomy].Status)
	assert.Equal(t, types.StatusAnalyzing, inv.mems[types.AgentSynthesizer].Status)
	assert.Equal(t, types.StatusReviewing, inv.mems[types.AgentQualityReview].Status)
	assert.Equal(t, types.StatusCompleted, o.Session().Memory().Status)
}

func TestSend_ModelFailureMarksError(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	inv.fails[types.AgentAgronomy] = errors.New("quota exceeded")
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))

	snap := o.Session().Snapshot()
	assert.Equal(t, types.StatusError, snap.Memory.Status)
	assert.Len(t, inv.order(), 7)
	assert.Equal(t, "", snap.Memory.IntermediateFindings[0].Finding)

	var warned bool
	for _, l := range snap.Workflow.Logs {
		if l.Type == types.LogWarning && l.AgentID == types.AgentAgronomy {
			warned = strings.Contains(l.Text, "quota exceeded")
		}
	}
	assert.True(t, warned)
	assert.False(t, snap.IsProcessing)
}

func TestSend_FailedSupervisorFailsSafe(t *testing.T) {
	inv := newScripted("OK")
	inv.fails[types.AgentSupervisor] = errors.New("timeout")
	o, store := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "query"))

	assert.NotEmpty(t, o.Session().Snapshot().PendingApproval)
	assert.Empty(t, store.List())
}

func TestSend_EmptyQuery(t *testing.T) {
	inv := newScripted("x")
	o, _ := newTestOrchestrator(t, inv)

	assert.ErrorIs(t, o.Send(context.Background(), "   \n"), ErrEmptyQuery)
	assert.Empty(t, inv.order())
	assert.Empty(t, o.Session().Snapshot().Messages)
}

func TestStart_RejectsConcurrentRun(t *testing.T) {
	inv := newScripted("x")
	inv.gate = make(chan struct{})
	o, _ := newTestOrchestrator(t, inv)

	done, err := o.Start(context.Background(), "first")
	require.NoError(t, err)
	assert.True(t, o.Session().Processing())

	assert.ErrorIs(t, o.Send(context.Background(), "second"), session.ErrBusy)
	assert.ErrorIs(t, o.ResolveApproval(true, ""), session.ErrBusy)

	close(inv.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.False(t, o.Session().Processing())
	assert.Len(t, inv.order(), 7)
	// only the first query reached the transcript
	assert.Equal(t, "first", o.Session().Snapshot().Messages[0].Content)
}

func TestRun_DoesNotAddUserMessage(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	o, _ := newTestOrchestrator(t, inv)

	require.NoError(t, o.Run(context.Background(), "query"))
	for _, m := range o.Session().Snapshot().Messages {
		assert.NotEqual(t, types.RoleUser, m.Role)
	}
}

func TestResolveApproval_Approve(t *testing.T) {
	inv := newScripted("Use drip irrigation")
	inv.replies[types.AgentSupervisor] = `{"request_human": true}`
	o, store := newTestOrchestrator(t, inv)
	require.NoError(t, o.Send(context.Background(), "query"))

	require.NoError(t, o.ResolveApproval(true, "looks fine"))

	snap := o.Session().Snapshot()
	n := len(snap.Messages)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, approvedReply, snap.Messages[n-3].Content)
	assert.Equal(t, types.RoleUser, snap.Messages[n-3].Role)
	assert.Equal(t, approvedNote, snap.Messages[n-2].Content)
	assert.Equal(t, Disclaimer, snap.Messages[n-1].Content)

	require.Len(t, store.List(), 1)
	assert.Equal(t, "Use drip irrigation...", store.List()[0].Notes)
	assert.Equal(t, []types.ApprovalRecord{{Action: "final_recommendation", Approved: true, Reason: "looks fine"}}, snap.Memory.HumanApprovals)
	assert.Equal(t, types.StatusCompleted, snap.Memory.Status)
	assert.Empty(t, snap.PendingApproval)
}

func TestResolveApproval_Deny(t *testing.T) {
	inv := newScripted("Spray broadly")
	inv.replies[types.AgentSupervisor] = "not json"
	o, store := newTestOrchestrator(t, inv)
	require.NoError(t, o.Send(context.Background(), "query"))

	require.NoError(t, o.ResolveApproval(false, ""))

	snap := o.Session().Snapshot()
	n := len(snap.Messages)
	assert.Equal(t, deniedReply, snap.Messages[n-2].Content)
	assert.Equal(t, deniedNote, snap.Messages[n-1].Content)
	assert.Empty(t, store.List())
	require.Len(t, snap.Memory.HumanApprovals, 1)
	assert.False(t, snap.Memory.HumanApprovals[0].Approved)
	assert.Equal(t, types.StatusCompleted, snap.Memory.Status)
	assert.Len(t, inv.order(), 7)
}

func TestResolveApproval_NothingPending(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	o, _ := newTestOrchestrator(t, inv)

	assert.ErrorIs(t, o.ResolveApproval(true, ""), ErrNoPendingApproval)

	require.NoError(t, o.Send(context.Background(), "query"))
	before := len(o.Session().Snapshot().Messages)
	assert.ErrorIs(t, o.ResolveApproval(true, ""), ErrNoPendingApproval)
	assert.Len(t, o.Session().Snapshot().Messages, before)
}

func TestResolveApproval_OnlyOnce(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = "not json"
	o, _ := newTestOrchestrator(t, inv)
	require.NoError(t, o.Send(context.Background(), "query"))

	require.NoError(t, o.ResolveApproval(false, ""))
	assert.ErrorIs(t, o.ResolveApproval(true, ""), ErrNoPendingApproval)
}

// stallingStore blocks Prepend until release is closed.
type stallingStore struct {
	*history.MemStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Prepend(rec types.HistoricalRecord) error {
	close(s.entered)
	<-s.release
	return s.MemStore.Prepend(rec)
}

func TestResolveApproval_BlocksNewRunUntilApplied(t *testing.T) {
	// a run started while approval is archiving gets ErrBusy; the approval messages stay contiguous
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = "not json"
	store := &stallingStore{MemStore: history.NewMemStore(nil), entered: make(chan struct{}), release: make(chan struct{})}
	o := New(session.New(store, bus.New(), nil), inv)
	require.NoError(t, o.Send(context.Background(), "q1"))

	resolved := make(chan error, 1)
	go func() { resolved <- o.ResolveApproval(true, "") }()
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("approval never reached the archive")
	}

	_, err := o.Start(context.Background(), "q2")
	assert.ErrorIs(t, err, session.ErrBusy)

	close(store.release)
	require.NoError(t, <-resolved)

	msgs := o.Session().Snapshot().Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, approvedReply, msgs[2].Content)
	assert.Equal(t, approvedNote, msgs[3].Content)
	assert.Equal(t, Disclaimer, msgs[4].Content)
	assert.Equal(t, types.StatusCompleted, o.Session().Snapshot().Memory.Status)

	// the guard is released once the decision is applied
	assert.NoError(t, o.Send(context.Background(), "q2"))
}

func TestNewRunDiscardsPendingApproval(t *testing.T) {
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = "not json"
	o, _ := newTestOrchestrator(t, inv)
	require.NoError(t, o.Send(context.Background(), "first"))
	first := o.Session().Snapshot().PendingApproval

	inv.replies[types.AgentSupervisor] = `{"request_human": false}`
	require.NoError(t, o.Send(context.Background(), "second"))

	assert.NotEmpty(t, first)
	assert.Empty(t, o.Session().Snapshot().PendingApproval)
	assert.ErrorIs(t, o.ResolveApproval(true, ""), ErrNoPendingApproval)
}

func TestWithRunLogs_WritesTrace(t *testing.T) {
	dir := t.TempDir()
	inv := newScripted("OK")
	inv.replies[types.AgentSupervisor] = `{"request_human": false, "logic": "low risk"}`
	o, _ := newTestOrchestrator(t, inv, WithRunLogs(tasklog.NewRegistry(dir)))

	require.NoError(t, o.Send(context.Background(), "query"))

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// run_begin + 7 llm_call + decision + run_end
	assert.Len(t, lines, 10)
	assert.Contains(t, lines[0], `"run_begin"`)
	assert.Contains(t, lines[8], `"low risk"`)
	assert.Contains(t, lines[9], `"completed"`)
}

// fakeModel is an llm.Generator that answers JSON requests with a fixed verdict.
type fakeModel struct {
	verdict string
}

func (f fakeModel) Generate(_ context.Context, _ string, opts llm.Options) (string, error) {
	if opts.Format == llm.FormatJSON {
		return f.verdict, nil
	}
	return "OK", nil
}

func TestSend_WithAgentInvoker(t *testing.T) {
	inv := agents.NewInvoker(fakeModel{verdict: `{"request_human": false}`}, agents.DefaultTemperature, nil)
	o, store := newTestOrchestrator(t, inv)

	require.NoError(t, o.Send(context.Background(), "wheat rust"))

	assert.Equal(t, types.StatusCompleted, o.Session().Memory().Status)
	assert.Len(t, store.List(), 1)
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		human    bool
		fallback bool
	}{
		{"false", `{"request_human": false}`, false, false},
		{"true", `{"request_human": true}`, true, false},
		{"fenced", "```json\n{\"request_human\": false}\n```", false, false},
		{"missing field", `{"logic": "fine"}`, false, false},
		{"empty", "", true, true},
		{"prose", "not json", true, true},
		{"null", "null", true, true},
		{"array", `[true]`, true, true},
		{"string flag", `{"request_human": "no"}`, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, fb := ParseDecision(tc.raw)
			assert.Equal(t, tc.human, d.RequestHuman)
			assert.Equal(t, tc.fallback, fb)
		})
	}
}

func TestParseDecision_OptionalFields(t *testing.T) {
	d, fb := ParseDecision(`{"request_human": false, "next_agent": "weather", "logic": "ok", "terminate": true, "update_memory": {"k": 1}}`)
	require.False(t, fb)
	require.NotNil(t, d.NextAgent)
	assert.Equal(t, "weather", *d.NextAgent)
	assert.Equal(t, "ok", d.Logic)
	require.NotNil(t, d.Terminate)
	assert.True(t, *d.Terminate)
	assert.NotNil(t, d.UpdateMemory)

	d, fb = ParseDecision(`{"request_human": false, "terminate": "soon"}`)
	assert.False(t, fb)
	assert.Nil(t, d.Terminate)

	// mistyped optional fields are dropped, never half-decoded
	d, fb = ParseDecision(`{"request_human": true, "next_agent": 7, "logic": ["x"], "terminate": 1}`)
	assert.False(t, fb)
	assert.True(t, d.RequestHuman)
	assert.Nil(t, d.NextAgent)
	assert.Empty(t, d.Logic)
	assert.Nil(t, d.Terminate)
}
