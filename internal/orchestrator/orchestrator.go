// Package orchestrator runs the fixed advisory pipeline over a session:
// intake, specialist analysis, synthesis, quality review and the supervisor
// gate, followed by auto-archive or a pending human approval.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/agrimind/internal/agents"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/session"
	"github.com/haricheung/agrimind/internal/tasklog"
	"github.com/haricheung/agrimind/internal/types"
)

// Disclaimer is appended after every finalized recommendation.
const Disclaimer = "**Disclaimer**: This system provides advisory information only. It does not replace professional agronomists. Local conditions may affect outcomes. Consult local experts before implementing high-risk treatments."

// ErrEmptyQuery is returned for blank input.
var ErrEmptyQuery = errors.New("orchestrator: query is empty")

// Invoker performs one agent invocation.
type Invoker interface {
	Invoke(ctx context.Context, agentID types.AgentID, mem types.SharedMemory, userInput string) agents.Result
}

// Orchestrator drives runs and approval decisions for one session.
type Orchestrator struct {
	sess     *session.Session
	invoker  Invoker
	logs     *tasklog.Registry
	metrics  *metrics.Metrics
	parallel bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunLogs writes one JSONL trace per run.
func WithRunLogs(r *tasklog.Registry) Option {
	return func(o *Orchestrator) { o.logs = r }
}

// WithMetrics records run and approval counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithParallelAnalysis runs the three specialist calls concurrently.
// Findings keep the fixed agent order either way.
func WithParallelAnalysis(enabled bool) Option {
	return func(o *Orchestrator) { o.parallel = enabled }
}

// New creates an Orchestrator.
func New(sess *session.Session, invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{sess: sess, invoker: invoker}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns the session the orchestrator drives.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// Send appends the user's query to the transcript and runs the pipeline to completion.
// Returns ErrEmptyQuery for blank input and session.ErrBusy while another run is in flight.
func (o *Orchestrator) Send(ctx context.Context, query string) error {
	runID, err := o.begin(query)
	if err != nil {
		return err
	}
	o.sess.AddMessage(types.RoleUser, query, "", false)
	o.execute(ctx, runID, query)
	return nil
}

// Start is Send with the pipeline running in a new goroutine. The busy check and
// the user message happen before Start returns; done (if non-nil) is closed when
// the run finishes.
func (o *Orchestrator) Start(ctx context.Context, query string) (done <-chan struct{}, err error) {
	runID, err := o.begin(query)
	if err != nil {
		return nil, err
	}
	o.sess.AddMessage(types.RoleUser, query, "", false)
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		o.execute(ctx, runID, query)
	}()
	return ch, nil
}

// Run executes the pipeline for query without adding a user message.
func (o *Orchestrator) Run(ctx context.Context, query string) error {
	runID, err := o.begin(query)
	if err != nil {
		return err
	}
	o.execute(ctx, runID, query)
	return nil
}

func (o *Orchestrator) begin(query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrEmptyQuery
	}
	runID := uuid.NewString()
	if err := o.sess.Begin(runID); err != nil {
		return "", err
	}
	return runID, nil
}

// run carries the per-run bookkeeping shared by every step.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	log    *tasklog.RunLog
	mu     sync.Mutex
	failed bool
}

// step announces agent, invokes it and records the call. A failed call is
// logged as a warning and merged as empty text.
func (r *run) step(agent types.AgentID, intent string, mem types.SharedMemory, input string) string {
	r.o.sess.SetActive(agent)
	r.o.sess.AddLog(agent, intent, types.LogInfo)
	res := r.o.invoker.Invoke(r.ctx, agent, mem, input)
	r.log.LLMCall(string(agent), res.Prompt, res.Text, res.Err, res.Elapsed)
	if res.Failed() {
		r.mu.Lock()
		r.failed = true
		r.mu.Unlock()
		r.o.sess.AddLog(agent, fmt.Sprintf("Model call failed: %v", res.Err), types.LogWarning)
	}
	return res.Text
}

func (r *run) anyFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (o *Orchestrator) execute(ctx context.Context, runID, query string) {
	started := time.Now()
	r := &run{o: o, ctx: ctx, log: o.logs.Open(runID, query)}
	log.Printf("[ORCH] run=%s started", runID)

	defer func() {
		status := o.sess.Memory().Status
		o.logs.Close(runID, string(status))
		o.sess.Finish()
		log.Printf("[ORCH] run=%s finished status=%s elapsed=%v", runID, status, time.Since(started).Round(time.Millisecond))
	}()

	mem := o.sess.Memory()

	// 1. Intake
	intake := r.step(types.AgentIntake, "Processing user input and cross-referencing with historical module...", mem, query)
	mem.EnvironmentalFactors = intake
	mem.Status = types.StatusAnalyzing
	o.sess.ReplaceMemory(mem)

	// 2. Specialist analysis
	mem.IntermediateFindings = o.analyze(r, mem)
	o.sess.ReplaceMemory(mem)

	// 3. Synthesis
	synthesis := r.step(types.AgentSynthesizer, "Synthesizing recommendations with a preference for historically successful methods...", mem, "")

	// 4. Quality review
	mem.Status = types.StatusReviewing
	o.sess.ReplaceMemory(mem)
	review := r.step(types.AgentQualityReview, "Ensuring recommendations avoid previous historical failure points...", mem, "")

	// 5. Supervisor gate
	gated := mem.Clone()
	gated.FinalRecommendations = fmt.Sprintf("%s\n\n### Review Findings:\n%s", synthesis, review)
	raw := r.step(types.AgentSupervisor, "Final verification. Integrating historical insights with modern risk analysis.", gated, "")
	decision, fallback := ParseDecision(raw)
	r.log.Decision(decision, fallback)
	if fallback {
		log.Printf("[ORCH] run=%s supervisor output unusable; requiring human approval", runID)
	}

	// 6. Terminal branch
	final, outcome := types.StatusCompleted, "archived"
	if decision.RequestHuman {
		o.sess.AddLog(types.AgentSupervisor, "DANGER: High-risk treatments or significant historical conflicts detected.", types.LogWarning)
		msg := o.sess.AddMessage(types.RoleAgent, synthesis, types.AgentSynthesizer, true)
		o.sess.SetPending(msg.ID)
		final = types.StatusAwaitingApproval
		outcome = "approval_requested"
	} else {
		o.sess.AddMessage(types.RoleAgent, synthesis, types.AgentSynthesizer, false)
		o.sess.AddMessage(types.RoleSystem, Disclaimer, "", false)
		if _, err := o.sess.Archive(synthesis, types.OutcomeSuccessful); err != nil {
			log.Printf("[ORCH] run=%s ERROR: %v", runID, err)
			r.mu.Lock()
			r.failed = true
			r.mu.Unlock()
		}
	}
	if r.anyFailed() {
		final = types.StatusError
		outcome = "error"
	}
	o.metrics.ObserveRun(outcome)
	o.sess.SetStatus(final)
}

// analyze consults the specialists and returns one finding per agent in fixed order.
func (o *Orchestrator) analyze(r *run, mem types.SharedMemory) []types.Finding {
	findings := make([]types.Finding, len(types.AnalysisAgents))
	consult := func(i int, agent types.AgentID) {
		text := r.step(agent, fmt.Sprintf("Analyzing %s factors based on current state and historical trends...", agent), mem, "")
		findings[i] = types.Finding{AgentID: agent, Finding: text, Timestamp: time.Now()}
	}

	if !o.parallel {
		for i, agent := range types.AnalysisAgents {
			consult(i, agent)
		}
		return findings
	}

	var g errgroup.Group
	for i, agent := range types.AnalysisAgents {
		g.Go(func() error {
			consult(i, agent)
			return nil
		})
	}
	_ = g.Wait()
	return findings
}
