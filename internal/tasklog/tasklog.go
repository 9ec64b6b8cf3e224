// Package tasklog provides per-run structured logging for the advisory pipeline.
//
// Each run gets one JSONL file in a configurable directory. Events capture every
// key stage: the query, every agent invocation (with the full prompt and
// response), the supervisor decision and the terminal status.
//
// Design constraints:
//   - All RunLog methods are nil-safe (no-op on nil receiver) so the orchestrator
//     does not need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; callers never open files.
//   - The orchestrator opens a log via Registry.Open and closes it via Registry.Close.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haricheung/agrimind/internal/types"
)

// EventKind labels a single structured event in the run log.
type EventKind string

const (
	KindRunBegin EventKind = "run_begin"
	KindRunEnd   EventKind = "run_end"
	KindLLMCall  EventKind = "llm_call"
	KindDecision EventKind = "decision"
)

// Event is one JSONL line in the run log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// run_begin / run_end
	RunID      string      `json:"run_id,omitempty"`
	Query      string      `json:"query,omitempty"`
	Status     string      `json:"status,omitempty"`
	ElapsedMs  int64       `json:"elapsed_ms,omitempty"`
	AgentStats []AgentStat `json:"agent_stats,omitempty"` // run_end only

	// llm_call
	Agent    string `json:"agent,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`

	// decision
	RequestHuman *bool  `json:"request_human,omitempty"` // pointer: false must be serialised
	Logic        string `json:"logic,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"` // true when the supervisor output did not parse
}

// AgentStat summarises model usage for one agent across a run.
type AgentStat struct {
	Agent     string `json:"agent"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type agentStat struct {
	calls     int
	failures  int
	elapsedMs int64
}

// RunLog is a handle for writing structured events for one run.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *RunLog)
//   - Concurrent writes are safe (mutex-protected)
type RunLog struct {
	runID   string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	stats   map[string]*agentStat
}

// Registry maps run IDs to open RunLogs.
// It is the sole authority for creating and closing run log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a run_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same runID
//   - Get returns nil for unknown run IDs
//   - Close writes run_end with status, elapsed_ms and agent stats before flushing
//   - Close removes the runID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when runID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*RunLog
}

// NewRegistry creates a Registry that writes one JSONL file per run under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		logs: make(map[string]*RunLog),
	}
}

// Open creates a new RunLog for runID, writes a run_begin event, and registers it.
// Returns nil (which is safe to use) when the file cannot be created or r is nil.
func (r *Registry) Open(runID, query string) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl, ok := r.logs[runID]; ok {
		return rl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	rl := &RunLog{runID: runID, started: time.Now(), f: f, stats: make(map[string]*agentStat)}
	r.logs[runID] = rl
	rl.write(Event{
		Kind:  KindRunBegin,
		RunID: runID,
		Query: query,
	})
	return rl
}

// Get returns the RunLog for runID, or nil if not found.
func (r *Registry) Get(runID string) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[runID]
}

// Close writes a run_end event, closes the file, and removes the entry from the registry.
// Safe to call on a nil *Registry or unknown runID.
func (r *Registry) Close(runID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	rl, ok := r.logs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, runID)
	r.mu.Unlock()

	rl.write(Event{
		Kind:       KindRunEnd,
		RunID:      runID,
		Status:     status,
		ElapsedMs:  time.Since(rl.started).Milliseconds(),
		AgentStats: rl.AgentStats(),
	})

	rl.mu.Lock()
	if rl.f != nil {
		_ = rl.f.Close()
		rl.f = nil
	}
	rl.mu.Unlock()
}

// LLMCall writes an llm_call event with the full prompt and response.
// callErr is nil on success.
func (rl *RunLog) LLMCall(agent, prompt, response string, callErr error, elapsed time.Duration) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	st := rl.stats[agent]
	if st == nil {
		st = &agentStat{}
		rl.stats[agent] = st
	}
	st.calls++
	st.elapsedMs += elapsed.Milliseconds()
	if callErr != nil {
		st.failures++
	}
	rl.mu.Unlock()

	e := Event{
		Kind:      KindLLMCall,
		Agent:     agent,
		Prompt:    prompt,
		Response:  response,
		ElapsedMs: elapsed.Milliseconds(),
	}
	if callErr != nil {
		e.Error = callErr.Error()
	}
	rl.write(e)
}

// Decision writes the supervisor gate outcome. fallback marks a decision substituted
// because the supervisor output was not a usable JSON object.
func (rl *RunLog) Decision(d types.Decision, fallback bool) {
	if rl == nil {
		return
	}
	rh := d.RequestHuman
	rl.write(Event{
		Kind:         KindDecision,
		RequestHuman: &rh,
		Logic:        d.Logic,
		Fallback:     fallback,
	})
}

// AgentStats returns per-agent usage in pipeline order. Agents that made no calls are omitted.
//
// Expectations:
//   - Returns one entry per agent that called LLMCall, ordered by types.Pipeline
//   - Calls and Failures match the LLMCall invocations for that agent
//   - Returns nil on nil receiver
func (rl *RunLog) AgentStats() []AgentStat {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []AgentStat
	for _, id := range types.Pipeline {
		st, ok := rl.stats[string(id)]
		if !ok {
			continue
		}
		out = append(out, AgentStat{
			Agent:     string(id),
			Calls:     st.calls,
			Failures:  st.failures,
			ElapsedMs: st.elapsedMs,
		})
	}
	return out
}

// write appends one JSON line to the run log file. Adds timestamp, mutex-protected.
func (rl *RunLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(rl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}
