// Package auditor watches the bus tap and checks that every run visits the
// agents in pipeline order. One AuditEvent per finished run is appended to a
// JSONL file.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agrimind/internal/types"
)

const (
	AnomalyNone              = "none"
	AnomalySequenceViolation = "sequence_violation"
)

// Auditor is read-only with respect to the session; it never publishes.
type Auditor struct {
	tap     <-chan types.Event
	logPath string

	mu         sync.Mutex
	out        io.Writer
	sequences  map[string][]types.AgentID // runID -> active agents seen so far
	runs       int
	violations int
}

// New creates an Auditor reading tap and appending to logPath.
func New(tap <-chan types.Event, logPath string) *Auditor {
	return &Auditor{
		tap:       tap,
		logPath:   logPath,
		sequences: make(map[string][]types.AgentID),
	}
}

// Run consumes the tap until ctx is cancelled or the tap is closed.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	defer f.Close()
	a.mu.Lock()
	a.out = f
	a.mu.Unlock()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(ev)
		}
	}
}

// Stats returns the number of audited runs and how many of them violated the pipeline order.
func (a *Auditor) Stats() (runs, violations int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs, a.violations
}

func (a *Auditor) process(ev types.Event) {
	if ev.RunID == "" {
		return
	}
	switch p := ev.Payload.(type) {
	case types.ActiveAgentChange:
		if p.AgentID == "" {
			return
		}
		a.mu.Lock()
		a.sequences[ev.RunID] = append(a.sequences[ev.RunID], p.AgentID)
		a.mu.Unlock()
	case types.ProcessingChange:
		if p.Processing {
			a.mu.Lock()
			a.sequences[ev.RunID] = nil
			a.mu.Unlock()
			return
		}
		a.finish(ev.RunID)
	}
}

func (a *Auditor) finish(runID string) {
	a.mu.Lock()
	seq := a.sequences[runID]
	delete(a.sequences, runID)
	a.mu.Unlock()

	anomaly := AnomalyNone
	var detail *string
	if msg := checkSequence(seq); msg != "" {
		anomaly = AnomalySequenceViolation
		detail = &msg
		log.Printf("[AUDIT] SEQUENCE VIOLATION run=%s: %s", runID, msg)
	}

	a.writeEvent(types.AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
		Sequence:  seq,
		Anomaly:   anomaly,
		Detail:    detail,
	})

	a.mu.Lock()
	a.runs++
	if anomaly != AnomalyNone {
		a.violations++
	}
	a.mu.Unlock()
}

// checkSequence returns "" when seq is a valid run, or a description of the first problem.
// The specialist slots may appear in any order because they can run concurrently.
//
// Expectations:
//   - Accepts types.Pipeline exactly
//   - Accepts any permutation of types.AnalysisAgents in the specialist slots
//   - Rejects short, long, duplicated or misplaced sequences
func checkSequence(seq []types.AgentID) string {
	want := types.Pipeline
	if len(seq) != len(want) {
		return fmt.Sprintf("expected %d agents, saw %d [%s]", len(want), len(seq), joinIDs(seq))
	}
	lo, hi := 1, 1+len(types.AnalysisAgents)
	for i := range want {
		if i >= lo && i < hi {
			continue
		}
		if seq[i] != want[i] {
			return fmt.Sprintf("position %d: expected %s, saw %s", i, want[i], seq[i])
		}
	}
	seen := make(map[types.AgentID]bool, hi-lo)
	for _, id := range seq[lo:hi] {
		if seen[id] {
			return fmt.Sprintf("specialist %s invoked twice", id)
		}
		seen[id] = true
	}
	for _, id := range types.AnalysisAgents {
		if !seen[id] {
			return fmt.Sprintf("specialist %s not invoked", id)
		}
	}
	return ""
}

func joinIDs(ids []types.AgentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " ")
}

func (a *Auditor) writeEvent(e types.AuditEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}
