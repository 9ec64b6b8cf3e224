// Package session owns the live state of one advisory conversation: shared
// memory, transcript, workflow trail, processing flag and pending approval.
// Every mutation goes through a Session method and is published to the bus;
// hosts only observe.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agrimind/internal/bus"
	"github.com/haricheung/agrimind/internal/history"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/types"
)

// ErrBusy is returned by Begin and BeginResolve while a run or an approval
// decision is in flight.
var ErrBusy = errors.New("session: a run is already in progress")

// ErrNoPending is returned by BeginResolve when no recommendation awaits approval.
var ErrNoPending = errors.New("session: no recommendation is awaiting approval")

// Session is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	memory   types.SharedMemory
	messages []types.Message
	workflow types.WorkflowState

	processing bool
	pending    string // id of the agent message awaiting approval
	runID      string

	store   history.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an idle session whose memory history is loaded from store.
// b and m may be nil.
func New(store history.Store, b *bus.Bus, m *metrics.Metrics) *Session {
	return &Session{
		memory:   types.NewSharedMemory(store.List()),
		messages: []types.Message{},
		workflow: types.WorkflowState{Logs: []types.LogEntry{}},
		store:    store,
		bus:      b,
		metrics:  m,
		now:      time.Now,
	}
}

// Snapshot returns a deep copy of the whole state.
func (s *Session) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Snapshot{
		Memory:   s.memory.Clone(),
		Messages: append([]types.Message{}, s.messages...),
		Workflow: types.WorkflowState{
			ActiveAgent: s.workflow.ActiveAgent,
			Logs:        append([]types.LogEntry{}, s.workflow.Logs...),
		},
		IsProcessing:    s.processing,
		PendingApproval: s.pending,
	}
}

// Memory returns a copy of the shared memory.
func (s *Session) Memory() types.SharedMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Clone()
}

// Processing reports whether a run is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Begin marks a run as started. It fails with ErrBusy when a run is already in
// flight; the check and the flag update are one atomic step. Starting a run
// discards any unresolved pending approval.
func (s *Session) Begin(runID string) error {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.processing = true
	s.pending = ""
	s.runID = runID
	s.memory.Status = types.StatusCollecting
	mem := s.memory.Clone()
	s.mu.Unlock()

	s.publish(types.EventProcessing, types.ProcessingChange{Processing: true})
	s.publish(types.EventMemory, mem)
	return nil
}

// Finish clears the active agent and the processing flag.
func (s *Session) Finish() {
	s.SetActive("")
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
	s.publish(types.EventProcessing, types.ProcessingChange{Processing: false})
	s.mu.Lock()
	s.runID = ""
	s.mu.Unlock()
}

// SetActive points the workflow at agent ("" clears it).
func (s *Session) SetActive(agent types.AgentID) {
	s.mu.Lock()
	s.workflow.ActiveAgent = agent
	s.mu.Unlock()
	s.publish(types.EventActiveAgent, types.ActiveAgentChange{AgentID: agent})
}

// AddLog appends a workflow log entry.
func (s *Session) AddLog(agent types.AgentID, text string, typ types.LogType) types.LogEntry {
	entry := types.LogEntry{ID: uuid.NewString(), AgentID: agent, Text: text, Type: typ}
	s.mu.Lock()
	s.workflow.Logs = append(s.workflow.Logs, entry)
	s.mu.Unlock()
	s.publish(types.EventLog, entry)
	return entry
}

// AddMessage appends a transcript entry.
func (s *Session) AddMessage(role types.MessageRole, content string, agent types.AgentID, approvalRequired bool) types.Message {
	msg := types.Message{
		ID:                 uuid.NewString(),
		Role:               role,
		AgentID:            agent,
		Content:            content,
		Timestamp:          s.now(),
		IsApprovalRequired: approvalRequired,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.publish(types.EventMessage, msg)
	return msg
}

// ReplaceMemory installs mem as the new shared memory. History is owned by the
// archive and is kept from the live state, so a stale working copy cannot drop
// a record archived meanwhile.
func (s *Session) ReplaceMemory(mem types.SharedMemory) {
	s.mu.Lock()
	next := mem.Clone()
	next.History = s.memory.History
	s.memory = next
	out := s.memory.Clone()
	s.mu.Unlock()
	s.publish(types.EventMemory, out)
}

// SetStatus updates only the memory status.
func (s *Session) SetStatus(status types.Status) {
	s.mu.Lock()
	s.memory.Status = status
	out := s.memory.Clone()
	s.mu.Unlock()
	s.publish(types.EventMemory, out)
}

// SetPending records msgID as the message awaiting a human decision.
func (s *Session) SetPending(msgID string) {
	s.mu.Lock()
	s.pending = msgID
	s.mu.Unlock()
}

// BeginResolve claims the busy guard for an approval decision and takes the
// pending message id, in one step. Until EndResolve, Begin fails with ErrBusy.
// No processing event is published: resolving is not a pipeline run.
func (s *Session) BeginResolve() (msgID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return "", ErrBusy
	}
	if s.pending == "" {
		return "", ErrNoPending
	}
	msgID, s.pending = s.pending, ""
	s.processing = true
	return msgID, nil
}

// EndResolve releases the guard taken by BeginResolve.
func (s *Session) EndResolve() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// LastAgentMessage returns the most recent agent-authored transcript entry.
func (s *Session) LastAgentMessage() (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == types.RoleAgent {
			return s.messages[i], true
		}
	}
	return types.Message{}, false
}

// RecordApproval appends a human decision to memory.
func (s *Session) RecordApproval(rec types.ApprovalRecord) {
	s.mu.Lock()
	s.memory.HumanApprovals = append(s.memory.HumanApprovals, rec)
	out := s.memory.Clone()
	s.mu.Unlock()
	s.publish(types.EventMemory, out)
}

// Archive converts content into a HistoricalRecord built from the current memory
// and inserts it at the front of history.
func (s *Session) Archive(content string, outcome types.Outcome) (types.HistoricalRecord, error) {
	s.mu.Lock()
	rec := BuildRecord(s.memory, content, outcome, s.now())
	s.mu.Unlock()

	if err := s.store.Prepend(rec); err != nil {
		return types.HistoricalRecord{}, fmt.Errorf("session: archive: %w", err)
	}
	s.mu.Lock()
	s.memory.History = append([]types.HistoricalRecord{rec}, s.memory.History...)
	s.mu.Unlock()
	s.metrics.ObserveArchive()
	s.publish(types.EventHistory, rec)
	return rec, nil
}

func (s *Session) publish(t types.EventType, payload any) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()
	s.bus.Publish(types.Event{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		RunID:     runID,
		Type:      t,
		Payload:   payload,
	})
}
