package types

import "time"

// AgentID identifies one step of the advisory pipeline.
type AgentID string

const (
	AgentSupervisor    AgentID = "supervisor"
	AgentIntake        AgentID = "intake"
	AgentAgronomy      AgentID = "agronomy"
	AgentPestDisease   AgentID = "pest-disease"
	AgentWeather       AgentID = "weather"
	AgentSynthesizer   AgentID = "synthesizer"
	AgentQualityReview AgentID = "quality-review"
)

// Pipeline is the fixed invocation order of a run.
var Pipeline = []AgentID{
	AgentIntake,
	AgentAgronomy,
	AgentPestDisease,
	AgentWeather,
	AgentSynthesizer,
	AgentQualityReview,
	AgentSupervisor,
}

// AnalysisAgents are the specialists consulted between intake and synthesis, in priority order.
var AnalysisAgents = []AgentID{AgentAgronomy, AgentPestDisease, AgentWeather}

// AgentInfo is the display metadata for an agent.
type AgentInfo struct {
	ID   AgentID `json:"id"`
	Name string  `json:"name"`
	Role string  `json:"role"`
	Icon string  `json:"icon"`
}

// Status is the lifecycle state of the shared memory.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusCollecting       Status = "collecting"
	StatusAnalyzing        Status = "analyzing"
	StatusReviewing        Status = "reviewing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// Outcome records how an archived intervention turned out.
type Outcome string

const (
	OutcomeSuccessful   Outcome = "successful"
	OutcomeUnsuccessful Outcome = "unsuccessful"
	OutcomePartial      Outcome = "partial"
)

// FarmerProfile is populated only by interpretation of free text; nothing validates it.
type FarmerProfile struct {
	Location string `json:"location,omitempty"`
	CropType string `json:"cropType,omitempty"`
	FarmSize string `json:"farmSize,omitempty"`
	Season   string `json:"season,omitempty"`
}

// HistoricalRecord is immutable once archived.
type HistoricalRecord struct {
	ID           string    `json:"id"`
	Season       string    `json:"season"`
	CropType     string    `json:"cropType"`
	Issue        string    `json:"issue"`
	Intervention string    `json:"intervention"`
	Outcome      Outcome   `json:"outcome"`
	Notes        string    `json:"notes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Finding is one specialist's contribution to a run.
type Finding struct {
	AgentID   AgentID   `json:"agentId"`
	Finding   string    `json:"finding"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalRecord is one human decision on a gated recommendation.
type ApprovalRecord struct {
	Action   string `json:"action"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// SharedMemory is the context threaded through every agent invocation.
// Steps replace it with an updated copy; see Clone.
type SharedMemory struct {
	FarmerProfile        FarmerProfile      `json:"farmerProfile"`
	ObservedSymptoms     []string           `json:"observedSymptoms"`
	EnvironmentalFactors string             `json:"environmentalFactors"`
	History              []HistoricalRecord `json:"history"`
	IntermediateFindings []Finding          `json:"intermediateFindings"`
	HumanApprovals       []ApprovalRecord   `json:"humanApprovals"`
	FinalRecommendations string             `json:"finalRecommendations,omitempty"`
	Status               Status             `json:"status"`
}

// NewSharedMemory returns an idle memory seeded with history.
func NewSharedMemory(history []HistoricalRecord) SharedMemory {
	return SharedMemory{
		ObservedSymptoms:     []string{},
		History:              append([]HistoricalRecord{}, history...),
		IntermediateFindings: []Finding{},
		HumanApprovals:       []ApprovalRecord{},
		Status:               StatusIdle,
	}
}

// Clone returns a copy that shares no slices with m.
//
// Expectations:
//   - Appending to or overwriting elements of the clone's slices leaves m unchanged
//   - Nil slices in m become empty (non-nil) slices so JSON renders [] not null
func (m SharedMemory) Clone() SharedMemory {
	c := m
	c.ObservedSymptoms = append([]string{}, m.ObservedSymptoms...)
	c.History = append([]HistoricalRecord{}, m.History...)
	c.IntermediateFindings = append([]Finding{}, m.IntermediateFindings...)
	c.HumanApprovals = append([]ApprovalRecord{}, m.HumanApprovals...)
	return c
}

// MessageRole identifies the author of a transcript entry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleAgent     MessageRole = "agent"
)

// Message is one transcript entry. The transcript is append-only.
type Message struct {
	ID                 string      `json:"id"`
	Role               MessageRole `json:"role"`
	AgentID            AgentID     `json:"agentId,omitempty"`
	Content            string      `json:"content"`
	Timestamp          time.Time   `json:"timestamp"`
	IsApprovalRequired bool        `json:"isApprovalRequired,omitempty"`
}

// LogType classifies a workflow log line.
type LogType string

const (
	LogInfo     LogType = "info"
	LogDecision LogType = "decision"
	LogWarning  LogType = "warning"
)

// LogEntry is one line of the workflow observability trail. Nothing reads it for control flow.
type LogEntry struct {
	ID      string  `json:"id"`
	AgentID AgentID `json:"agentId"`
	Text    string  `json:"text"`
	Type    LogType `json:"type"`
}

// WorkflowState tracks the active step and the log trail.
type WorkflowState struct {
	ActiveAgent AgentID    `json:"activeAgent"` // "" when no step is running
	Logs        []LogEntry `json:"logs"`
}

// Decision is the supervisor's structured verdict.
// Only RequestHuman is consumed; the remaining fields are optional and carried for tracing.
type Decision struct {
	RequestHuman bool    `json:"request_human"`
	NextAgent    *string `json:"next_agent,omitempty"`
	Logic        string  `json:"logic,omitempty"`
	Terminate    *bool   `json:"terminate,omitempty"`
	UpdateMemory any     `json:"update_memory,omitempty"`
}

// EventType identifies the payload type of a session event.
type EventType string

const (
	EventMessage     EventType = "message"
	EventLog         EventType = "log"
	EventActiveAgent EventType = "active_agent"
	EventProcessing  EventType = "processing"
	EventMemory      EventType = "memory"
	EventHistory     EventType = "history"
)

// Event is the envelope published to observers after every session change.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
}

// ActiveAgentChange is the payload of EventActiveAgent.
type ActiveAgentChange struct {
	AgentID AgentID `json:"agentId"` // "" when the run finished
}

// ProcessingChange is the payload of EventProcessing.
type ProcessingChange struct {
	Processing bool `json:"processing"`
}

// Snapshot is a deep copy of the whole session state, safe to hand to a renderer.
type Snapshot struct {
	Memory          SharedMemory  `json:"memory"`
	Messages        []Message     `json:"messages"`
	Workflow        WorkflowState `json:"workflow"`
	IsProcessing    bool          `json:"isProcessing"`
	PendingApproval string        `json:"pendingApproval,omitempty"` // message id awaiting a human decision
}

// AuditEvent is written by the auditor once per observed run.
type AuditEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp string    `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Sequence  []AgentID `json:"sequence"`
	Anomaly   string    `json:"anomaly"` // "none" | "sequence_violation"
	Detail    *string   `json:"detail"`
}
