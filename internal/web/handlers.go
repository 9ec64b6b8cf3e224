package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haricheung/agrimind/internal/agents"
)

// SendMessageRequest is the body of POST /api/v1/messages.
type SendMessageRequest struct {
	Query string `json:"query"`
}

// ApprovalRequest is the body of POST /api/v1/approval. Approved is required.
type ApprovalRequest struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"processing": s.orch.Session().Processing(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, agents.List())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Session().Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Session().Memory().History)
}

// handleSendMessage starts a run in the background and answers 202 once the
// query is accepted. Progress arrives on the event stream.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The run outlives this request.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.orch.Start(ctx, req.Query); err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		respondError(w, http.StatusBadRequest, "approved (bool) is required")
		return
	}
	if err := s.orch.ResolveApproval(*req.Approved, req.Reason); err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.orch.Session().Snapshot())
}
