package orchestrator

import (
	"fmt"
	"log"

	"github.com/haricheung/agrimind/internal/session"
	"github.com/haricheung/agrimind/internal/types"
)

// ErrNoPendingApproval is returned by ResolveApproval when no recommendation is
// waiting for a human decision.
var ErrNoPendingApproval = session.ErrNoPending

const (
	approvedReply = "Approved. Proceed with recommendation."
	deniedReply   = "Denied. Revise plan."
	approvedNote  = "Human override confirmed. Recommendation archived in historical records."
	deniedNote    = "Recommendation halted. Adjusting MAS focus based on human refusal."
)

// ResolveApproval applies the human decision to the pending recommendation.
//
// Expectations:
//   - Returns session.ErrBusy while a run is in flight
//   - Holds the session busy guard, so a run cannot start until the decision is applied
//   - Returns ErrNoPendingApproval when nothing is pending; the transcript is untouched
//   - Approve: user reply, confirmation note, the latest agent message archived as successful, disclaimer
//   - Deny: user reply and halt note only; history is unchanged
//   - Both record a humanApprovals entry and leave status completed
func (o *Orchestrator) ResolveApproval(approved bool, reason string) error {
	if _, err := o.sess.BeginResolve(); err != nil {
		return err
	}
	defer o.sess.EndResolve()

	var err error
	if approved {
		o.sess.AddMessage(types.RoleUser, approvedReply, "", false)
		o.sess.AddMessage(types.RoleSystem, approvedNote, "", false)
		if msg, ok := o.sess.LastAgentMessage(); ok {
			if _, aerr := o.sess.Archive(msg.Content, types.OutcomeSuccessful); aerr != nil {
				err = fmt.Errorf("orchestrator: approve: %w", aerr)
			}
		}
		o.sess.AddMessage(types.RoleSystem, Disclaimer, "", false)
	} else {
		o.sess.AddMessage(types.RoleUser, deniedReply, "", false)
		o.sess.AddMessage(types.RoleSystem, deniedNote, "", false)
	}

	o.sess.RecordApproval(types.ApprovalRecord{Action: "final_recommendation", Approved: approved, Reason: reason})
	o.metrics.ObserveApproval(approved)
	if err != nil {
		log.Printf("[ORCH] ERROR: %v", err)
		o.sess.SetStatus(types.StatusError)
		return err
	}
	o.sess.SetStatus(types.StatusCompleted)
	log.Printf("[ORCH] approval resolved approved=%v", approved)
	return nil
}
