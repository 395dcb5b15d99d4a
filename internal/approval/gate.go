// Package approval is the human-in-the-loop gate: pending proposals queue
// here until a reviewer approves, edits, or rejects them.
package approval

import (
	"context"
	"fmt"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/logging"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

// Decision is a reviewer's verdict on a proposal.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionEdit    Decision = "EDIT"
	DecisionReject  Decision = "REJECT"
)

func (d Decision) proposalStatus() (run.ProposalStatus, bool) {
	switch d {
	case DecisionApprove:
		return run.ProposalApproved, true
	case DecisionEdit:
		return run.ProposalEdited, true
	case DecisionReject:
		return run.ProposalRejected, true
	}
	return "", false
}

// Resumer continues a run after its pending proposal is decided. The
// orchestrator implements it; the gate stays ignorant of run execution.
type Resumer interface {
	ResumeAfterDecision(ctx context.Context, proposal *run.Proposal, decision Decision) error
}

// Gate exposes the approval queue and applies decisions.
type Gate struct {
	store       run.Store
	broadcaster *stream.Broadcaster
	resumer     Resumer
	logger      logging.Logger
}

// NewGate wires the gate. The resumer may be set later via SetResumer to
// break the construction cycle with the orchestrator.
func NewGate(store run.Store, broadcaster *stream.Broadcaster) *Gate {
	return &Gate{
		store:       store,
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("ApprovalGate"),
	}
}

// SetResumer installs the component that resumes runs after a decision.
func (g *Gate) SetResumer(resumer Resumer) {
	g.resumer = resumer
}

// Queue returns all pending proposals oldest-first.
func (g *Gate) Queue(ctx context.Context) ([]*run.Proposal, error) {
	return g.store.ListPendingProposals(ctx)
}

// Decide applies a reviewer decision. Exactly one decision wins; later calls
// for the same proposal return AlreadyDecidedError. The decision is recorded
// as a HUMAN_DECISION event before the run resumes.
func (g *Gate) Decide(ctx context.Context, proposalID string, decision Decision, decidedBy string, editedAction *run.ActionDescriptor) (*run.Proposal, error) {
	status, ok := decision.proposalStatus()
	if !ok {
		return nil, &lferrors.ValidationError{Field: "decision", Reason: "must be one of APPROVE, EDIT, REJECT"}
	}
	if decidedBy == "" {
		return nil, &lferrors.ValidationError{Field: "decided_by", Reason: "required"}
	}
	if decision == DecisionEdit && editedAction == nil {
		return nil, &lferrors.ValidationError{Field: "edited_action", Reason: "required for EDIT decisions"}
	}
	if decision != DecisionEdit {
		editedAction = nil
	}

	proposal, err := g.store.DecideProposal(ctx, proposalID, status, decidedBy, editedAction)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Proposal %s decided %s by %s (run %s)", proposal.ID, decision, decidedBy, proposal.RunID)

	event, err := g.store.AppendEvent(ctx, proposal.RunID, run.EventHumanDecision, map[string]any{
		"proposal_id": proposal.ID,
		"decision":    string(decision),
		"decided_by":  decidedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("record decision for proposal %s: %w", proposal.ID, err)
	}
	g.broadcaster.Publish(event)

	if g.resumer != nil {
		if err := g.resumer.ResumeAfterDecision(ctx, proposal, decision); err != nil {
			return nil, fmt.Errorf("resume run %s: %w", proposal.RunID, err)
		}
	}
	return proposal, nil
}
