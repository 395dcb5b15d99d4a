package run

import (
	"context"
	"errors"
	"time"
)

// ErrStaleTransition is returned when a compare-and-swap transition loses to a
// concurrent writer or requests a move the state machine forbids.
var ErrStaleTransition = errors.New("stale run transition")

// ErrTerminalRun is returned when appending to a run whose event list is
// already sealed by a terminal status.
var ErrTerminalRun = errors.New("run is terminal")

// ErrPendingProposalExists is returned when a second proposal tries to go
// PENDING on a run that already has one.
var ErrPendingProposalExists = errors.New("run already has a pending proposal")

// Store persists tasks, runs, events and proposals. Implementations must
// support concurrent readers and apply run transitions and proposal decisions
// atomically so exactly one concurrent writer wins.
type Store interface {
	// CreateRun persists the task and its run at QUEUED and appends the
	// initial STATUS_CHANGED event in the same atomic step.
	CreateRun(ctx context.Context, task *Task, agentID string, deadline time.Time) (*Run, *Event, error)

	GetRun(ctx context.Context, runID string) (*Run, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListRuns returns runs newest-first with pagination.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)

	// RunsForTask returns all runs referencing taskID.
	RunsForTask(ctx context.Context, taskID string) ([]*Run, error)

	// Transition applies a compare-and-swap status change and appends the
	// STATUS_CHANGED event atomically. Losers get ErrStaleTransition.
	Transition(ctx context.Context, runID string, from, to Status, reason string) (*Run, *Event, error)

	// SetStep updates the free-text progress marker.
	SetStep(ctx context.Context, runID, step string) error

	// AppendEvent appends an immutable event, assigning id, per-run sequence
	// and timestamp. Fails with ErrTerminalRun once the run has terminated.
	AppendEvent(ctx context.Context, runID string, evType EventType, payload map[string]any) (*Event, error)

	// ListEventsByRun returns events with Seq > sinceSeq in append order.
	ListEventsByRun(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error)

	// ListRecentEvents returns events across all runs newest-first, optionally
	// filtered by agent.
	ListRecentEvents(ctx context.Context, limit int, agentID string) ([]*Event, error)

	// CreateProposal persists a PENDING proposal. A run may hold at most one
	// PENDING proposal; violations fail with ErrPendingProposalExists.
	CreateProposal(ctx context.Context, proposal *Proposal) (*Proposal, error)

	GetProposal(ctx context.Context, proposalID string) (*Proposal, error)

	// ListPendingProposals returns PENDING proposals oldest-first.
	ListPendingProposals(ctx context.Context) ([]*Proposal, error)

	ListProposalsByRun(ctx context.Context, runID string) ([]*Proposal, error)

	// DecideProposal applies a compare-and-swap PENDING -> decided move and
	// optionally replaces the action (EDIT). Losers get AlreadyDecidedError.
	DecideProposal(ctx context.Context, proposalID string, status ProposalStatus, decidedBy string, editedAction *ActionDescriptor) (*Proposal, error)

	// ListExpiredRuns returns non-terminal runs whose deadline passed before now.
	ListExpiredRuns(ctx context.Context, now time.Time) ([]*Run, error)
}
