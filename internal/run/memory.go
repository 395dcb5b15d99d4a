package run

import (
	"context"
	"sort"
	"sync"
	"time"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore implements Store with map-backed storage. It is the default
// driver; the postgres store carries the same semantics for deployments that
// need durability.
type InMemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	runs      map[string]*Run
	events    map[string][]*Event // runID -> append-ordered events
	proposals map[string]*Proposal
	// recent holds events across runs in append order for dashboard feeds.
	recent    []*Event
	maxRecent int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:     make(map[string]*Task),
		runs:      make(map[string]*Run),
		events:    make(map[string][]*Event),
		proposals: make(map[string]*Proposal),
		maxRecent: 2000,
	}
}

// CreateRun persists the task and its run at QUEUED and appends the initial
// STATUS_CHANGED event.
func (s *InMemoryStore) CreateRun(ctx context.Context, task *Task, agentID string, deadline time.Time) (*Run, *Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taskCopy := *task
	if taskCopy.ID == "" {
		taskCopy.ID = id.NewTaskID()
	}
	if taskCopy.CreatedAt.IsZero() {
		taskCopy.CreatedAt = time.Now()
	}
	s.tasks[taskCopy.ID] = &taskCopy

	now := time.Now()
	r := &Run{
		ID:        id.NewRunID(),
		TaskID:    taskCopy.ID,
		AgentID:   agentID,
		Status:    StatusQueued,
		Deadline:  deadline,
		CreatedAt: now,
	}
	s.runs[r.ID] = r

	event := s.appendLocked(r, EventStatusChanged, map[string]any{
		"to": string(StatusQueued),
	})

	runCopy := *r
	return &runCopy, event, nil
}

// GetRun retrieves a run by ID.
func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.runs[runID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "run", ID: runID}
	}
	runCopy := *r
	return &runCopy, nil
}

// GetTask retrieves a task by ID.
func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "task", ID: taskID}
	}
	taskCopy := *t
	return &taskCopy, nil
}

// ListRuns returns runs newest-first with pagination.
func (s *InMemoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runCopy := *r
		runs = append(runs, &runCopy)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	total := len(runs)
	if offset >= total {
		return []*Run{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return runs[offset:end], total, nil
}

// RunsForTask returns all runs referencing taskID.
func (s *InMemoryStore) RunsForTask(ctx context.Context, taskID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	for _, r := range s.runs {
		if r.TaskID == taskID {
			runCopy := *r
			runs = append(runs, &runCopy)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// Transition applies a compare-and-swap status change and appends the
// STATUS_CHANGED event atomically.
func (s *InMemoryStore) Transition(ctx context.Context, runID string, from, to Status, reason string) (*Run, *Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[runID]
	if !exists {
		return nil, nil, &lferrors.NotFoundError{Kind: "run", ID: runID}
	}
	if r.Status != from || !CanTransition(from, to) {
		return nil, nil, ErrStaleTransition
	}

	payload := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	event := s.appendLocked(r, EventStatusChanged, payload)

	r.Status = to
	now := time.Now()
	switch {
	case to == StatusRunning && r.StartedAt == nil:
		r.StartedAt = &now
	case to.Terminal():
		r.EndedAt = &now
		if to == StatusFailed && reason != "" {
			r.Error = reason
		}
	}

	runCopy := *r
	return &runCopy, event, nil
}

// SetStep updates the free-text progress marker.
func (s *InMemoryStore) SetStep(ctx context.Context, runID, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[runID]
	if !exists {
		return &lferrors.NotFoundError{Kind: "run", ID: runID}
	}
	r.Step = step
	return nil
}

// AppendEvent appends an immutable event to a live run.
func (s *InMemoryStore) AppendEvent(ctx context.Context, runID string, evType EventType, payload map[string]any) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[runID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "run", ID: runID}
	}
	if r.Status.Terminal() {
		return nil, ErrTerminalRun
	}

	return s.appendLocked(r, evType, payload), nil
}

// appendLocked assigns id/seq/timestamp and records the event. Callers hold mu.
func (s *InMemoryStore) appendLocked(r *Run, evType EventType, payload map[string]any) *Event {
	event := &Event{
		ID:        id.NewEventID(),
		RunID:     r.ID,
		AgentID:   r.AgentID,
		Seq:       int64(len(s.events[r.ID])) + 1,
		Type:      evType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	s.events[r.ID] = append(s.events[r.ID], event)

	s.recent = append(s.recent, event)
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[len(s.recent)-s.maxRecent:]
	}
	return event
}

// ListEventsByRun returns events with Seq > sinceSeq in append order.
func (s *InMemoryStore) ListEventsByRun(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.runs[runID]; !exists {
		return nil, &lferrors.NotFoundError{Kind: "run", ID: runID}
	}

	all := s.events[runID]
	events := make([]*Event, 0, len(all))
	for _, e := range all {
		if e.Seq > sinceSeq {
			events = append(events, e)
		}
	}
	return events, nil
}

// ListRecentEvents returns events across all runs newest-first.
func (s *InMemoryStore) ListRecentEvents(ctx context.Context, limit int, agentID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	events := make([]*Event, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(events) < limit; i-- {
		e := s.recent[i]
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// CreateProposal persists a PENDING proposal, enforcing the one-PENDING-per-run
// invariant and that its run is awaiting approval.
func (s *InMemoryStore) CreateProposal(ctx context.Context, proposal *Proposal) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[proposal.RunID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "run", ID: proposal.RunID}
	}
	if r.Status.Terminal() {
		return nil, ErrTerminalRun
	}
	for _, p := range s.proposals {
		if p.RunID == proposal.RunID && p.Status == ProposalPending {
			return nil, ErrPendingProposalExists
		}
	}

	p := *proposal
	if p.ID == "" {
		p.ID = id.NewProposalID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Status = ProposalPending
	s.proposals[p.ID] = &p

	proposalCopy := p
	return &proposalCopy, nil
}

// GetProposal retrieves a proposal by ID.
func (s *InMemoryStore) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.proposals[proposalID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "proposal", ID: proposalID}
	}
	proposalCopy := *p
	return &proposalCopy, nil
}

// ListPendingProposals returns PENDING proposals oldest-first.
func (s *InMemoryStore) ListPendingProposals(ctx context.Context) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*Proposal
	for _, p := range s.proposals {
		if p.Status == ProposalPending {
			proposalCopy := *p
			pending = append(pending, &proposalCopy)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListProposalsByRun returns every proposal for a run oldest-first.
func (s *InMemoryStore) ListProposalsByRun(ctx context.Context, runID string) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proposals []*Proposal
	for _, p := range s.proposals {
		if p.RunID == runID {
			proposalCopy := *p
			proposals = append(proposals, &proposalCopy)
		}
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.Before(proposals[j].CreatedAt)
	})
	return proposals, nil
}

// DecideProposal applies a compare-and-swap PENDING -> decided move.
func (s *InMemoryStore) DecideProposal(ctx context.Context, proposalID string, status ProposalStatus, decidedBy string, editedAction *ActionDescriptor) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !status.Decided() {
		return nil, &lferrors.ValidationError{Field: "status", Reason: "decision must be terminal"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.proposals[proposalID]
	if !exists {
		return nil, &lferrors.NotFoundError{Kind: "proposal", ID: proposalID}
	}
	if p.Status != ProposalPending {
		return nil, &lferrors.AlreadyDecidedError{ProposalID: proposalID, Status: string(p.Status)}
	}

	if editedAction != nil {
		p.Action = *editedAction
	}
	p.Status = status
	p.DecidedBy = decidedBy
	now := time.Now()
	p.DecidedAt = &now

	proposalCopy := *p
	return &proposalCopy, nil
}

// ListExpiredRuns returns non-terminal runs whose deadline passed before now.
func (s *InMemoryStore) ListExpiredRuns(ctx context.Context, now time.Time) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*Run
	for _, r := range s.runs {
		if r.Status.Terminal() || r.Deadline.IsZero() {
			continue
		}
		if r.Deadline.Before(now) {
			runCopy := *r
			expired = append(expired, &runCopy)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired, nil
}
