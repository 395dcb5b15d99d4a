// Package postgresstore implements run.Store on PostgreSQL. Run transitions
// and proposal decisions use conditional updates so concurrent writers
// linearize exactly as the in-memory store does.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
	"leadflow/internal/logging"
	"leadflow/internal/run"
)

var _ run.Store = (*Store)(nil)

// Store is a Postgres-backed run store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed run store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("RunPostgresStore"),
	}
}

// EnsureSchema creates the orchestration tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store not initialized")
	}

	query := `
CREATE TABLE IF NOT EXISTS lf_tasks (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    submitted_by TEXT NOT NULL DEFAULT '',
    approval_mode TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS lf_runs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES lf_tasks(id),
    agent_id TEXT NOT NULL,
    status TEXT NOT NULL,
    step TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    deadline TIMESTAMPTZ,
    last_seq BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_lf_runs_task_id ON lf_runs (task_id);
CREATE INDEX IF NOT EXISTS idx_lf_runs_created_at ON lf_runs (created_at DESC);
CREATE TABLE IF NOT EXISTS lf_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES lf_runs(id),
    agent_id TEXT NOT NULL DEFAULT '',
    seq BIGINT NOT NULL,
    type TEXT NOT NULL,
    payload JSONB,
    at TIMESTAMPTZ NOT NULL,
    UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_lf_events_at ON lf_events (at DESC);
CREATE TABLE IF NOT EXISTS lf_proposals (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES lf_runs(id),
    agent_id TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    risks JSONB NOT NULL DEFAULT '[]'::jsonb,
    action JSONB NOT NULL DEFAULT '{}'::jsonb,
    optional BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL,
    decided_by TEXT NOT NULL DEFAULT '',
    decided_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_lf_proposals_one_pending
    ON lf_proposals (run_id) WHERE status = 'PENDING';
`

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}
	s.logger.Info("Run store schema ensured")
	return nil
}

// CreateRun persists the task and run and the initial STATUS_CHANGED event in
// one transaction.
func (s *Store) CreateRun(ctx context.Context, task *run.Task, agentID string, deadline time.Time) (*run.Run, *run.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s == nil || s.pool == nil {
		return nil, nil, fmt.Errorf("run store not initialized")
	}

	taskCopy := *task
	if taskCopy.ID == "" {
		taskCopy.ID = id.NewTaskID()
	}
	if taskCopy.CreatedAt.IsZero() {
		taskCopy.CreatedAt = time.Now()
	}

	payloadJSON, err := json.Marshal(taskCopy.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode task payload: %w", err)
	}

	now := time.Now()
	r := &run.Run{
		ID:        id.NewRunID(),
		TaskID:    taskCopy.ID,
		AgentID:   agentID,
		Status:    run.StatusQueued,
		Deadline:  deadline,
		CreatedAt: now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO lf_tasks (id, type, payload, submitted_by, approval_mode, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, taskCopy.ID, string(taskCopy.Type), payloadJSON, taskCopy.SubmittedBy, string(taskCopy.ApprovalMode), taskCopy.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	var deadlineValue any
	if !deadline.IsZero() {
		deadlineValue = deadline
	}
	_, err = tx.Exec(ctx, `
INSERT INTO lf_runs (id, task_id, agent_id, status, deadline, last_seq, created_at)
VALUES ($1, $2, $3, $4, $5, 1, $6)
`, r.ID, r.TaskID, r.AgentID, string(r.Status), deadlineValue, r.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	event, err := insertEvent(ctx, tx, r, 1, run.EventStatusChanged, map[string]any{
		"to": string(run.StatusQueued),
	})
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return r, event, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	return scanRun(s.pool.QueryRow(ctx, `
SELECT id, task_id, agent_id, status, step, error, deadline, created_at, started_at, ended_at
FROM lf_runs WHERE id = $1
`, runID), runID)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*run.Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	var (
		t           run.Task
		taskType    string
		payloadJSON []byte
		mode        string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, type, payload, submitted_by, approval_mode, created_at
FROM lf_tasks WHERE id = $1
`, taskID).Scan(&t.ID, &taskType, &payloadJSON, &t.SubmittedBy, &mode, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &lferrors.NotFoundError{Kind: "task", ID: taskID}
		}
		return nil, err
	}
	t.Type = run.TaskType(taskType)
	t.ApprovalMode = run.ApprovalMode(mode)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
	}
	return &t, nil
}

// ListRuns returns runs newest-first with pagination.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*run.Run, int, error) {
	if s == nil || s.pool == nil {
		return nil, 0, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lf_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, agent_id, status, step, error, deadline, created_at, started_at, ended_at
FROM lf_runs
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// RunsForTask returns all runs referencing taskID oldest-first.
func (s *Store) RunsForTask(ctx context.Context, taskID string) ([]*run.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, agent_id, status, step, error, deadline, created_at, started_at, ended_at
FROM lf_runs WHERE task_id = $1
ORDER BY created_at ASC
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Transition applies a conditional status update and appends the
// STATUS_CHANGED event in one transaction. The WHERE status = from clause is
// the compare-and-swap; zero rows updated means another writer won.
func (s *Store) Transition(ctx context.Context, runID string, from, to run.Status, reason string) (*run.Run, *run.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s == nil || s.pool == nil {
		return nil, nil, fmt.Errorf("run store not initialized")
	}
	if !run.CanTransition(from, to) {
		return nil, nil, run.ErrStaleTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	errText := ""
	if to == run.StatusFailed {
		errText = reason
	}

	var seq int64
	var agentID string
	err = tx.QueryRow(ctx, `
UPDATE lf_runs
SET status = $1,
    error = CASE WHEN $2 <> '' THEN $2 ELSE error END,
    started_at = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN $3 ELSE started_at END,
    ended_at = CASE WHEN $1 IN ('SUCCEEDED', 'FAILED') THEN $3 ELSE ended_at END,
    last_seq = last_seq + 1
WHERE id = $4 AND status = $5
RETURNING last_seq, agent_id
`, string(to), errText, now, runID, string(from)).Scan(&seq, &agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing run from a lost race.
			if _, getErr := s.GetRun(ctx, runID); lferrors.IsNotFound(getErr) {
				return nil, nil, getErr
			}
			return nil, nil, run.ErrStaleTransition
		}
		return nil, nil, err
	}

	payload := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	event, err := insertEvent(ctx, tx, &run.Run{ID: runID, AgentID: agentID}, seq, run.EventStatusChanged, payload)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	updated, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return updated, event, nil
}

// SetStep updates the free-text progress marker.
func (s *Store) SetStep(ctx context.Context, runID, step string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store not initialized")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE lf_runs SET step = $1 WHERE id = $2`, step, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &lferrors.NotFoundError{Kind: "run", ID: runID}
	}
	return nil
}

// AppendEvent appends an immutable event to a live run.
func (s *Store) AppendEvent(ctx context.Context, runID string, evType run.EventType, payload map[string]any) (*run.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	var agentID string
	err = tx.QueryRow(ctx, `
UPDATE lf_runs SET last_seq = last_seq + 1
WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED')
RETURNING last_seq, agent_id
`, runID).Scan(&seq, &agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetRun(ctx, runID); lferrors.IsNotFound(getErr) {
				return nil, getErr
			}
			return nil, run.ErrTerminalRun
		}
		return nil, err
	}

	event, err := insertEvent(ctx, tx, &run.Run{ID: runID, AgentID: agentID}, seq, evType, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return event, nil
}

// ListEventsByRun returns events with Seq > sinceSeq in append order.
func (s *Store) ListEventsByRun(ctx context.Context, runID string, sinceSeq int64) ([]*run.Event, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, run_id, agent_id, seq, type, payload, at
FROM lf_events
WHERE run_id = $1 AND seq > $2
ORDER BY seq ASC
`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRecentEvents returns events across all runs newest-first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int, agentID string) ([]*run.Event, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, run_id, agent_id, seq, type, payload, at
FROM lf_events
`
	args := []any{limit}
	if agentID != "" {
		query += `WHERE agent_id = $2
`
		args = append(args, agentID)
	}
	query += `ORDER BY at DESC, seq DESC
LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CreateProposal persists a PENDING proposal. The partial unique index on
// (run_id) WHERE status = 'PENDING' enforces the single-pending invariant.
func (s *Store) CreateProposal(ctx context.Context, proposal *run.Proposal) (*run.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	r, err := s.GetRun(ctx, proposal.RunID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, run.ErrTerminalRun
	}

	p := *proposal
	if p.ID == "" {
		p.ID = id.NewProposalID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Status = run.ProposalPending

	risksJSON, err := json.Marshal(risksOrEmpty(p.Risks))
	if err != nil {
		return nil, fmt.Errorf("encode risks: %w", err)
	}
	actionJSON, err := json.Marshal(p.Action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO lf_proposals (id, run_id, agent_id, summary, risks, action, optional, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, p.ID, p.RunID, p.AgentID, p.Summary, risksJSON, actionJSON, p.Optional, string(p.Status), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, run.ErrPendingProposalExists
		}
		return nil, err
	}
	return &p, nil
}

// GetProposal retrieves a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, proposalID string) (*run.Proposal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	return scanProposal(s.pool.QueryRow(ctx, `
SELECT id, run_id, agent_id, summary, risks, action, optional, status, decided_by, decided_at, created_at
FROM lf_proposals WHERE id = $1
`, proposalID), proposalID)
}

// ListPendingProposals returns PENDING proposals oldest-first.
func (s *Store) ListPendingProposals(ctx context.Context) ([]*run.Proposal, error) {
	return s.listProposals(ctx, `
SELECT id, run_id, agent_id, summary, risks, action, optional, status, decided_by, decided_at, created_at
FROM lf_proposals WHERE status = 'PENDING'
ORDER BY created_at ASC, id ASC
`)
}

// ListProposalsByRun returns every proposal for a run oldest-first.
func (s *Store) ListProposalsByRun(ctx context.Context, runID string) ([]*run.Proposal, error) {
	return s.listProposals(ctx, `
SELECT id, run_id, agent_id, summary, risks, action, optional, status, decided_by, decided_at, created_at
FROM lf_proposals WHERE run_id = $1
ORDER BY created_at ASC, id ASC
`, runID)
}

// DecideProposal applies a conditional PENDING -> decided update.
func (s *Store) DecideProposal(ctx context.Context, proposalID string, status run.ProposalStatus, decidedBy string, editedAction *run.ActionDescriptor) (*run.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if !status.Decided() {
		return nil, &lferrors.ValidationError{Field: "status", Reason: "decision must be terminal"}
	}

	var actionJSON []byte
	if editedAction != nil {
		encoded, err := json.Marshal(editedAction)
		if err != nil {
			return nil, fmt.Errorf("encode edited action: %w", err)
		}
		actionJSON = encoded
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE lf_proposals
SET status = $1,
    decided_by = $2,
    decided_at = $3,
    action = COALESCE($4, action)
WHERE id = $5 AND status = 'PENDING'
`, string(status), decidedBy, time.Now(), actionJSON, proposalID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := s.GetProposal(ctx, proposalID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &lferrors.AlreadyDecidedError{ProposalID: proposalID, Status: string(existing.Status)}
	}
	return s.GetProposal(ctx, proposalID)
}

// ListExpiredRuns returns non-terminal runs whose deadline passed before now.
func (s *Store) ListExpiredRuns(ctx context.Context, now time.Time) ([]*run.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, agent_id, status, step, error, deadline, created_at, started_at, ended_at
FROM lf_runs
WHERE status NOT IN ('SUCCEEDED', 'FAILED')
  AND deadline IS NOT NULL
  AND deadline < $1
ORDER BY created_at ASC
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *Store) listProposals(ctx context.Context, query string, args ...any) ([]*run.Proposal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []*run.Proposal
	for rows.Next() {
		p, err := scanProposalRow(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return proposals, nil
}

func risksOrEmpty(risks []string) []string {
	if risks == nil {
		return []string{}
	}
	return risks
}
