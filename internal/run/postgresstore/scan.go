package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
	"leadflow/internal/run"
)

func insertEvent(ctx context.Context, tx pgx.Tx, r *run.Run, seq int64, evType run.EventType, payload map[string]any) (*run.Event, error) {
	event := &run.Event{
		ID:        id.NewEventID(),
		RunID:     r.ID,
		AgentID:   r.AgentID,
		Seq:       seq,
		Type:      evType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	var payloadJSON []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode event payload: %w", err)
		}
		payloadJSON = encoded
	}

	_, err := tx.Exec(ctx, `
INSERT INTO lf_events (id, run_id, agent_id, seq, type, payload, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, event.ID, event.RunID, event.AgentID, event.Seq, string(event.Type), payloadJSON, event.Timestamp)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func scanRun(row pgx.Row, runID string) (*run.Run, error) {
	r, err := scanRunRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &lferrors.NotFoundError{Kind: "run", ID: runID}
		}
		return nil, err
	}
	return r, nil
}

func scanRunRow(row pgx.Row) (*run.Run, error) {
	var (
		r        run.Run
		status   string
		deadline *time.Time
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.AgentID, &status, &r.Step, &r.Error,
		&deadline, &r.CreatedAt, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	if deadline != nil {
		r.Deadline = *deadline
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func collectEvents(rows pgx.Rows) ([]*run.Event, error) {
	var events []*run.Event
	for rows.Next() {
		var (
			e           run.Event
			evType      string
			payloadJSON []byte
		)
		err := rows.Scan(&e.ID, &e.RunID, &e.AgentID, &e.Seq, &evType, &payloadJSON, &e.Timestamp)
		if err != nil {
			return nil, err
		}
		e.Type = run.EventType(evType)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanProposal(row pgx.Row, proposalID string) (*run.Proposal, error) {
	p, err := scanProposalRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &lferrors.NotFoundError{Kind: "proposal", ID: proposalID}
		}
		return nil, err
	}
	return p, nil
}

func scanProposalRow(row pgx.Row) (*run.Proposal, error) {
	var (
		p          run.Proposal
		status     string
		risksJSON  []byte
		actionJSON []byte
	)
	err := row.Scan(&p.ID, &p.RunID, &p.AgentID, &p.Summary, &risksJSON, &actionJSON,
		&p.Optional, &status, &p.DecidedBy, &p.DecidedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = run.ProposalStatus(status)
	if len(risksJSON) > 0 {
		if err := json.Unmarshal(risksJSON, &p.Risks); err != nil {
			return nil, fmt.Errorf("decode risks: %w", err)
		}
	}
	if len(actionJSON) > 0 {
		if err := json.Unmarshal(actionJSON, &p.Action); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
