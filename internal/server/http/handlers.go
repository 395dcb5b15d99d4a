// Package http exposes the orchestration API over HTTP: task submission,
// run inspection, the approval queue, agent configuration, and live event
// streaming.
package http

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	lferrors "leadflow/internal/errors"
	"leadflow/internal/logging"
	"leadflow/internal/orchestrator"
	"leadflow/internal/run"
)

// APIHandler serves the JSON API.
type APIHandler struct {
	orch     *orchestrator.Orchestrator
	gate     *approval.Gate
	registry *agent.Registry
	store    run.Store
	logger   logging.Logger
}

// NewAPIHandler wires the handler.
func NewAPIHandler(orch *orchestrator.Orchestrator, gate *approval.Gate, registry *agent.Registry, store run.Store) *APIHandler {
	return &APIHandler{
		orch:     orch,
		gate:     gate,
		registry: registry,
		store:    store,
		logger:   logging.NewComponentLogger("APIHandler"),
	}
}

type submitTaskRequest struct {
	Type         string         `json:"type" binding:"required"`
	Payload      map[string]any `json:"payload"`
	SubmittedBy  string         `json:"submitted_by"`
	ApprovalMode string         `json:"approval_mode"`
}

// SubmitTask handles POST /api/tasks.
func (h *APIHandler) SubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &lferrors.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	r, err := h.orch.Submit(c.Request.Context(), &run.Task{
		Type:         run.TaskType(req.Type),
		Payload:      req.Payload,
		SubmittedBy:  req.SubmittedBy,
		ApprovalMode: run.ApprovalMode(req.ApprovalMode),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, r)
}

// GetRun handles GET /api/runs/:id.
func (h *APIHandler) GetRun(c *gin.Context) {
	r, err := h.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	proposals, err := h.store.ListProposalsByRun(c.Request.Context(), r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"run": r, "proposals": proposals})
}

// ListRuns handles GET /api/runs.
func (h *APIHandler) ListRuns(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	runs, total, err := h.store.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"runs": runs, "total": total, "limit": limit, "offset": offset})
}

// ListRunEvents handles GET /api/runs/:id/events?since=.
func (h *APIHandler) ListRunEvents(c *gin.Context) {
	since := int64(intQuery(c, "since", 0))

	events, err := h.store.ListEventsByRun(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"events": events, "count": len(events)})
}

// CancelRun handles POST /api/runs/:id/cancel.
func (h *APIHandler) CancelRun(c *gin.Context) {
	requestedBy := c.Query("requested_by")
	if requestedBy == "" {
		requestedBy = "api"
	}

	r, err := h.orch.Cancel(c.Request.Context(), c.Param("id"), requestedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, r)
}

// ListApprovals handles GET /api/approvals.
func (h *APIHandler) ListApprovals(c *gin.Context) {
	queue, err := h.gate.Queue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"approvals": queue, "count": len(queue)})
}

type decisionRequest struct {
	Decision     string                `json:"decision" binding:"required"`
	DecidedBy    string                `json:"decided_by" binding:"required"`
	EditedAction *run.ActionDescriptor `json:"edited_action,omitempty"`
}

// DecideApproval handles POST /api/approvals/:id/decision.
func (h *APIHandler) DecideApproval(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &lferrors.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	proposal, err := h.gate.Decide(c.Request.Context(), c.Param("id"), approval.Decision(req.Decision), req.DecidedBy, req.EditedAction)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, proposal)
}

// ListAgents handles GET /api/agents.
func (h *APIHandler) ListAgents(c *gin.Context) {
	respondOK(c, gin.H{"agents": h.registry.List()})
}

// GetAgent handles GET /api/agents/:id.
func (h *APIHandler) GetAgent(c *gin.Context) {
	a, err := h.registry.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

// UpdateAgent handles PATCH /api/agents/:id.
func (h *APIHandler) UpdateAgent(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, &lferrors.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	a, err := h.registry.Update(c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

// ListRecentEvents handles GET /api/events/recent.
func (h *APIHandler) ListRecentEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	agentID := c.Query("agent")

	events, err := h.store.ListRecentEvents(c.Request.Context(), limit, agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"events": events, "count": len(events)})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return def
	}
	return value
}
