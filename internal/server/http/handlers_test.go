package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	"leadflow/internal/crm"
	lferrors "leadflow/internal/errors"
	"leadflow/internal/orchestrator"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

func newTestRouter(t *testing.T) (*gin.Engine, run.Store, *approval.Gate) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := run.NewInMemoryStore()
	registry := agent.NewRegistry(nil)
	leads := crm.NewInMemoryLeadStore()
	applier := crm.NewEffectApplier(leads, crm.NewLogNotifier())
	broadcaster := stream.NewBroadcaster()

	orch := orchestrator.New(store, registry, agent.BuiltinCapabilities(), applier, broadcaster, orchestrator.Options{
		Metrics: orchestrator.MustNewMetrics(prometheus.NewRegistry()),
		Retry:   lferrors.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	gate := approval.NewGate(store, broadcaster)
	gate.SetResumer(orch)

	router := NewRouter(RouterDeps{
		Orchestrator: orch,
		Gate:         gate,
		Registry:     registry,
		Store:        store,
		Broadcaster:  broadcaster,
	})
	return router, store, gate
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	return rec, envelope
}

func waitForRunStatus(t *testing.T, store run.Store, runID string, want run.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if r.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (status %s, error %q)", runID, want, r.Status, r.Error)
}

func TestSubmitTaskEndpoint(t *testing.T) {
	router, store, _ := newTestRouter(t)

	rec, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":         "NURTURE",
		"payload":      map[string]any{"lead_id": "L1"},
		"submitted_by": "user1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, envelope.Success)

	data := envelope.Data.(map[string]any)
	runID := data["run_id"].(string)
	assert.Equal(t, "QUEUED", data["status"])
	assert.Equal(t, "lead-nurturing", data["agent_id"])

	waitForRunStatus(t, store, runID, run.StatusSucceeded)
}

func TestSubmitTaskInvalid(t *testing.T) {
	router, store, _ := newTestRouter(t)

	rec, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":    "NURTURE",
		"payload": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "INVALID_TASK", envelope.Code)
	assert.NotEmpty(t, envelope.Message)

	_, total, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGetRunAndEvents(t *testing.T) {
	router, store, _ := newTestRouter(t)

	_, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":    "NURTURE",
		"payload": map[string]any{"lead_id": "L1"},
	})
	runID := envelope.Data.(map[string]any)["run_id"].(string)
	waitForRunStatus(t, store, runID, run.StatusSucceeded)

	rec, envelope := doJSON(t, router, http.MethodGet, "/api/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runData := envelope.Data.(map[string]any)["run"].(map[string]any)
	assert.Equal(t, "SUCCEEDED", runData["status"])

	rec, envelope = doJSON(t, router, http.MethodGet, "/api/runs/"+runID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := envelope.Data.(map[string]any)["events"].([]any)
	require.NotEmpty(t, events)
	first := events[0].(map[string]any)
	assert.Equal(t, "STATUS_CHANGED", first["type"])
	assert.EqualValues(t, 1, first["seq"])

	// since= filters already-seen events.
	_, envelope = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/runs/%s/events?since=%d", runID, len(events)), nil)
	assert.Empty(t, envelope.Data.(map[string]any)["events"])
}

func TestGetRunNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec, envelope := doJSON(t, router, http.MethodGet, "/api/runs/run-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", envelope.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	router, store, _ := newTestRouter(t)

	_, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":          "NURTURE",
		"payload":       map[string]any{"lead_id": "L1"},
		"approval_mode": "MANUAL",
		"submitted_by":  "user1",
	})
	runID := envelope.Data.(map[string]any)["run_id"].(string)
	waitForRunStatus(t, store, runID, run.StatusAwaitingApproval)

	// The proposal shows up in the queue.
	deadline := time.Now().Add(2 * time.Second)
	var proposalID string
	for time.Now().Before(deadline) {
		_, envelope = doJSON(t, router, http.MethodGet, "/api/approvals", nil)
		approvals := envelope.Data.(map[string]any)["approvals"]
		if list, ok := approvals.([]any); ok && len(list) > 0 {
			proposalID = list[0].(map[string]any)["proposal_id"].(string)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, proposalID, "no proposal appeared in the queue")

	rec, envelope := doJSON(t, router, http.MethodPost, "/api/approvals/"+proposalID+"/decision", map[string]any{
		"decision":   "APPROVE",
		"decided_by": "user1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", envelope.Data.(map[string]any)["status"])

	waitForRunStatus(t, store, runID, run.StatusSucceeded)

	// A second decision conflicts.
	rec, envelope = doJSON(t, router, http.MethodPost, "/api/approvals/"+proposalID+"/decision", map[string]any{
		"decision":   "REJECT",
		"decided_by": "user2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_DECIDED", envelope.Code)
}

func TestAgentEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec, envelope := doJSON(t, router, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := envelope.Data.(map[string]any)["agents"].([]any)
	assert.Len(t, agents, 4)

	rec, envelope = doJSON(t, router, http.MethodPatch, "/api/agents/lead-nurturing", map[string]any{
		"response_tone": "casual",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := envelope.Data.(map[string]any)["config"].(map[string]any)
	assert.Equal(t, "casual", cfg["response_tone"])

	rec, envelope = doJSON(t, router, http.MethodPatch, "/api/agents/lead-nurturing", map[string]any{
		"icon_color": "#f00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/agents/no-such-agent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecentEventsEndpoint(t *testing.T) {
	router, store, _ := newTestRouter(t)

	_, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":    "NURTURE",
		"payload": map[string]any{"lead_id": "L1"},
	})
	runID := envelope.Data.(map[string]any)["run_id"].(string)
	waitForRunStatus(t, store, runID, run.StatusSucceeded)

	rec, envelope := doJSON(t, router, http.MethodGet, "/api/events/recent?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := envelope.Data.(map[string]any)["events"].([]any)
	require.NotEmpty(t, events)
	// Newest first.
	first := events[0].(map[string]any)
	assert.Equal(t, "STATUS_CHANGED", first["type"])

	_, envelope = doJSON(t, router, http.MethodGet, "/api/events/recent?agent=no-such-agent", nil)
	assert.Empty(t, envelope.Data.(map[string]any)["events"])
}

func TestCancelRunEndpoint(t *testing.T) {
	router, store, _ := newTestRouter(t)

	_, envelope := doJSON(t, router, http.MethodPost, "/api/tasks", map[string]any{
		"type":          "NURTURE",
		"payload":       map[string]any{"lead_id": "L1"},
		"approval_mode": "MANUAL",
	})
	runID := envelope.Data.(map[string]any)["run_id"].(string)
	waitForRunStatus(t, store, runID, run.StatusAwaitingApproval)

	rec, envelope := doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/cancel?requested_by=user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FAILED", envelope.Data.(map[string]any)["status"])

	rec, envelope = doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RUN_TERMINAL", envelope.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSSEUnknownRunReturnsJSONNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec, envelope := doJSON(t, router, http.MethodGet, "/api/sse?run_id=run-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", envelope.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
