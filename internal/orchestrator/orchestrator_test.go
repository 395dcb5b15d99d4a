package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	"leadflow/internal/crm"
	lferrors "leadflow/internal/errors"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

type testEnv struct {
	orch        *Orchestrator
	gate        *approval.Gate
	store       *run.InMemoryStore
	registry    *agent.Registry
	leads       *crm.InMemoryLeadStore
	notifier    *crm.LogNotifier
	applier     *crm.EffectApplier
	broadcaster *stream.Broadcaster
}

func newTestEnv(t *testing.T, opts Options, caps agent.Capabilities) *testEnv {
	t.Helper()

	store := run.NewInMemoryStore()
	registry := agent.NewRegistry(nil)
	leads := crm.NewInMemoryLeadStore()
	notifier := crm.NewLogNotifier()
	applier := crm.NewEffectApplier(leads, notifier)
	broadcaster := stream.NewBroadcaster()

	if caps == nil {
		caps = agent.BuiltinCapabilities()
	}
	if opts.Metrics == nil {
		opts.Metrics = MustNewMetrics(prometheus.NewRegistry())
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = lferrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}

	orch := New(store, registry, caps, applier, broadcaster, opts)
	gate := approval.NewGate(store, broadcaster)
	gate.SetResumer(orch)

	return &testEnv{
		orch:        orch,
		gate:        gate,
		store:       store,
		registry:    registry,
		leads:       leads,
		notifier:    notifier,
		applier:     applier,
		broadcaster: broadcaster,
	}
}

func waitForStatus(t *testing.T, store run.Store, runID string, want run.Status) *run.Run {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == want {
			return r
		}
		if r.Status.Terminal() && !want.Terminal() {
			t.Fatalf("run %s reached terminal %s (error=%q) while waiting for %s", runID, r.Status, r.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (last status %s)", runID, want, r.Status)
	return nil
}

func waitForPendingProposal(t *testing.T, gate *approval.Gate) *run.Proposal {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		queue, err := gate.Queue(context.Background())
		if err != nil {
			t.Fatalf("Queue: %v", err)
		}
		if len(queue) > 0 {
			return queue[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending proposal appeared")
	return nil
}

func statusChain(events []*run.Event) []string {
	var chain []string
	for _, e := range events {
		switch e.Type {
		case run.EventStatusChanged:
			to, _ := e.Payload["to"].(string)
			chain = append(chain, "STATUS_CHANGED:"+to)
		default:
			chain = append(chain, string(e.Type))
		}
	}
	return chain
}

func containsSubsequence(haystack, needle []string) bool {
	i := 0
	for _, h := range haystack {
		if i < len(needle) && h == needle[i] {
			i++
		}
	}
	return i == len(needle)
}

func TestSubmitAutoModeSucceeds(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, err := env.orch.Submit(ctx, &run.Task{
		Type: run.TaskLeadGeneration,
		Payload: map[string]any{
			"source": "website",
			"prospects": []any{
				map[string]any{"name": "Ada", "lead_id": "L10"},
			},
		},
		SubmittedBy:  "user1",
		ApprovalMode: run.ApprovalAuto,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.Status != run.StatusQueued {
		t.Errorf("expected run returned at QUEUED, got %s", r.Status)
	}
	if r.AgentID != "lead-generation" {
		t.Errorf("expected lead-generation agent, got %s", r.AgentID)
	}

	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)

	lead, err := env.leads.GetLead(ctx, "L10")
	if err != nil {
		t.Fatalf("effect not applied: %v", err)
	}
	if lead.Name != "Ada" {
		t.Errorf("lead fields not applied: %+v", lead)
	}

	events, err := env.store.ListEventsByRun(ctx, r.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	chain := statusChain(events)
	want := []string{"STATUS_CHANGED:QUEUED", "STATUS_CHANGED:RUNNING", "CRM.UPDATE", "STATUS_CHANGED:SUCCEEDED"}
	if !containsSubsequence(chain, want) {
		t.Errorf("event chain %v missing subsequence %v", chain, want)
	}
}

func TestSubmitInvalidTaskPersistsNothing(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	cases := []*run.Task{
		{Type: "MAKE_COFFEE"},
		{Type: run.TaskNurture, Payload: map[string]any{}},
		{Type: run.TaskCustomerService, Payload: map[string]any{"lead_id": "L1"}},
		{Type: run.TaskGeneralOrchestration, Payload: map[string]any{}},
		{Type: run.TaskNurture, Payload: map[string]any{"lead_id": "L1"}, ApprovalMode: "MAYBE"},
	}
	for i, task := range cases {
		_, err := env.orch.Submit(ctx, task)
		var invalid *lferrors.InvalidTaskError
		if !errors.As(err, &invalid) {
			t.Errorf("case %d: expected InvalidTaskError, got %v", i, err)
		}
	}

	if _, total, _ := env.store.ListRuns(ctx, 10, 0); total != 0 {
		t.Errorf("invalid tasks persisted %d runs", total)
	}
}

func TestSubmitExplicitDisabledAgent(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	if _, err := env.registry.Update("lead-nurturing", map[string]any{"status": "DISABLED"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err := env.orch.Submit(ctx, &run.Task{
		Type:    run.TaskNurture,
		Payload: map[string]any{"lead_id": "L1", "agentId": "lead-nurturing"},
	})
	var unavailable *lferrors.NoAgentAvailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected NoAgentAvailableError, got %v", err)
	}
	if _, total, _ := env.store.ListRuns(ctx, 10, 0); total != 0 {
		t.Error("run persisted despite selection failure")
	}
}

func TestSubmitFallsBackToActiveCandidate(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	// Disable the specialist; the generalist should pick the task up.
	if _, err := env.registry.Update("lead-nurturing", map[string]any{"status": "DISABLED"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	r, err := env.orch.Submit(ctx, &run.Task{
		Type:    run.TaskNurture,
		Payload: map[string]any{"lead_id": "L1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.AgentID != "orchestrator" {
		t.Errorf("expected orchestrator fallback, got %s", r.AgentID)
	}
}

func TestManualModeApprovalFlow(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, err := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1", "name": "Dana"},
		SubmittedBy:  "user1",
		ApprovalMode: run.ApprovalManual,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.AgentID != "lead-nurturing" {
		t.Errorf("expected lead-nurturing selected, got %s", r.AgentID)
	}

	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)
	if proposal.RunID != r.ID {
		t.Fatalf("proposal for wrong run: %s", proposal.RunID)
	}

	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionApprove, "user1", nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)

	if sent := env.notifier.Sent(); len(sent) != 1 || sent[0].Kind != run.ActionEmail {
		t.Errorf("expected approved email delivered, got %+v", sent)
	}

	events, _ := env.store.ListEventsByRun(ctx, r.ID, 0)
	chain := statusChain(events)
	want := []string{
		"STATUS_CHANGED:QUEUED",
		"STATUS_CHANGED:RUNNING",
		"STATUS_CHANGED:AWAITING_APPROVAL",
		"HUMAN_DECISION",
		"STATUS_CHANGED:SUCCEEDED",
	}
	if !containsSubsequence(chain, want) {
		t.Errorf("event chain %v missing subsequence %v", chain, want)
	}
}

func TestRejectRequiredProposalFailsRun(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)

	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionReject, "user1", nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	final := waitForStatus(t, env.store, r.ID, run.StatusFailed)
	if final.Error == "" {
		t.Error("expected failure reason recorded")
	}
	if sent := env.notifier.Sent(); len(sent) != 0 {
		t.Errorf("rejected action must not be delivered, got %+v", sent)
	}
}

func TestRejectOptionalProposalContinues(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	// Closing-stage nurture drafts a required email plus an optional call.
	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1", "stage": "closing"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)

	first := waitForPendingProposal(t, env.gate)
	if first.Optional {
		t.Fatal("expected the required email proposal first")
	}
	if _, err := env.gate.Decide(ctx, first.ID, approval.DecisionApprove, "user1", nil); err != nil {
		t.Fatalf("Decide first: %v", err)
	}

	second := waitForPendingProposal(t, env.gate)
	if !second.Optional {
		t.Fatalf("expected the optional call proposal second, got %+v", second)
	}
	if _, err := env.gate.Decide(ctx, second.ID, approval.DecisionReject, "user1", nil); err != nil {
		t.Fatalf("Decide second: %v", err)
	}

	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)
	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != run.ActionEmail {
		t.Errorf("expected only the approved email delivered, got %+v", sent)
	}
}

func TestEditDecisionAppliesEditedAction(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)

	edited := proposal.Action
	edited.Body = "Edited before send"
	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionEdit, "user1", &edited); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)
	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].Body != "Edited before send" {
		t.Errorf("expected edited action delivered, got %+v", sent)
	}
}

func TestSecondDecisionIsStale(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)

	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionApprove, "user1", nil); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionReject, "user2", nil)
	var stale *lferrors.AlreadyDecidedError
	if !errors.As(err, &stale) {
		t.Fatalf("expected AlreadyDecidedError, got %v", err)
	}

	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)
	if sent := env.notifier.Sent(); len(sent) != 1 {
		t.Errorf("stale reject must not undo the approval, got %+v", sent)
	}
}

func TestCapabilityTransientFailureRetries(t *testing.T) {
	var calls atomic.Int32
	caps := agent.Capabilities{
		run.TaskNurture: agent.CapabilityFunc(func(ctx context.Context, payload map[string]any, cfg agent.Config) (*agent.Result, error) {
			if calls.Add(1) == 1 {
				return nil, lferrors.NewTransientError(fmt.Errorf("connection reset"), "upstream flaked")
			}
			return &agent.Result{Summary: "ok"}, nil
		}),
	}
	env := newTestEnv(t, Options{}, caps)

	r, err := env.orch.Submit(context.Background(), &run.Task{
		Type:    run.TaskNurture,
		Payload: map[string]any{"lead_id": "L1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 capability calls, got %d", got)
	}
}

func TestCapabilityPermanentFailureFailsRun(t *testing.T) {
	var calls atomic.Int32
	caps := agent.Capabilities{
		run.TaskNurture: agent.CapabilityFunc(func(ctx context.Context, payload map[string]any, cfg agent.Config) (*agent.Result, error) {
			calls.Add(1)
			return nil, &lferrors.ValidationError{Field: "lead_id", Reason: "lead does not exist"}
		}),
	}
	env := newTestEnv(t, Options{}, caps)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:    run.TaskNurture,
		Payload: map[string]any{"lead_id": "L1"},
	})
	waitForStatus(t, env.store, r.ID, run.StatusFailed)
	if got := calls.Load(); got != 1 {
		t.Errorf("validation failures must not retry, got %d calls", got)
	}

	events, _ := env.store.ListEventsByRun(ctx, r.ID, 0)
	chain := statusChain(events)
	if !containsSubsequence(chain, []string{"ERROR", "STATUS_CHANGED:FAILED"}) {
		t.Errorf("expected ERROR before FAILED, got %v", chain)
	}
}

func TestReaperFailsExpiredRunAndRejectsProposal(t *testing.T) {
	env := newTestEnv(t, Options{RunTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)

	if reaped := env.orch.ReapExpired(ctx, time.Now().Add(time.Hour)); reaped != 1 {
		t.Fatalf("expected 1 reaped run, got %d", reaped)
	}

	final, _ := env.store.GetRun(ctx, r.ID)
	if final.Status != run.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}

	decided, _ := env.store.GetProposal(ctx, proposal.ID)
	if decided.Status != run.ProposalRejected {
		t.Errorf("expected proposal REJECTED, got %s", decided.Status)
	}
	if decided.DecidedBy != "system:timeout" {
		t.Errorf("expected system:timeout, got %q", decided.DecidedBy)
	}

	events, _ := env.store.ListEventsByRun(ctx, r.ID, 0)
	chain := statusChain(events)
	if !containsSubsequence(chain, []string{"HUMAN_DECISION", "ERROR", "STATUS_CHANGED:FAILED"}) {
		t.Errorf("expected decision, error, failure sequence, got %v", chain)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, _ := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L1"},
		ApprovalMode: run.ApprovalManual,
	})
	waitForStatus(t, env.store, r.ID, run.StatusAwaitingApproval)
	proposal := waitForPendingProposal(t, env.gate)

	cancelled, err := env.orch.Cancel(ctx, r.ID, "user1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != run.StatusFailed {
		t.Errorf("expected FAILED after cancel, got %s", cancelled.Status)
	}

	decided, _ := env.store.GetProposal(ctx, proposal.ID)
	if decided.DecidedBy != "system:cancelled" {
		t.Errorf("expected system:cancelled, got %q", decided.DecidedBy)
	}

	// A second cancel is rejected.
	if _, err := env.orch.Cancel(ctx, r.ID, "user1"); !errors.Is(err, run.ErrTerminalRun) {
		t.Errorf("expected ErrTerminalRun, got %v", err)
	}
}

func TestConfigSnapshotIsolatesInFlightRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var seenTone atomic.Value
	caps := agent.Capabilities{
		run.TaskNurture: agent.CapabilityFunc(func(ctx context.Context, payload map[string]any, cfg agent.Config) (*agent.Result, error) {
			close(started)
			<-release
			seenTone.Store(cfg.ResponseTone)
			return &agent.Result{Summary: "ok"}, nil
		}),
	}
	env := newTestEnv(t, Options{}, caps)
	ctx := context.Background()

	r, err := env.orch.Submit(ctx, &run.Task{
		Type:    run.TaskNurture,
		Payload: map[string]any{"lead_id": "L1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	if _, err := env.registry.Update("lead-nurturing", map[string]any{"response_tone": "aggressive"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	close(release)

	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)
	if tone := seenTone.Load(); tone != "friendly" {
		t.Errorf("in-flight run saw updated config: %v", tone)
	}
}

func TestSubmitAcceptsCamelCasePayloadKeys(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, err := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"leadId": "L1", "name": "Sam", "property": "12 Elm St"},
		SubmittedBy:  "user1",
		ApprovalMode: run.ApprovalManual,
	})
	if err != nil {
		t.Fatalf("Submit rejected camelCase payload: %v", err)
	}

	proposal := waitForPendingProposal(t, env.gate)
	if proposal.Action.LeadID != "L1" {
		t.Errorf("draft action bound to lead %q, want L1", proposal.Action.LeadID)
	}

	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionApprove, "user1", nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)

	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].LeadID != "L1" {
		t.Fatalf("expected one delivery to L1, got %+v", sent)
	}
}

func TestDecisionAfterRestartAppliesAction(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	r, err := env.orch.Submit(ctx, &run.Task{
		Type:         run.TaskNurture,
		Payload:      map[string]any{"lead_id": "L20", "name": "Noor"},
		SubmittedBy:  "user1",
		ApprovalMode: run.ApprovalManual,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	proposal := waitForPendingProposal(t, env.gate)

	// A fresh orchestrator over the same store stands in for the process
	// coming back from a restart: it holds no in-memory state for the run.
	restarted := New(env.store, env.registry, agent.BuiltinCapabilities(), env.applier, env.broadcaster, Options{
		Metrics: MustNewMetrics(prometheus.NewRegistry()),
	})
	env.gate.SetResumer(restarted)

	if _, err := env.gate.Decide(ctx, proposal.ID, approval.DecisionApprove, "user1", nil); err != nil {
		t.Fatalf("Decide after restart: %v", err)
	}
	waitForStatus(t, env.store, r.ID, run.StatusSucceeded)

	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].LeadID != "L20" {
		t.Fatalf("approved action not delivered after restart: %+v", sent)
	}
	decided, err := env.store.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if decided.Status != run.ProposalApproved {
		t.Errorf("proposal status = %s, want APPROVED", decided.Status)
	}
}
