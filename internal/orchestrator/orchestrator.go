// Package orchestrator dispatches tasks to agents, owns the run lifecycle,
// and applies or escalates the actions capabilities produce.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	"leadflow/internal/async"
	"leadflow/internal/crm"
	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
	"leadflow/internal/logging"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

const (
	// DefaultRunTimeout bounds a run from creation to terminal status.
	DefaultRunTimeout = 5 * time.Minute

	systemTimeout   = "system:timeout"
	systemCancelled = "system:cancelled"
)

// Options tune orchestrator behavior. Zero values select defaults.
type Options struct {
	RunTimeout time.Duration
	Retry      lferrors.RetryConfig
	Metrics    *Metrics
	Logger     logging.Logger
}

// Orchestrator is the dispatcher. It owns runs exclusively: every status
// transition and event append flows through here or the approval gate.
type Orchestrator struct {
	store        run.Store
	registry     *agent.Registry
	capabilities agent.Capabilities
	applier      *crm.EffectApplier
	broadcaster  *stream.Broadcaster
	logger       logging.Logger
	metrics      *Metrics
	tracer       trace.Tracer

	runTimeout time.Duration
	retry      lferrors.RetryConfig

	mu            sync.Mutex
	cancelFuncs   map[string]context.CancelCauseFunc
	continuations map[string]*continuation
}

// continuation holds the drafts queued behind a run's pending proposal.
// They are promoted one at a time as decisions come in, preserving the
// single-pending-proposal invariant.
type continuation struct {
	drafts []agent.ProposalDraft
}

var _ approval.Resumer = (*Orchestrator)(nil)

// New wires an orchestrator.
func New(store run.Store, registry *agent.Registry, capabilities agent.Capabilities, applier *crm.EffectApplier, broadcaster *stream.Broadcaster, opts Options) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = lferrors.DefaultRetryConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = defaultMetrics()
	}

	return &Orchestrator{
		store:         store,
		registry:      registry,
		capabilities:  capabilities,
		applier:       applier,
		broadcaster:   broadcaster,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		tracer:        otel.Tracer("leadflow/orchestrator"),
		runTimeout:    opts.RunTimeout,
		retry:         opts.Retry,
		cancelFuncs:   make(map[string]context.CancelCauseFunc),
		continuations: make(map[string]*continuation),
	}
}

// Submit validates the task, selects an agent, and creates the run. It
// returns as soon as the run exists; the capability executes in the
// background and progress is observable through the event stream. A task
// that fails validation never persists a run.
func (o *Orchestrator) Submit(ctx context.Context, task *run.Task) (*run.Run, error) {
	if err := o.validateTask(task); err != nil {
		return nil, err
	}

	selected, err := o.selectAgent(task)
	if err != nil {
		return nil, err
	}
	// Snapshot now so a mid-run config update cannot change behavior of a
	// run that already started.
	cfg := selected.Config.Clone()

	deadline := time.Now().Add(o.runTimeout)
	r, event, err := o.store.CreateRun(ctx, task, selected.ID, deadline)
	if err != nil {
		return nil, err
	}
	o.broadcaster.Publish(event)
	o.metrics.IncRunStarted(string(task.Type))
	o.logger.Info("Run %s created for task %s (type=%s, agent=%s)", r.ID, r.TaskID, task.Type, selected.ID)

	// The background context must outlive the submit request but stay
	// cancellable by the reaper and by explicit cancellation.
	runCtx, cancelCause := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx, cancelDeadline := context.WithDeadline(runCtx, deadline)
	cancel := func(cause error) {
		cancelCause(cause)
		cancelDeadline()
	}
	runCtx = id.WithRunID(runCtx, r.ID)
	runCtx = id.WithTaskID(runCtx, r.TaskID)
	runCtx = id.WithUserID(runCtx, task.SubmittedBy)

	o.mu.Lock()
	o.cancelFuncs[r.ID] = cancel
	o.mu.Unlock()

	taskCopy := *task
	taskCopy.ID = r.TaskID
	async.Go(o.logger, "run-"+r.ID, func() {
		o.execute(runCtx, r.ID, &taskCopy, selected.ID, cfg)
	})
	return r, nil
}

func (o *Orchestrator) validateTask(task *run.Task) error {
	if task == nil {
		return lferrors.NewInvalidTaskError("task is required")
	}
	if !task.Type.Known() {
		return lferrors.NewInvalidTaskError("unknown task type %q", task.Type)
	}
	switch task.ApprovalMode {
	case "":
		task.ApprovalMode = run.ApprovalAuto
	case run.ApprovalAuto, run.ApprovalManual:
	default:
		return lferrors.NewInvalidTaskError("unknown approval mode %q", task.ApprovalMode)
	}

	payload := task.Payload
	requireString := func(key string, aliases ...string) error {
		if run.PayloadString(payload, append([]string{key}, aliases...)...) == "" {
			return lferrors.NewInvalidTaskError("%s tasks require payload.%s", task.Type, key)
		}
		return nil
	}
	switch task.Type {
	case run.TaskNurture:
		return requireString("lead_id", "leadId")
	case run.TaskCustomerService:
		if err := requireString("lead_id", "leadId"); err != nil {
			return err
		}
		return requireString("question")
	case run.TaskGeneralOrchestration:
		return requireString("objective")
	}
	return nil
}

// selectAgent implements the selection policy: an explicit agent id wins if
// that agent is capable and not disabled; otherwise the highest-priority
// ACTIVE candidate for the task type.
func (o *Orchestrator) selectAgent(task *run.Task) (*agent.Agent, error) {
	if explicit := run.PayloadString(task.Payload, "agentId", "agent_id"); explicit != "" {
		a, err := o.registry.Get(explicit)
		if err != nil {
			return nil, &lferrors.NoAgentAvailableError{TaskType: string(task.Type), AgentID: explicit}
		}
		if !a.Accepts(task.Type) || a.Status == agent.StatusDisabled {
			return nil, &lferrors.NoAgentAvailableError{TaskType: string(task.Type), AgentID: explicit}
		}
		return a, nil
	}

	for _, candidate := range o.registry.ResolveForTaskType(task.Type) {
		if candidate.Status == agent.StatusActive {
			return candidate, nil
		}
	}
	return nil, &lferrors.NoAgentAvailableError{TaskType: string(task.Type)}
}

func (o *Orchestrator) execute(ctx context.Context, runID string, task *run.Task, agentID string, cfg agent.Config) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("task.type", string(task.Type)),
			attribute.String("agent.id", agentID),
		))
	defer span.End()

	if _, event, err := o.store.Transition(ctx, runID, run.StatusQueued, run.StatusRunning, ""); err != nil {
		// The reaper or a cancel beat us to it.
		o.logger.Warn("Run %s could not start: %v", runID, err)
		return
	} else {
		o.broadcaster.Publish(event)
	}

	capability, ok := o.capabilities.ForTaskType(task.Type)
	if !ok {
		o.failRun(ctx, runID, fmt.Sprintf("no capability registered for task type %s", task.Type))
		return
	}

	_ = o.store.SetStep(ctx, runID, "invoking capability")
	attempts := 0
	result, err := lferrors.RetryWithResult(ctx, o.retry, o.logger, func(ctx context.Context) (*agent.Result, error) {
		attempts++
		if attempts > 1 {
			o.metrics.IncCapabilityRetry(string(task.Type))
		}
		res, err := capability.Invoke(ctx, task.Payload, cfg)
		if err != nil {
			return nil, &lferrors.CapabilityError{AgentID: agentID, Err: err}
		}
		return res, nil
	})
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = (&lferrors.TimeoutError{RunID: runID}).Error()
		}
		o.failRun(ctx, runID, reason)
		return
	}
	span.SetAttributes(
		attribute.Int("result.drafts", len(result.Drafts)),
		attribute.Int("result.effects", len(result.Effects)),
	)

	// Record drafted messages before any effect is applied so consumers see
	// the content ahead of the outcome.
	for _, msg := range result.Messages {
		o.appendAndPublish(ctx, runID, run.EventMessageDrafted, map[string]any{
			"channel": msg.Channel,
			"lead_id": msg.LeadID,
			"subject": msg.Subject,
			"body":    msg.Body,
		})
	}

	direct := append([]run.ActionDescriptor(nil), result.Effects...)
	var escalated []agent.ProposalDraft
	for _, draft := range result.Drafts {
		if o.escalates(draft, task.ApprovalMode, cfg.AutomationRules.EscalateThreshold) {
			escalated = append(escalated, draft)
		} else {
			direct = append(direct, draft.Action)
		}
	}

	_ = o.store.SetStep(ctx, runID, "applying effects")
	for _, action := range direct {
		if err := o.applyEffect(ctx, runID, action); err != nil {
			o.failRun(ctx, runID, err.Error())
			return
		}
	}

	if len(escalated) == 0 {
		o.completeRun(ctx, runID, run.StatusRunning)
		return
	}

	_ = o.store.SetStep(ctx, runID, "awaiting approval")
	if _, event, err := o.store.Transition(ctx, runID, run.StatusRunning, run.StatusAwaitingApproval, ""); err != nil {
		o.logger.Warn("Run %s could not suspend for approval: %v", runID, err)
		return
	} else {
		o.broadcaster.Publish(event)
	}

	o.mu.Lock()
	o.continuations[runID] = &continuation{drafts: escalated[1:]}
	o.mu.Unlock()

	if err := o.createProposal(ctx, runID, agentID, escalated[0]); err != nil {
		o.logger.Error("Run %s: failed to create proposal: %v", runID, err)
		o.failRun(ctx, runID, err.Error())
	}
}

// escalates applies the gate policy: manual mode escalates everything, auto
// mode escalates at or above the agent's threshold.
func (o *Orchestrator) escalates(draft agent.ProposalDraft, mode run.ApprovalMode, threshold float64) bool {
	if mode == run.ApprovalManual {
		return true
	}
	return draft.RiskScore >= threshold
}

func (o *Orchestrator) createProposal(ctx context.Context, runID, agentID string, draft agent.ProposalDraft) error {
	proposal, err := o.store.CreateProposal(ctx, &run.Proposal{
		RunID:    runID,
		AgentID:  agentID,
		Summary:  draft.Summary,
		Risks:    draft.Risks,
		Action:   draft.Action,
		Optional: draft.Optional,
	})
	if err != nil {
		return err
	}
	o.logger.Info("Run %s awaiting approval: proposal %s (%s)", runID, proposal.ID, proposal.Summary)
	return nil
}

// ResumeAfterDecision implements approval.Resumer. Called by the gate after
// the proposal is decided and the HUMAN_DECISION event is recorded.
func (o *Orchestrator) ResumeAfterDecision(ctx context.Context, proposal *run.Proposal, decision approval.Decision) error {
	o.metrics.IncProposalDecided(string(decision))

	// The continuation lives in process memory only. When it is missing the
	// run was started by another process (restart, or a peer over a shared
	// store); the decision still stands, so apply it and drain the run.
	// Drafts queued behind the proposal in the old process are dropped.
	o.mu.Lock()
	cont := o.continuations[proposal.RunID]
	o.mu.Unlock()

	switch decision {
	case approval.DecisionApprove, approval.DecisionEdit:
		// For EDIT the store already swapped in the edited action.
		if err := o.applyEffect(ctx, proposal.RunID, proposal.Action); err != nil {
			o.failRun(ctx, proposal.RunID, err.Error())
			return nil
		}
	case approval.DecisionReject:
		if !proposal.Optional {
			o.failRun(ctx, proposal.RunID, fmt.Sprintf("proposal %s rejected", proposal.ID))
			return nil
		}
		o.logger.Info("Run %s: optional proposal %s rejected, continuing", proposal.RunID, proposal.ID)
	}

	var next *agent.ProposalDraft
	if cont != nil {
		o.mu.Lock()
		if len(cont.drafts) > 0 {
			next = &cont.drafts[0]
			cont.drafts = cont.drafts[1:]
		}
		o.mu.Unlock()
	}

	if next != nil {
		return o.createProposal(ctx, proposal.RunID, proposal.AgentID, *next)
	}

	if _, event, err := o.store.Transition(ctx, proposal.RunID, run.StatusAwaitingApproval, run.StatusRunning, ""); err != nil {
		return err
	} else {
		o.broadcaster.Publish(event)
	}
	o.completeRun(ctx, proposal.RunID, run.StatusRunning)
	return nil
}

func (o *Orchestrator) applyEffect(ctx context.Context, runID string, action run.ActionDescriptor) error {
	payload, err := o.applier.Apply(ctx, action)
	if err != nil {
		return err
	}
	o.appendAndPublish(ctx, runID, run.EventCRMUpdate, payload)
	return nil
}

func (o *Orchestrator) appendAndPublish(ctx context.Context, runID string, evType run.EventType, payload map[string]any) {
	event, err := o.store.AppendEvent(ctx, runID, evType, payload)
	if err != nil {
		o.logger.Warn("Run %s: failed to append %s event: %v", runID, evType, err)
		return
	}
	o.broadcaster.Publish(event)
}

func (o *Orchestrator) completeRun(ctx context.Context, runID string, from run.Status) {
	updated, event, err := o.store.Transition(ctx, runID, from, run.StatusSucceeded, "")
	if err != nil {
		o.logger.Warn("Run %s could not complete: %v", runID, err)
		return
	}
	o.broadcaster.Publish(event)
	o.finishRun(updated)
	o.logger.Info("Run %s succeeded", runID)
}

// failRun drives the run to FAILED from whatever live status it is in,
// recording an ERROR event first.
func (o *Orchestrator) failRun(ctx context.Context, runID, reason string) {
	// The run context may already be cancelled or past deadline; bookkeeping
	// writes must still go through.
	ctx = context.WithoutCancel(ctx)

	o.appendAndPublish(ctx, runID, run.EventError, map[string]any{"message": reason})

	current, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("Run %s: cannot load for failure: %v", runID, err)
		return
	}
	if current.Status.Terminal() {
		return
	}
	updated, event, err := o.store.Transition(ctx, runID, current.Status, run.StatusFailed, reason)
	if err != nil {
		o.logger.Warn("Run %s could not fail from %s: %v", runID, current.Status, err)
		return
	}
	o.broadcaster.Publish(event)
	o.finishRun(updated)
	o.logger.Warn("Run %s failed: %s", runID, reason)
}

// finishRun releases per-run state and records completion metrics.
func (o *Orchestrator) finishRun(r *run.Run) {
	o.mu.Lock()
	cancel, ok := o.cancelFuncs[r.ID]
	delete(o.cancelFuncs, r.ID)
	delete(o.continuations, r.ID)
	o.mu.Unlock()

	if ok {
		cancel(nil)
	}

	task, err := o.store.GetTask(context.Background(), r.TaskID)
	taskType := ""
	if err == nil {
		taskType = string(task.Type)
	}
	o.metrics.ObserveRunCompleted(taskType, string(r.Status), time.Since(r.CreatedAt))
}

// Cancel force-fails a live run. Any pending proposal is auto-rejected with
// decidedBy "system:cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, runID, requestedBy string) (*run.Run, error) {
	current, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, run.ErrTerminalRun
	}

	o.mu.Lock()
	cancel, ok := o.cancelFuncs[runID]
	o.mu.Unlock()
	if ok {
		cancel(fmt.Errorf("cancelled by %s", requestedBy))
	}

	o.rejectPendingProposals(ctx, runID, systemCancelled)
	o.failRun(ctx, runID, fmt.Sprintf("cancelled by %s", requestedBy))
	return o.store.GetRun(ctx, runID)
}

// rejectPendingProposals auto-rejects any PENDING proposal on the run and
// records the decision event.
func (o *Orchestrator) rejectPendingProposals(ctx context.Context, runID, decidedBy string) {
	proposals, err := o.store.ListProposalsByRun(ctx, runID)
	if err != nil {
		o.logger.Warn("Run %s: cannot list proposals: %v", runID, err)
		return
	}
	for _, p := range proposals {
		if p.Status != run.ProposalPending {
			continue
		}
		if _, err := o.store.DecideProposal(ctx, p.ID, run.ProposalRejected, decidedBy, nil); err != nil {
			var decided *lferrors.AlreadyDecidedError
			if !errors.As(err, &decided) {
				o.logger.Warn("Run %s: cannot auto-reject proposal %s: %v", runID, p.ID, err)
			}
			continue
		}
		o.metrics.IncProposalDecided(string(approval.DecisionReject))
		o.appendAndPublish(ctx, runID, run.EventHumanDecision, map[string]any{
			"proposal_id": p.ID,
			"decision":    string(approval.DecisionReject),
			"decided_by":  decidedBy,
		})
	}
}
