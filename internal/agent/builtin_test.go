package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/run"
)

func TestNurtureDraftsFollowUp(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, ok := caps.ForTaskType(run.TaskNurture)
	if !ok {
		t.Fatal("no nurture capability registered")
	}

	cfg := Config{CustomTemplates: map[string]string{
		"follow_up": "Hi {{name}}, news about {{property}}.",
	}}
	result, err := impl.Invoke(context.Background(), map[string]any{
		"lead_id":  "L1",
		"name":     "Dana",
		"property": "12 Oak St",
	}, cfg)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(result.Drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(result.Drafts))
	}
	draft := result.Drafts[0]
	if draft.Action.Kind != run.ActionEmail {
		t.Errorf("expected EMAIL action, got %s", draft.Action.Kind)
	}
	if draft.Action.Body != "Hi Dana, news about 12 Oak St." {
		t.Errorf("template not rendered: %q", draft.Action.Body)
	}
	if draft.RiskScore != 0.4 {
		t.Errorf("expected base email risk 0.4, got %v", draft.RiskScore)
	}
	if draft.Optional {
		t.Error("follow-up email must be required, not optional")
	}
	if len(result.Messages) != 1 || result.Messages[0].LeadID != "L1" {
		t.Errorf("expected one message draft for L1, got %+v", result.Messages)
	}
}

func TestNurtureClosingStageEscalates(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskNurture)

	result, err := impl.Invoke(context.Background(), map[string]any{
		"lead_id": "L2",
		"stage":   "closing",
	}, Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(result.Drafts) != 2 {
		t.Fatalf("expected email + call drafts, got %d", len(result.Drafts))
	}
	call := result.Drafts[1]
	if call.Action.Kind != run.ActionCall {
		t.Fatalf("expected CALL draft, got %s", call.Action.Kind)
	}
	if !call.Optional {
		t.Error("closing call suggestion must be optional")
	}
	if call.RiskScore != 1.0 {
		t.Errorf("call at closing stage: expected risk 1.0, got %v", call.RiskScore)
	}
	// The email risk is bumped by the closing stage too.
	if result.Drafts[0].RiskScore != 0.7 {
		t.Errorf("email at closing stage: expected risk 0.7, got %v", result.Drafts[0].RiskScore)
	}
}

func TestNurtureAcceptsCamelCaseLeadID(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskNurture)

	result, err := impl.Invoke(context.Background(), map[string]any{
		"leadId": "L1",
	}, Config{})
	if err != nil {
		t.Fatalf("Invoke rejected camelCase key: %v", err)
	}
	if len(result.Drafts) != 1 || result.Drafts[0].Action.LeadID != "L1" {
		t.Errorf("expected draft for L1, got %+v", result.Drafts)
	}
}

func TestNurtureRequiresLeadID(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskNurture)

	_, err := impl.Invoke(context.Background(), map[string]any{}, Config{})
	var verr *lferrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if lferrors.IsTransient(err) {
		t.Error("validation failures must not be retryable")
	}
}

func TestCustomerServiceChannelSelection(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskCustomerService)

	result, err := impl.Invoke(context.Background(), map[string]any{
		"lead_id":  "L3",
		"question": "When is the open house?",
		"channel":  "sms",
	}, Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Drafts[0].Action.Kind != run.ActionSMS {
		t.Errorf("expected SMS action, got %s", result.Drafts[0].Action.Kind)
	}
	if !strings.Contains(result.Drafts[0].Action.Body, "When is the open house?") {
		t.Errorf("question not included in reply body: %q", result.Drafts[0].Action.Body)
	}
}

func TestLeadGenerationProducesDirectEffects(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskLeadGeneration)

	result, err := impl.Invoke(context.Background(), map[string]any{
		"source": "website",
		"prospects": []any{
			map[string]any{"name": "Ada", "lead_id": "L10"},
			map[string]any{"name": "Ben", "lead_id": "L11"},
		},
	}, Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result.Effects) != 2 {
		t.Fatalf("expected 2 CRM effects, got %d", len(result.Effects))
	}
	if len(result.Drafts) != 0 {
		t.Errorf("lead generation should not require approval, got %d drafts", len(result.Drafts))
	}
	if result.Effects[0].Kind != run.ActionCRMUpdate {
		t.Errorf("expected CRM_UPDATE, got %s", result.Effects[0].Kind)
	}
}

func TestGeneralOrchestrationFansOut(t *testing.T) {
	caps := BuiltinCapabilities()
	impl, _ := caps.ForTaskType(run.TaskGeneralOrchestration)

	result, err := impl.Invoke(context.Background(), map[string]any{
		"objective": "re-engage stale pipeline",
		"lead_ids":  []any{"L1", "L2", "L3"},
	}, Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result.Drafts) != 3 {
		t.Fatalf("expected a draft per lead, got %d", len(result.Drafts))
	}
}

func TestCapabilitiesHonorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for taskType, impl := range BuiltinCapabilities() {
		_, err := impl.Invoke(ctx, map[string]any{"lead_id": "L1", "question": "q", "objective": "o"}, Config{})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s: expected context.Canceled, got %v", taskType, err)
		}
	}
}
