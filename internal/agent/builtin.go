package agent

import (
	"context"
	"fmt"
	"math"
	"strings"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/run"
)

// BuiltinCapabilities returns the deterministic capability set. Each one
// drafts actions from the task payload and the agent's configuration;
// generative backends plug in behind the same interface.
func BuiltinCapabilities() Capabilities {
	return Capabilities{
		run.TaskLeadGeneration:       CapabilityFunc(leadGeneration),
		run.TaskNurture:              CapabilityFunc(nurture),
		run.TaskCustomerService:      CapabilityFunc(customerService),
		run.TaskGeneralOrchestration: CapabilityFunc(generalOrchestration),
	}
}

var baseRiskByKind = map[run.ActionKind]float64{
	run.ActionCRMUpdate: 0.2,
	run.ActionEmail:     0.4,
	run.ActionSMS:       0.5,
	run.ActionCall:      0.7,
}

// riskScore is deterministic so the same task always escalates the same way.
func riskScore(kind run.ActionKind, payload map[string]any) float64 {
	score := baseRiskByKind[kind]
	if stage, _ := payload["stage"].(string); strings.EqualFold(stage, "closing") {
		score += 0.3
	}
	if sensitive, _ := payload["sensitive"].(bool); sensitive {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	// Round to two decimals so scores compare cleanly against thresholds.
	return math.Round(score*100) / 100
}

func leadGeneration(ctx context.Context, payload map[string]any, cfg Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source, _ := payload["source"].(string)
	if source == "" {
		source = "inbound"
	}

	result := &Result{Summary: fmt.Sprintf("Qualified %s prospects", source)}

	prospects, _ := payload["prospects"].([]any)
	for _, raw := range prospects {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := p["name"].(string)
		leadID := run.PayloadString(p, "lead_id", "leadId")
		result.Effects = append(result.Effects, run.ActionDescriptor{
			Kind:   run.ActionCRMUpdate,
			LeadID: leadID,
			Fields: map[string]any{
				"name":   name,
				"source": source,
				"status": "new",
			},
		})
	}

	result.Messages = append(result.Messages, MessageDraft{
		Channel: "internal",
		Body:    fmt.Sprintf("Captured %d prospects from %s", len(result.Effects), source),
	})
	return result, nil
}

func nurture(ctx context.Context, payload map[string]any, cfg Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	leadID := run.PayloadString(payload, "lead_id", "leadId")
	if leadID == "" {
		return nil, &lferrors.ValidationError{Field: "lead_id", Reason: "required for nurture tasks"}
	}

	body := renderTemplate(cfg.Template("follow_up",
		"Hi {{name}}, just checking in about {{property}}. Any questions I can answer?"), payload)
	draft := ProposalDraft{
		Summary: fmt.Sprintf("Send follow-up email to lead %s", leadID),
		Risks:   []string{"outbound contact without explicit request"},
		Action: run.ActionDescriptor{
			Kind:    run.ActionEmail,
			LeadID:  leadID,
			Subject: "Checking in",
			Body:    body,
		},
		RiskScore: riskScore(run.ActionEmail, payload),
	}

	result := &Result{
		Summary: fmt.Sprintf("Drafted follow-up for lead %s", leadID),
		Drafts:  []ProposalDraft{draft},
		Messages: []MessageDraft{{
			Channel: "email",
			LeadID:  leadID,
			Subject: draft.Action.Subject,
			Body:    body,
		}},
		Effects: []run.ActionDescriptor{{
			Kind:   run.ActionCRMUpdate,
			LeadID: leadID,
			Fields: map[string]any{"last_activity": "nurture follow-up drafted"},
		}},
	}

	// Closing-stage leads also get a call suggestion; it is optional so a
	// rejection does not sink the run.
	if stage, _ := payload["stage"].(string); strings.EqualFold(stage, "closing") {
		result.Drafts = append(result.Drafts, ProposalDraft{
			Summary:  fmt.Sprintf("Schedule closing call with lead %s", leadID),
			Risks:    []string{"direct phone contact", "closing-stage lead"},
			Optional: true,
			Action: run.ActionDescriptor{
				Kind:   run.ActionCall,
				LeadID: leadID,
				Body:   "Discuss closing timeline and outstanding paperwork",
			},
			RiskScore: riskScore(run.ActionCall, payload),
		})
	}
	return result, nil
}

func customerService(ctx context.Context, payload map[string]any, cfg Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	leadID := run.PayloadString(payload, "lead_id", "leadId")
	if leadID == "" {
		return nil, &lferrors.ValidationError{Field: "lead_id", Reason: "required for customer service tasks"}
	}
	question, _ := payload["question"].(string)
	if question == "" {
		return nil, &lferrors.ValidationError{Field: "question", Reason: "required for customer service tasks"}
	}

	channel, _ := payload["channel"].(string)
	kind := run.ActionEmail
	if strings.EqualFold(channel, "sms") {
		kind = run.ActionSMS
	}

	body := renderTemplate(cfg.Template("service_reply",
		"Thanks for reaching out. Regarding: {{question}} - an agent will confirm details shortly."), payload)

	return &Result{
		Summary: fmt.Sprintf("Drafted reply for lead %s", leadID),
		Drafts: []ProposalDraft{{
			Summary: fmt.Sprintf("Reply to lead %s: %s", leadID, truncate(question, 60)),
			Risks:   []string{"customer-facing reply"},
			Action: run.ActionDescriptor{
				Kind:    kind,
				LeadID:  leadID,
				Subject: "Re: your question",
				Body:    body,
			},
			RiskScore: riskScore(kind, payload),
		}},
		Messages: []MessageDraft{{
			Channel: strings.ToLower(string(kind)),
			LeadID:  leadID,
			Body:    body,
		}},
	}, nil
}

func generalOrchestration(ctx context.Context, payload map[string]any, cfg Config) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	objective, _ := payload["objective"].(string)
	if objective == "" {
		return nil, &lferrors.ValidationError{Field: "objective", Reason: "required for orchestration tasks"}
	}

	result := &Result{
		Summary: fmt.Sprintf("Planned objective: %s", truncate(objective, 80)),
		Messages: []MessageDraft{{
			Channel: "internal",
			Body:    fmt.Sprintf("Plan for %q: review pipeline, draft outreach, update records", objective),
		}},
	}

	leadIDs := run.PayloadList(payload, "lead_ids", "leadIds")
	for _, raw := range leadIDs {
		leadID, ok := raw.(string)
		if !ok || leadID == "" {
			continue
		}
		result.Drafts = append(result.Drafts, ProposalDraft{
			Summary: fmt.Sprintf("Outreach to lead %s for objective %q", leadID, truncate(objective, 40)),
			Risks:   []string{"bulk outreach"},
			Action: run.ActionDescriptor{
				Kind:    run.ActionEmail,
				LeadID:  leadID,
				Subject: "An update from your agent",
				Body:    fmt.Sprintf("Reaching out regarding: %s", objective),
			},
			RiskScore: riskScore(run.ActionEmail, payload),
		})
	}
	return result, nil
}

// renderTemplate substitutes {{key}} placeholders with string payload values.
func renderTemplate(tpl string, payload map[string]any) string {
	out := tpl
	for key, value := range payload {
		s, ok := value.(string)
		if !ok {
			continue
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", s)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
