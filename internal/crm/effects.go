package crm

import (
	"context"
	"fmt"
	"sync"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
	"leadflow/internal/logging"
	"leadflow/internal/run"
)

// Notifier delivers outbound messages. Implementations wrap email/SMS/call
// providers; delivery failures are usually transient.
type Notifier interface {
	Send(ctx context.Context, action run.ActionDescriptor) error
}

// LogNotifier records outreach in the log instead of delivering it. It is
// the default when no provider is configured.
type LogNotifier struct {
	logger logging.Logger

	mu   sync.Mutex
	sent []run.ActionDescriptor
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.NewComponentLogger("Notifier")}
}

func (n *LogNotifier) Send(ctx context.Context, action run.ActionDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	n.sent = append(n.sent, action)
	n.mu.Unlock()

	n.logger.Info("Outbound %s to lead %s: %s", action.Kind, action.LeadID, action.Subject)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (n *LogNotifier) Sent() []run.ActionDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]run.ActionDescriptor(nil), n.sent...)
}

// EffectApplier routes approved or auto-approved action descriptors to the
// CRM: outreach goes through the notifier, record changes through the lead
// store. Every applied effect also stamps the lead's activity trail.
type EffectApplier struct {
	leads    LeadStore
	notifier Notifier
	logger   logging.Logger
}

// NewEffectApplier wires the applier.
func NewEffectApplier(leads LeadStore, notifier Notifier) *EffectApplier {
	return &EffectApplier{
		leads:    leads,
		notifier: notifier,
		logger:   logging.NewComponentLogger("EffectApplier"),
	}
}

// Apply executes the action and returns the event payload describing what
// happened. The caller appends it to the run as a CRM.UPDATE event. The
// payload carries the submitting user from the run context when one is set.
func (a *EffectApplier) Apply(ctx context.Context, action run.ActionDescriptor) (map[string]any, error) {
	switch action.Kind {
	case run.ActionCRMUpdate:
		lead, err := a.leads.ApplyUpdate(ctx, action.LeadID, action.Fields)
		if err != nil {
			return nil, fmt.Errorf("apply crm update for lead %s: %w", action.LeadID, err)
		}
		return a.stampSubmitter(ctx, map[string]any{
			"kind":    string(action.Kind),
			"lead_id": lead.ID,
			"fields":  action.Fields,
		}), nil

	case run.ActionEmail, run.ActionSMS, run.ActionCall:
		if err := a.notifier.Send(ctx, action); err != nil {
			return nil, fmt.Errorf("deliver %s to lead %s: %w", action.Kind, action.LeadID, err)
		}
		if action.LeadID != "" {
			activity := fmt.Sprintf("%s sent", action.Kind)
			if _, err := a.leads.ApplyUpdate(ctx, action.LeadID, map[string]any{"last_activity": activity}); err != nil {
				a.logger.Warn("Delivered %s but failed to stamp lead %s activity: %v", action.Kind, action.LeadID, err)
			}
		}
		return a.stampSubmitter(ctx, map[string]any{
			"kind":    string(action.Kind),
			"lead_id": action.LeadID,
			"subject": action.Subject,
		}), nil

	default:
		return nil, &lferrors.ValidationError{Field: "action.kind", Reason: fmt.Sprintf("unknown action kind %q", action.Kind)}
	}
}

func (a *EffectApplier) stampSubmitter(ctx context.Context, payload map[string]any) map[string]any {
	if user := id.UserIDFromContext(ctx); user != "" {
		payload["submitted_by"] = user
	}
	return payload
}
