package agent

import (
	"context"

	"leadflow/internal/run"
)

// ProposalDraft is a capability-suggested action plus the risk assessment
// that decides whether it needs a human sign-off.
type ProposalDraft struct {
	Summary  string
	Risks    []string
	Action   run.ActionDescriptor
	Optional bool
	// RiskScore in [0, 1]; compared against the agent's escalate threshold.
	RiskScore float64
}

// MessageDraft is a generated outbound message the run records as an event.
type MessageDraft struct {
	Channel string `json:"channel"`
	LeadID  string `json:"lead_id,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Result is what a capability hands back to orchestration. It is pure data:
// the capability never applies effects or creates proposals itself.
type Result struct {
	Summary  string
	Drafts   []ProposalDraft
	Messages []MessageDraft
	// Effects are low-risk actions the capability considers safe to apply
	// directly. Escalation policy may still turn them into proposals.
	Effects []run.ActionDescriptor
}

// Capability performs an agent's actual work. Implementations may be slow
// and must honor ctx cancellation. The config is the snapshot taken at run
// creation.
type Capability interface {
	Invoke(ctx context.Context, payload map[string]any, cfg Config) (*Result, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, payload map[string]any, cfg Config) (*Result, error)

func (f CapabilityFunc) Invoke(ctx context.Context, payload map[string]any, cfg Config) (*Result, error) {
	return f(ctx, payload, cfg)
}

// Capabilities maps task types to their implementations.
type Capabilities map[run.TaskType]Capability

// ForTaskType returns the capability registered for taskType.
func (c Capabilities) ForTaskType(taskType run.TaskType) (Capability, bool) {
	impl, ok := c[taskType]
	return impl, ok
}
