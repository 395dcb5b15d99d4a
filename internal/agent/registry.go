package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/logging"
	"leadflow/internal/run"
)

// Registry is the in-process agent catalog. Reads are lock-shared and
// unbounded; Update is the only writer path.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger logging.Logger
}

// NewRegistry builds a registry seeded with the default agent roster.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		agents: make(map[string]*Agent),
		logger: logging.OrNop(logger),
	}
	for _, a := range defaultRoster() {
		r.agents[a.ID] = a
	}
	r.logger.Info("Agent registry loaded with %d agents", len(r.agents))
	return r
}

func defaultRoster() []*Agent {
	now := time.Now()
	return []*Agent{
		{
			ID:           "lead-generation",
			DisplayName:  "Lead Generation Agent",
			Capabilities: []run.TaskType{run.TaskLeadGeneration},
			Status:       StatusActive,
			Priority:     10,
			Config: Config{
				Provider:     "openai",
				Model:        "gpt-4o-mini",
				SystemPrompt: "You qualify inbound prospects and surface high intent leads.",
				ResponseTone: "professional",
				AutomationRules: AutomationRules{
					EscalateThreshold: 0.7,
					AutoFollowUp:      true,
					MaxDailyOutreach:  50,
				},
			},
			UpdatedAt: now,
		},
		{
			ID:           "lead-nurturing",
			DisplayName:  "Lead Nurturing Agent",
			Capabilities: []run.TaskType{run.TaskNurture},
			Status:       StatusActive,
			Priority:     10,
			Config: Config{
				Provider:     "openai",
				Model:        "gpt-4o",
				SystemPrompt: "You keep warm leads engaged with timely, personal outreach.",
				ResponseTone: "friendly",
				AutomationRules: AutomationRules{
					EscalateThreshold: 0.5,
					AutoFollowUp:      true,
					MaxDailyOutreach:  30,
				},
				CustomTemplates: map[string]string{
					"follow_up": "Hi {{name}}, just checking in about {{property}}. Any questions I can answer?",
				},
			},
			UpdatedAt: now,
		},
		{
			ID:           "customer-service",
			DisplayName:  "Customer Service Agent",
			Capabilities: []run.TaskType{run.TaskCustomerService},
			Status:       StatusActive,
			Priority:     10,
			Config: Config{
				Provider:     "anthropic",
				Model:        "claude-sonnet",
				SystemPrompt: "You resolve client questions about listings, showings, and paperwork.",
				ResponseTone: "empathetic",
				AutomationRules: AutomationRules{
					EscalateThreshold: 0.6,
					MaxDailyOutreach:  100,
				},
			},
			UpdatedAt: now,
		},
		{
			ID:          "orchestrator",
			DisplayName: "General Orchestration Agent",
			Capabilities: []run.TaskType{
				run.TaskGeneralOrchestration,
				run.TaskLeadGeneration,
				run.TaskNurture,
				run.TaskCustomerService,
			},
			Status:   StatusActive,
			Priority: 50,
			Config: Config{
				Provider:     "openai",
				Model:        "gpt-4o",
				SystemPrompt: "You break a broad objective into concrete CRM actions.",
				ResponseTone: "professional",
				AutomationRules: AutomationRules{
					EscalateThreshold: 0.4,
				},
			},
			UpdatedAt: now,
		},
	}
}

// Get returns a copy of the agent or NotFoundError.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, &lferrors.NotFoundError{Kind: "agent", ID: agentID}
	}
	return a.Clone(), nil
}

// List returns all agents ordered by priority then ID.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResolveForTaskType returns agents whose capabilities include taskType,
// ordered by priority then ID. Disabled agents are included; callers filter
// on status according to their selection policy.
func (r *Registry) ResolveForTaskType(taskType run.TaskType) []*Agent {
	candidates := r.List()
	out := candidates[:0]
	for _, a := range candidates {
		if a.Accepts(taskType) {
			out = append(out, a)
		}
	}
	return out
}

// Recognized patch keys for Update. Anything else is rejected.
const (
	patchKeyStatus          = "status"
	patchKeyModel           = "model"
	patchKeyProvider        = "provider"
	patchKeySystemPrompt    = "system_prompt"
	patchKeyResponseTone    = "response_tone"
	patchKeyAutomationRules = "automation_rules"
	patchKeyCustomTemplates = "custom_templates"
)

// Update merges patch into the agent's configuration. Recognized keys are
// validated individually; an unknown key rejects the whole patch and nothing
// is applied. The updated agent is visible to subsequent Get calls
// immediately. No capability invocation is triggered.
func (r *Registry) Update(agentID string, patch map[string]any) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[agentID]
	if !ok {
		return nil, &lferrors.NotFoundError{Kind: "agent", ID: agentID}
	}

	// Validate against a scratch copy so a bad key mid-patch leaves the
	// registry untouched.
	updated := existing.Clone()
	for key, value := range patch {
		if err := applyPatchKey(updated, key, value); err != nil {
			return nil, err
		}
	}
	updated.UpdatedAt = time.Now()

	r.agents[agentID] = updated
	r.logger.Info("Agent %s configuration updated (%d keys)", agentID, len(patch))
	return updated.Clone(), nil
}

func applyPatchKey(a *Agent, key string, value any) error {
	switch key {
	case patchKeyStatus:
		s, ok := value.(string)
		if !ok || !Status(s).Valid() {
			return &lferrors.ValidationError{Field: key, Reason: "must be one of ACTIVE, IDLE, DISABLED"}
		}
		a.Status = Status(s)
	case patchKeyModel:
		return patchString(&a.Config.Model, key, value)
	case patchKeyProvider:
		return patchString(&a.Config.Provider, key, value)
	case patchKeySystemPrompt:
		return patchString(&a.Config.SystemPrompt, key, value)
	case patchKeyResponseTone:
		return patchString(&a.Config.ResponseTone, key, value)
	case patchKeyAutomationRules:
		rules, ok := value.(map[string]any)
		if !ok {
			return &lferrors.ValidationError{Field: key, Reason: "must be an object"}
		}
		return patchAutomationRules(&a.Config.AutomationRules, rules)
	case patchKeyCustomTemplates:
		raw, ok := value.(map[string]any)
		if !ok {
			return &lferrors.ValidationError{Field: key, Reason: "must be an object of strings"}
		}
		templates := make(map[string]string, len(raw))
		for name, tpl := range raw {
			s, ok := tpl.(string)
			if !ok {
				return &lferrors.ValidationError{Field: key, Reason: fmt.Sprintf("template %q must be a string", name)}
			}
			templates[name] = s
		}
		a.Config.CustomTemplates = templates
	default:
		return &lferrors.ValidationError{Field: key, Reason: "unrecognized configuration key"}
	}
	return nil
}

func patchString(dst *string, key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return &lferrors.ValidationError{Field: key, Reason: "must be a string"}
	}
	*dst = s
	return nil
}

func patchAutomationRules(rules *AutomationRules, raw map[string]any) error {
	for key, value := range raw {
		switch key {
		case "escalate_threshold":
			f, ok := asFloat(value)
			if !ok || f < 0 || f > 1 {
				return &lferrors.ValidationError{Field: "automation_rules.escalate_threshold", Reason: "must be a number in [0, 1]"}
			}
			rules.EscalateThreshold = f
		case "auto_follow_up":
			b, ok := value.(bool)
			if !ok {
				return &lferrors.ValidationError{Field: "automation_rules.auto_follow_up", Reason: "must be a boolean"}
			}
			rules.AutoFollowUp = b
		case "max_daily_outreach":
			f, ok := asFloat(value)
			if !ok || f < 0 {
				return &lferrors.ValidationError{Field: "automation_rules.max_daily_outreach", Reason: "must be a non-negative number"}
			}
			rules.MaxDailyOutreach = int(f)
		default:
			return &lferrors.ValidationError{Field: "automation_rules." + key, Reason: "unrecognized rule"}
		}
	}
	return nil
}

// asFloat accepts the numeric shapes JSON decoding can hand us.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
