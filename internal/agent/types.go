// Package agent holds the agent catalog and the capability contract that
// orchestration invokes on behalf of a run.
package agent

import (
	"time"

	"leadflow/internal/run"
)

// Status describes whether an agent may be selected for new work.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusIdle     Status = "IDLE"
	StatusDisabled Status = "DISABLED"
)

// Valid reports whether s is a recognized agent status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusDisabled:
		return true
	}
	return false
}

// AutomationRules controls when an agent escalates its own actions to a human.
type AutomationRules struct {
	// EscalateThreshold is the risk score at or above which a drafted action
	// becomes a proposal instead of a direct effect. Range [0, 1].
	EscalateThreshold float64 `json:"escalate_threshold"`
	// AutoFollowUp lets the agent schedule follow-up outreach without asking.
	AutoFollowUp bool `json:"auto_follow_up"`
	// MaxDailyOutreach caps outreach actions the agent drafts per day.
	MaxDailyOutreach int `json:"max_daily_outreach"`
}

// Config is the per-agent behavior configuration. A run snapshots it at
// creation time so later updates never change an in-flight run.
type Config struct {
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	SystemPrompt    string            `json:"system_prompt"`
	ResponseTone    string            `json:"response_tone"`
	AutomationRules AutomationRules   `json:"automation_rules"`
	CustomTemplates map[string]string `json:"custom_templates,omitempty"`
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	if c.CustomTemplates != nil {
		out.CustomTemplates = make(map[string]string, len(c.CustomTemplates))
		for k, v := range c.CustomTemplates {
			out.CustomTemplates[k] = v
		}
	}
	return out
}

// Template returns the named template, falling back to def when unset.
func (c Config) Template(name, def string) string {
	if tpl, ok := c.CustomTemplates[name]; ok && tpl != "" {
		return tpl
	}
	return def
}

// Agent is a registry entry. Agents are created at registry load and are
// never deleted at runtime; disable them instead.
type Agent struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"display_name"`
	Capabilities []run.TaskType `json:"capabilities"`
	Config       Config         `json:"config"`
	Status       Status         `json:"status"`
	// Priority orders candidates in ResolveForTaskType; lower wins.
	Priority  int       `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepts reports whether the agent's capability set includes taskType.
func (a *Agent) Accepts(taskType run.TaskType) bool {
	for _, t := range a.Capabilities {
		if t == taskType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for callers to mutate.
func (a *Agent) Clone() *Agent {
	out := *a
	out.Capabilities = append([]run.TaskType(nil), a.Capabilities...)
	out.Config = a.Config.Clone()
	return &out
}
