package run

import "time"

// TaskType classifies the work a task requests.
type TaskType string

const (
	TaskLeadGeneration       TaskType = "LEAD_GENERATION"
	TaskNurture              TaskType = "NURTURE"
	TaskCustomerService      TaskType = "CUSTOMER_SERVICE"
	TaskGeneralOrchestration TaskType = "GENERAL_ORCHESTRATION"
)

// KnownTaskTypes lists every task type the orchestrator accepts.
var KnownTaskTypes = []TaskType{
	TaskLeadGeneration,
	TaskNurture,
	TaskCustomerService,
	TaskGeneralOrchestration,
}

// Known reports whether t is a recognized task type.
func (t TaskType) Known() bool {
	for _, known := range KnownTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ApprovalMode controls whether agent-proposed actions require human sign-off.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "AUTO"
	ApprovalManual ApprovalMode = "MANUAL"
)

// Task is a request for agent work. Immutable once created.
type Task struct {
	ID           string         `json:"task_id"`
	Type         TaskType       `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	SubmittedBy  string         `json:"submitted_by,omitempty"`
	ApprovalMode ApprovalMode   `json:"approval_mode"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PayloadString returns the first non-empty string stored under any of the
// given keys. API clients send both snake_case and camelCase spellings, so
// readers list every accepted alias.
func PayloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, _ := payload[key].(string); s != "" {
			return s
		}
	}
	return ""
}

// PayloadList returns the first non-empty list stored under any of the given
// keys, with the same alias semantics as PayloadString.
func PayloadList(payload map[string]any, keys ...string) []any {
	for _, key := range keys {
		if list, _ := payload[key].([]any); len(list) > 0 {
			return list
		}
	}
	return nil
}

// Status represents the state of a run.
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusSucceeded        Status = "SUCCEEDED"
	StatusFailed           Status = "FAILED"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// allowedTransitions encodes the run state machine. AWAITING_APPROVAL may
// return to RUNNING, driven only by the approval gate; terminal states admit
// nothing.
var allowedTransitions = map[Status][]Status{
	StatusQueued:           {StatusRunning, StatusFailed},
	StatusRunning:          {StatusAwaitingApproval, StatusSucceeded, StatusFailed},
	StatusAwaitingApproval: {StatusRunning, StatusFailed},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is the execution record of one task against one agent.
type Run struct {
	ID        string     `json:"run_id"`
	TaskID    string     `json:"task_id"`
	AgentID   string     `json:"agent_id"`
	Status    Status     `json:"status"`
	Step      string     `json:"step,omitempty"`
	Error     string     `json:"error,omitempty"`
	Deadline  time.Time  `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// EventType classifies facts appended to a run's history.
type EventType string

const (
	EventStatusChanged  EventType = "STATUS_CHANGED"
	EventMessageDrafted EventType = "MSG.DRAFTED"
	EventCRMUpdate      EventType = "CRM.UPDATE"
	EventError          EventType = "ERROR"
	EventHumanDecision  EventType = "HUMAN_DECISION"
)

// Event is an immutable timestamped fact appended to a run's history. Seq is
// assigned per run at append time; insertion order is authoritative when
// timestamps tie.
type Event struct {
	ID        string         `json:"event_id"`
	RunID     string         `json:"run_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionKind identifies the side effect an action descriptor requests.
type ActionKind string

const (
	ActionEmail     ActionKind = "EMAIL"
	ActionSMS       ActionKind = "SMS"
	ActionCall      ActionKind = "CALL"
	ActionCRMUpdate ActionKind = "CRM_UPDATE"
)

// ActionDescriptor describes a side effect to apply. Outbound kinds are handed
// verbatim to the notification channel; CRM_UPDATE goes to the lead store.
type ActionDescriptor struct {
	Kind    ActionKind     `json:"kind"`
	LeadID  string         `json:"lead_id,omitempty"`
	Target  string         `json:"target,omitempty"`
	Subject string         `json:"subject,omitempty"`
	Body    string         `json:"body,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ProposalStatus represents the decision state of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalEdited   ProposalStatus = "EDITED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// Decided reports whether s is a terminal proposal state.
func (s ProposalStatus) Decided() bool {
	return s != ProposalPending
}

// Proposal is an agent-proposed side effect awaiting human review. Terminal
// once decided; a corrected action requires a new task.
type Proposal struct {
	ID        string           `json:"proposal_id"`
	RunID     string           `json:"run_id"`
	AgentID   string           `json:"agent_id"`
	Summary   string           `json:"summary"`
	Risks     []string         `json:"risks,omitempty"`
	Action    ActionDescriptor `json:"action"`
	Optional  bool             `json:"optional"`
	Status    ProposalStatus   `json:"status"`
	DecidedBy string           `json:"decided_by,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
