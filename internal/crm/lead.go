// Package crm is the collaborator surface orchestration applies effects
// against: lead records and outbound notification channels.
package crm

import (
	"context"
	"sync"
	"time"

	lferrors "leadflow/internal/errors"
)

// Lead is the CRM record an agent action targets.
type Lead struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Property     string         `json:"property,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	Source       string         `json:"source,omitempty"`
	LastActivity string         `json:"last_activity,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (l *Lead) Clone() *Lead {
	out := *l
	if l.Fields != nil {
		out.Fields = make(map[string]any, len(l.Fields))
		for k, v := range l.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// LeadStore reads and updates lead records.
type LeadStore interface {
	GetLead(ctx context.Context, leadID string) (*Lead, error)
	// ApplyUpdate upserts: known field names update the record directly,
	// anything else lands in Fields.
	ApplyUpdate(ctx context.Context, leadID string, fields map[string]any) (*Lead, error)
	ListLeads(ctx context.Context) ([]*Lead, error)
}

// InMemoryLeadStore is the non-persistent LeadStore.
type InMemoryLeadStore struct {
	mu    sync.RWMutex
	leads map[string]*Lead
}

var _ LeadStore = (*InMemoryLeadStore)(nil)

// NewInMemoryLeadStore creates an empty lead store.
func NewInMemoryLeadStore() *InMemoryLeadStore {
	return &InMemoryLeadStore{leads: make(map[string]*Lead)}
}

// GetLead returns a copy of the lead or NotFoundError.
func (s *InMemoryLeadStore) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, &lferrors.NotFoundError{Kind: "lead", ID: leadID}
	}
	return lead.Clone(), nil
}

// ApplyUpdate upserts the lead and merges fields into it.
func (s *InMemoryLeadStore) ApplyUpdate(ctx context.Context, leadID string, fields map[string]any) (*Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if leadID == "" {
		return nil, &lferrors.ValidationError{Field: "lead_id", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		lead = &Lead{ID: leadID}
		s.leads[leadID] = lead
	}

	for key, value := range fields {
		str, _ := value.(string)
		switch key {
		case "name":
			lead.Name = str
		case "email":
			lead.Email = str
		case "phone":
			lead.Phone = str
		case "property":
			lead.Property = str
		case "stage":
			lead.Stage = str
		case "source":
			lead.Source = str
		case "last_activity":
			lead.LastActivity = str
		default:
			if lead.Fields == nil {
				lead.Fields = make(map[string]any)
			}
			lead.Fields[key] = value
		}
	}
	lead.UpdatedAt = time.Now()
	return lead.Clone(), nil
}

// ListLeads returns all leads in unspecified order.
func (s *InMemoryLeadStore) ListLeads(ctx context.Context) ([]*Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Lead, 0, len(s.leads))
	for _, lead := range s.leads {
		out = append(out, lead.Clone())
	}
	return out, nil
}
