package crm

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedLeadStore fronts a LeadStore with an LRU read cache. Updates write
// through so the cache never serves a stale copy of a record this process
// modified.
type CachedLeadStore struct {
	inner LeadStore
	cache *lru.Cache[string, *Lead]
}

var _ LeadStore = (*CachedLeadStore)(nil)

// NewCachedLeadStore wraps inner with a cache of the given size.
func NewCachedLeadStore(inner LeadStore, size int) (*CachedLeadStore, error) {
	cache, err := lru.New[string, *Lead](size)
	if err != nil {
		return nil, err
	}
	return &CachedLeadStore{inner: inner, cache: cache}, nil
}

func (s *CachedLeadStore) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	if lead, ok := s.cache.Get(leadID); ok {
		return lead.Clone(), nil
	}

	lead, err := s.inner.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(leadID, lead.Clone())
	return lead, nil
}

func (s *CachedLeadStore) ApplyUpdate(ctx context.Context, leadID string, fields map[string]any) (*Lead, error) {
	lead, err := s.inner.ApplyUpdate(ctx, leadID, fields)
	if err != nil {
		return nil, err
	}
	s.cache.Add(leadID, lead.Clone())
	return lead, nil
}

func (s *CachedLeadStore) ListLeads(ctx context.Context) ([]*Lead, error) {
	return s.inner.ListLeads(ctx)
}
