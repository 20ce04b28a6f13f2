package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ledgerkit/be-approvals/internal/apperr"
)

// MemoryStore keeps the full approval state in process memory. Useful for unit
// tests and single-instance deployments; the postgres store is the production
// implementation.
//
// All values are deep-copied on the way in and out so callers can never mutate
// stored state except through SaveRequest's version-checked write.
type MemoryStore struct {
	mu       sync.RWMutex
	chains   map[string]*Chain
	requests map[string]*Request
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   make(map[string]*Chain),
		requests: make(map[string]*Request),
	}
}

var _ ApprovalStore = (*MemoryStore)(nil)

// ── Chains ────────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateChain(_ context.Context, chain *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chain.ID == "" {
		chain.ID = uuid.NewString()
	}
	if _, ok := m.chains[chain.ID]; ok {
		return apperr.Newf(apperr.CodeConflict, "chain %q already exists", chain.ID)
	}
	if chain.IsDefault {
		m.clearDefaultLocked(chain.TenantID, chain.EntityType)
	}
	m.chains[chain.ID] = copyChain(chain)
	return nil
}

func (m *MemoryStore) GetChain(_ context.Context, tenantID, chainID string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chains[chainID]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("approval_chain", chainID)
	}
	return copyChain(c), nil
}

func (m *MemoryStore) UpdateChain(_ context.Context, chain *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.chains[chain.ID]
	if !ok || existing.TenantID != chain.TenantID {
		return apperr.NotFound("approval_chain", chain.ID)
	}
	if chain.IsDefault {
		m.clearDefaultLocked(chain.TenantID, chain.EntityType)
	}
	m.chains[chain.ID] = copyChain(chain)
	return nil
}

func (m *MemoryStore) DeleteChain(_ context.Context, tenantID, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok || c.TenantID != tenantID {
		return apperr.NotFound("approval_chain", chainID)
	}
	delete(m.chains, chainID)
	return nil
}

func (m *MemoryStore) ListChains(_ context.Context, tenantID string, entityType EntityType) ([]*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Chain
	for _, c := range m.chains {
		if c.TenantID == tenantID && c.EntityType == entityType {
			out = append(out, copyChain(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetDefaultChain(_ context.Context, tenantID string, entityType EntityType) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.chains {
		if c.TenantID == tenantID && c.EntityType == entityType && c.IsDefault && c.IsActive {
			return copyChain(c), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SetDefaultChain(_ context.Context, tenantID, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok || c.TenantID != tenantID {
		return apperr.NotFound("approval_chain", chainID)
	}
	m.clearDefaultLocked(tenantID, c.EntityType)
	c.IsDefault = true
	return nil
}

// clearDefaultLocked drops the default flag from every chain of the tenant and
// entity type. Caller holds the write lock.
func (m *MemoryStore) clearDefaultLocked(tenantID string, entityType EntityType) {
	for _, c := range m.chains {
		if c.TenantID == tenantID && c.EntityType == entityType {
			c.IsDefault = false
		}
	}
}

// ── Requests ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateRequest(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.TenantID == req.TenantID && r.EntityType == req.EntityType &&
			r.EntityID == req.EntityID && !r.Status.Terminal() {
			return apperr.Newf(apperr.CodeDuplicateRequest,
				"an open approval request already exists for %s %q", req.EntityType, req.EntityID)
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	for _, s := range req.Steps {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.RequestID = req.ID
	}
	req.Version = 1
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, apperr.NotFound("approval_request", requestID)
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) GetOpenRequestForEntity(_ context.Context, tenantID string, entityType EntityType, entityID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requests {
		if r.TenantID == tenantID && r.EntityType == entityType &&
			r.EntityID == entityID && !r.Status.Terminal() {
			return copyRequest(r), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, req *Request, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[req.ID]
	if !ok {
		return apperr.NotFound("approval_request", req.ID)
	}
	if stored.Version != expectedVersion {
		return apperr.Newf(apperr.CodeConflict,
			"request %q was modified concurrently (version %d, expected %d)",
			req.ID, stored.Version, expectedVersion)
	}
	for _, s := range req.Steps {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.RequestID = req.ID
	}
	req.Version = expectedVersion + 1
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) HasOpenRequestsForChain(_ context.Context, tenantID, chainID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requests {
		if r.TenantID == tenantID && r.ChainID == chainID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListOpenRequests(_ context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if !r.Status.Terminal() {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *MemoryStore) ListPendingApprovalsForUser(_ context.Context, tenantID, userID string) ([]*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingApproval
	for _, r := range m.requests {
		if r.TenantID != tenantID || r.Status != RequestStatusInProgress {
			continue
		}
		chain := m.chains[r.ChainID]
		for _, s := range r.Steps {
			if s.Status != StepStatusPending || s.ApproverID != userID {
				continue
			}
			levelName := ""
			if chain != nil {
				if lvl := chain.Level(s.LevelNumber); lvl != nil {
					levelName = lvl.Name
				}
			}
			out = append(out, &PendingApproval{
				StepID:      s.ID,
				RequestID:   r.ID,
				TenantID:    r.TenantID,
				EntityType:  r.EntityType,
				EntityID:    r.EntityID,
				EntityValue: r.EntityValue,
				LevelNumber: s.LevelNumber,
				LevelName:   levelName,
				RequesterID: r.RequesterID,
				RequestedAt: s.RequestedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// ── copy helpers ──────────────────────────────────────────────────────────────

func copyChain(c *Chain) *Chain {
	out := *c
	out.Levels = append([]ChainLevel(nil), c.Levels...)
	if c.Conditions != nil {
		out.Conditions = make(map[string]any, len(c.Conditions))
		for k, v := range c.Conditions {
			out.Conditions[k] = v
		}
	}
	return &out
}

func copyRequest(r *Request) *Request {
	out := *r
	out.Steps = make([]*Step, len(r.Steps))
	for i, s := range r.Steps {
		cp := *s
		out.Steps[i] = &cp
	}
	return &out
}
