package repository

import "context"

// ApprovalStore is the persistence boundary of the engine. Implementations
// must provide the atomicity guarantees documented per method; the engine
// itself never opens transactions.
//
// The request aggregate (request row plus all of its steps) is written as a
// unit by SaveRequest, guarded by an optimistic version check, so concurrent
// mutations of the same request serialize through version conflicts.
type ApprovalStore interface {
	// ── Chains ────────────────────────────────────────────────────────────

	// CreateChain persists a new chain. When chain.IsDefault is set, the
	// default flag on any other chain for the same tenant+entity type is
	// cleared in the same transaction.
	CreateChain(ctx context.Context, chain *Chain) error

	// GetChain returns the chain or a not_found error.
	GetChain(ctx context.Context, tenantID, chainID string) (*Chain, error)

	// UpdateChain persists chain mutations, with the same default-flag
	// discipline as CreateChain.
	UpdateChain(ctx context.Context, chain *Chain) error

	// DeleteChain removes a chain. Referential checks are the caller's job.
	DeleteChain(ctx context.Context, tenantID, chainID string) error

	// ListChains returns all chains for a tenant and entity type.
	ListChains(ctx context.Context, tenantID string, entityType EntityType) ([]*Chain, error)

	// GetDefaultChain returns the active default chain for the tenant and
	// entity type, or nil when none is configured.
	GetDefaultChain(ctx context.Context, tenantID string, entityType EntityType) (*Chain, error)

	// SetDefaultChain atomically makes chainID the sole default for its
	// tenant+entity type.
	SetDefaultChain(ctx context.Context, tenantID, chainID string) error

	// ── Requests ──────────────────────────────────────────────────────────

	// CreateRequest persists a new request and its initial steps in one
	// transaction. Fails with duplicate_request when a non-terminal request
	// already exists for the same (tenant, entity type, entity id).
	CreateRequest(ctx context.Context, req *Request) error

	// GetRequest returns the request aggregate (steps included) or not_found.
	// Lookup is by id alone; tenant ownership is the engine's check, so it can
	// distinguish a missing request from a cross-tenant access.
	GetRequest(ctx context.Context, requestID string) (*Request, error)

	// GetOpenRequestForEntity returns the non-terminal request for an entity,
	// or nil when none exists.
	GetOpenRequestForEntity(ctx context.Context, tenantID string, entityType EntityType, entityID string) (*Request, error)

	// SaveRequest writes the full aggregate if the stored version still equals
	// expectedVersion, bumping the version; otherwise fails with conflict.
	SaveRequest(ctx context.Context, req *Request, expectedVersion int64) error

	// HasOpenRequestsForChain reports whether any non-terminal request
	// references the chain.
	HasOpenRequestsForChain(ctx context.Context, tenantID, chainID string) (bool, error)

	// ListOpenRequests returns every request in a non-terminal status across
	// all tenants, for the escalation scan.
	ListOpenRequests(ctx context.Context) ([]*Request, error)

	// ListPendingApprovalsForUser returns the denormalized pending-step view
	// for one approver within a tenant.
	ListPendingApprovalsForUser(ctx context.Context, tenantID, userID string) ([]*PendingApproval, error)
}
