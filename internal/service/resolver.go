package service

import (
	"context"
	"sort"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// ApproverResolver expands a level's abstract approver specification into the
// concrete set of eligible user ids for a tenant.
type ApproverResolver struct {
	roles RoleResolver
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(roles RoleResolver) *ApproverResolver {
	return &ApproverResolver{roles: roles}
}

// Resolve returns the eligible approver ids for a level, deduplicated and in
// stable order. An empty result is a hard failure: a level with nobody to
// approve it can never be satisfied.
func (r *ApproverResolver) Resolve(ctx context.Context, tenantID string, level repository.ChainLevel) ([]string, error) {
	switch level.ApproverType {
	case repository.ApproverTypeRole:
		if level.ApproverRole == "" {
			return nil, apperr.InvalidInput("approver_role", "role approver requires a role name")
		}
		users, err := r.roles.ListActiveUsersWithRole(ctx, tenantID, level.ApproverRole)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to resolve role approvers")
		}
		users = dedupe(users)
		if len(users) == 0 {
			return nil, apperr.Newf(apperr.CodeNoEligibleApprovers,
				"no active users hold role %q for level %d", level.ApproverRole, level.LevelNumber)
		}
		return users, nil

	case repository.ApproverTypeUser:
		if level.ApproverUserID == "" {
			return nil, apperr.InvalidInput("approver_user_id", "user approver requires a user id")
		}
		active, err := r.roles.IsActiveTenantUser(ctx, tenantID, level.ApproverUserID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to validate approver membership")
		}
		if !active {
			return nil, apperr.Newf(apperr.CodeNoEligibleApprovers,
				"user %q is not an active member of tenant %q", level.ApproverUserID, tenantID)
		}
		return []string{level.ApproverUserID}, nil
	}

	return nil, apperr.Newf(apperr.CodeInvalidInput, "unknown approver type %q", level.ApproverType)
}

// dedupe removes duplicate ids and sorts for deterministic step creation order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
