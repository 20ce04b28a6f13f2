package client

import (
	"context"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository/postgres"
)

// DirectoryClient implements service.RoleResolver against the tenant directory
// read model maintained by the identity service. The engine only ever reads
// this data.
type DirectoryClient struct {
	db *postgres.DB
}

// NewDirectoryClient creates a directory client on an established pool.
func NewDirectoryClient(db *postgres.DB) *DirectoryClient {
	return &DirectoryClient{db: db}
}

// ListActiveUsersWithRole returns the ids of all active tenant users holding
// the given role.
func (c *DirectoryClient) ListActiveUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	query := `
		SELECT u.user_id
		FROM tenant_users u
		JOIN tenant_user_roles r ON r.tenant_id = u.tenant_id AND r.user_id = u.user_id
		WHERE u.tenant_id = $1
		  AND u.is_active = TRUE
		  AND r.role = $2
		ORDER BY u.user_id ASC
	`

	rows, err := c.db.Query(ctx, query, tenantID, role)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list users with role")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan user id")
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// IsActiveTenantUser reports whether the user is an active tenant member.
func (c *DirectoryClient) IsActiveTenantUser(ctx context.Context, tenantID, userID string) (bool, error) {
	var active bool
	err := c.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tenant_users
			WHERE tenant_id = $1 AND user_id = $2 AND is_active = TRUE
		)`, tenantID, userID).Scan(&active)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to check tenant membership")
	}
	return active, nil
}
