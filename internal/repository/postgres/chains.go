package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

const chainColumns = `
	id, tenant_id, name, entity_type, is_active, is_default,
	conditions, levels, created_at, updated_at`

// CreateChain inserts a chain; when it is flagged default, the default flag is
// cleared on every sibling chain in the same transaction.
func (s *Store) CreateChain(ctx context.Context, chain *repository.Chain) error {
	levelsJSON, conditionsJSON, err := marshalChain(chain)
	if err != nil {
		return err
	}

	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if chain.IsDefault {
			if err := clearDefault(ctx, tx, chain.TenantID, chain.EntityType); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO approval_chains
			    (tenant_id, name, entity_type, is_active, is_default, conditions, levels)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			chain.TenantID,
			chain.Name,
			chain.EntityType,
			chain.IsActive,
			chain.IsDefault,
			conditionsJSON,
			levelsJSON,
		).Scan(&chain.ID, &chain.CreatedAt, &chain.UpdatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to create approval chain")
		}
		return nil
	})
}

// GetChain retrieves a chain scoped to its tenant.
func (s *Store) GetChain(ctx context.Context, tenantID, chainID string) (*repository.Chain, error) {
	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE id = $1 AND tenant_id = $2`

	chain, err := scanChain(s.db.QueryRow(ctx, query, chainID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("approval_chain", chainID)
	}
	return chain, err
}

// UpdateChain persists chain mutations with the same default-flag discipline
// as CreateChain.
func (s *Store) UpdateChain(ctx context.Context, chain *repository.Chain) error {
	levelsJSON, conditionsJSON, err := marshalChain(chain)
	if err != nil {
		return err
	}

	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if chain.IsDefault {
			if err := clearDefault(ctx, tx, chain.TenantID, chain.EntityType); err != nil {
				return err
			}
		}

		query := `
			UPDATE approval_chains
			SET name       = $3,
			    is_active  = $4,
			    is_default = $5,
			    conditions = $6,
			    levels     = $7,
			    updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
			RETURNING updated_at
		`
		err := tx.QueryRow(ctx, query,
			chain.ID,
			chain.TenantID,
			chain.Name,
			chain.IsActive,
			chain.IsDefault,
			conditionsJSON,
			levelsJSON,
		).Scan(&chain.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("approval_chain", chain.ID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to update approval chain")
		}
		return nil
	})
}

// DeleteChain removes a chain row.
func (s *Store) DeleteChain(ctx context.Context, tenantID, chainID string) error {
	affected, err := s.db.Exec(ctx,
		`DELETE FROM approval_chains WHERE id = $1 AND tenant_id = $2`, chainID, tenantID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to delete approval chain")
	}
	if affected == 0 {
		return apperr.NotFound("approval_chain", chainID)
	}
	return nil
}

// ListChains returns all chains for a tenant and entity type.
func (s *Store) ListChains(ctx context.Context, tenantID string, entityType repository.EntityType) ([]*repository.Chain, error) {
	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE tenant_id = $1 AND entity_type = $2
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, tenantID, entityType)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list approval chains")
	}
	defer rows.Close()

	var chains []*repository.Chain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval chain")
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

// GetDefaultChain returns the active default chain, or nil when none exists.
func (s *Store) GetDefaultChain(ctx context.Context, tenantID string, entityType repository.EntityType) (*repository.Chain, error) {
	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE tenant_id = $1 AND entity_type = $2
		  AND is_default = TRUE AND is_active = TRUE
		LIMIT 1`

	chain, err := scanChain(s.db.QueryRow(ctx, query, tenantID, entityType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return chain, err
}

// SetDefaultChain atomically makes chainID the sole default for its
// tenant+entity type.
func (s *Store) SetDefaultChain(ctx context.Context, tenantID, chainID string) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var entityType repository.EntityType
		err := tx.QueryRow(ctx,
			`SELECT entity_type FROM approval_chains WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			chainID, tenantID,
		).Scan(&entityType)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("approval_chain", chainID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to load chain for default switch")
		}

		if err := clearDefault(ctx, tx, tenantID, entityType); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE approval_chains SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, chainID)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to set default chain")
		}
		return nil
	})
}

func clearDefault(ctx context.Context, tx pgx.Tx, tenantID string, entityType repository.EntityType) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_chains
		SET is_default = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND entity_type = $2 AND is_default = TRUE`,
		tenantID, entityType)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to clear default chain flag")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalChain(chain *repository.Chain) (levels, conditions []byte, err error) {
	levels, err = json.Marshal(chain.Levels)
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeInternal, "failed to marshal chain levels")
	}
	if chain.Conditions != nil {
		conditions, err = json.Marshal(chain.Conditions)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeInternal, "failed to marshal chain conditions")
		}
	}
	return levels, conditions, nil
}

func scanChain(row rowScanner) (*repository.Chain, error) {
	chain := &repository.Chain{}
	var levelsJSON, conditionsJSON []byte

	err := row.Scan(
		&chain.ID,
		&chain.TenantID,
		&chain.Name,
		&chain.EntityType,
		&chain.IsActive,
		&chain.IsDefault,
		&conditionsJSON,
		&levelsJSON,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &chain.Levels); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal chain levels")
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &chain.Conditions); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal chain conditions")
		}
	}
	return chain, nil
}
