package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index guarding one open request per entity.
const uniqueViolation = "23505"

const requestColumns = `
	id, tenant_id, chain_id, entity_type, entity_id, entity_value,
	requester_id, current_level, status, requested_at, completed_at,
	expires_at, version`

const stepColumns = `
	id, request_id, level_number, status, approver_id, delegated_from,
	requested_at, responded_at, comments, escalated_at, overdue_at`

const insertStepQuery = `
	INSERT INTO approval_steps
	    (request_id, level_number, status, approver_id, delegated_from,
	     requested_at, responded_at, comments, escalated_at, overdue_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

// CreateRequest inserts a request and its initial steps in one transaction.
// The open-request-per-entity invariant is enforced by a partial unique index
// on (tenant_id, entity_type, entity_id) for non-terminal statuses.
func (s *Store) CreateRequest(ctx context.Context, req *repository.Request) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (tenant_id, chain_id, entity_type, entity_id, entity_value,
			     requester_id, current_level, status, requested_at, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			RETURNING id, version
		`
		err := tx.QueryRow(ctx, query,
			req.TenantID,
			req.ChainID,
			req.EntityType,
			req.EntityID,
			req.EntityValue,
			req.RequesterID,
			req.CurrentLevel,
			req.Status,
			req.RequestedAt,
			req.ExpiresAt,
		).Scan(&req.ID, &req.Version)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return apperr.Newf(apperr.CodeDuplicateRequest,
					"an open approval request already exists for %s %q", req.EntityType, req.EntityID)
			}
			return apperr.Wrap(err, apperr.CodeInternal, "failed to create approval request")
		}

		for _, step := range req.Steps {
			step.RequestID = req.ID
			if err := insertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRequest loads the request aggregate: the request row plus all steps.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*repository.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanRequest(s.db.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("approval_request", requestID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// GetOpenRequestForEntity returns the non-terminal request for an entity, or nil.
func (s *Store) GetOpenRequestForEntity(ctx context.Context, tenantID string, entityType repository.EntityType, entityID string) (*repository.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND status IN ('pending', 'in_progress')
		LIMIT 1`

	req, err := scanRequest(s.db.QueryRow(ctx, query, tenantID, entityType, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// SaveRequest writes the aggregate guarded by the version check: the UPDATE
// matches only when the stored version equals expectedVersion, and bumps it.
// Existing steps are updated in place; steps without an id are inserted.
func (s *Store) SaveRequest(ctx context.Context, req *repository.Request, expectedVersion int64) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET current_level = $3,
			    status        = $4,
			    completed_at  = $5,
			    expires_at    = $6,
			    version       = version + 1
			WHERE id = $1 AND version = $2
			RETURNING version
		`
		err := tx.QueryRow(ctx, query,
			req.ID,
			expectedVersion,
			req.CurrentLevel,
			req.Status,
			req.CompletedAt,
			req.ExpiresAt,
		).Scan(&req.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID,
			).Scan(&exists); checkErr != nil {
				return apperr.Wrap(checkErr, apperr.CodeInternal, "failed to check request existence")
			}
			if !exists {
				return apperr.NotFound("approval_request", req.ID)
			}
			return apperr.Newf(apperr.CodeConflict,
				"request %q was modified concurrently (expected version %d)", req.ID, expectedVersion)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to save approval request")
		}

		for _, step := range req.Steps {
			step.RequestID = req.ID
			if step.ID == "" {
				if err := insertStep(ctx, tx, step); err != nil {
					return err
				}
				continue
			}
			if err := updateStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasOpenRequestsForChain reports whether any non-terminal request references
// the chain.
func (s *Store) HasOpenRequestsForChain(ctx context.Context, tenantID, chainID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM approval_requests
			WHERE tenant_id = $1 AND chain_id = $2
			  AND status IN ('pending', 'in_progress')
		)`, tenantID, chainID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to check chain usage")
	}
	return exists, nil
}

// ListOpenRequests returns every non-terminal request with steps, oldest first.
func (s *Store) ListOpenRequests(ctx context.Context) ([]*repository.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('pending', 'in_progress')
		ORDER BY requested_at ASC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list open requests")
	}
	defer rows.Close()

	var requests []*repository.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list open requests")
	}

	for _, req := range requests {
		if err := s.loadSteps(ctx, req); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

// ListPendingApprovalsForUser joins pending steps with their request and the
// chain's level definition to produce the approver-inbox view.
func (s *Store) ListPendingApprovalsForUser(ctx context.Context, tenantID, userID string) ([]*repository.PendingApproval, error) {
	query := `
		SELECT st.id, r.id, r.tenant_id, r.entity_type, r.entity_id, r.entity_value,
		       st.level_number,
		       COALESCE(lvl->>'name', ''),
		       r.requester_id, st.requested_at
		FROM approval_steps st
		JOIN approval_requests r ON r.id = st.request_id
		LEFT JOIN approval_chains c ON c.id = r.chain_id
		LEFT JOIN LATERAL (
			SELECT l AS lvl
			FROM jsonb_array_elements(c.levels) AS l
			WHERE (l->>'level_number')::int = st.level_number
			LIMIT 1
		) level_def ON TRUE
		WHERE r.tenant_id = $1
		  AND r.status = 'in_progress'
		  AND st.status = 'pending'
		  AND st.approver_id = $2
		ORDER BY st.requested_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var out []*repository.PendingApproval
	for rows.Next() {
		p := &repository.PendingApproval{}
		err := rows.Scan(
			&p.StepID,
			&p.RequestID,
			&p.TenantID,
			&p.EntityType,
			&p.EntityID,
			&p.EntityValue,
			&p.LevelNumber,
			&p.LevelName,
			&p.RequesterID,
			&p.RequestedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan pending approval")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── step + scan helpers ──────────────────────────────────────────────────────

func insertStep(ctx context.Context, tx pgx.Tx, step *repository.Step) error {
	err := tx.QueryRow(ctx, insertStepQuery,
		step.RequestID,
		step.LevelNumber,
		step.Status,
		step.ApproverID,
		step.DelegatedFrom,
		step.RequestedAt,
		step.RespondedAt,
		step.Comments,
		step.EscalatedAt,
		step.OverdueAt,
	).Scan(&step.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create approval step")
	}
	return nil
}

func updateStep(ctx context.Context, tx pgx.Tx, step *repository.Step) error {
	query := `
		UPDATE approval_steps
		SET status       = $2,
		    responded_at = $3,
		    comments     = $4,
		    escalated_at = $5,
		    overdue_at   = $6
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query,
		step.ID,
		step.Status,
		step.RespondedAt,
		step.Comments,
		step.EscalatedAt,
		step.OverdueAt,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update approval step")
	}
	return nil
}

func (s *Store) loadSteps(ctx context.Context, req *repository.Request) error {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY level_number ASC, requested_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, req.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to load approval steps")
	}
	defer rows.Close()

	req.Steps = nil
	for rows.Next() {
		step := &repository.Step{}
		err := rows.Scan(
			&step.ID,
			&step.RequestID,
			&step.LevelNumber,
			&step.Status,
			&step.ApproverID,
			&step.DelegatedFrom,
			&step.RequestedAt,
			&step.RespondedAt,
			&step.Comments,
			&step.EscalatedAt,
			&step.OverdueAt,
		)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval step")
		}
		req.Steps = append(req.Steps, step)
	}
	return rows.Err()
}

func scanRequest(row rowScanner) (*repository.Request, error) {
	req := &repository.Request{}
	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.ChainID,
		&req.EntityType,
		&req.EntityID,
		&req.EntityValue,
		&req.RequesterID,
		&req.CurrentLevel,
		&req.Status,
		&req.RequestedAt,
		&req.CompletedAt,
		&req.ExpiresAt,
		&req.Version,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
