package service

import (
	"context"
	"time"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// Delegate reassigns a pending step from its approver to another active tenant
// user, when the level's policy allows it. The original step is cancelled and
// a fresh pending step is created at the same level carrying the delegation
// provenance. Delegation never advances the level or touches request status.
func (s *ApprovalService) Delegate(ctx context.Context, requestID, stepID, tenantID, fromApproverID, toUserID string, comments *string) (*repository.Request, error) {
	if toUserID == "" {
		return nil, apperr.InvalidInput("to_user_id", "delegation target is required")
	}

	var newStepLevel int

	req, err := s.mutateRequest(ctx, requestID, tenantID, func(req *repository.Request) error {
		step, err := s.pendingStepFor(req, stepID, fromApproverID)
		if err != nil {
			return err
		}

		chain, err := s.store.GetChain(ctx, req.TenantID, req.ChainID)
		if err != nil {
			return err
		}
		level := chain.Level(step.LevelNumber)
		if level == nil {
			return apperr.Newf(apperr.CodeInternal,
				"level %d is no longer defined on chain %q", step.LevelNumber, chain.ID)
		}
		if !level.AllowDelegation {
			return apperr.Newf(apperr.CodeDelegationNotAllowed,
				"level %d does not allow delegation", level.LevelNumber)
		}

		active, err := s.resolver.roles.IsActiveTenantUser(ctx, req.TenantID, toUserID)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to validate delegation target")
		}
		if !active {
			return apperr.NotFound("tenant_user", toUserID)
		}

		now := time.Now().UTC()
		step.Status = repository.StepStatusCancelled
		step.RespondedAt = &now
		step.Comments = comments

		from := fromApproverID
		req.Steps = append(req.Steps, &repository.Step{
			RequestID:     req.ID,
			LevelNumber:   step.LevelNumber,
			Status:        repository.StepStatusPending,
			ApproverID:    toUserID,
			DelegatedFrom: &from,
			RequestedAt:   now,
		})
		newStepLevel = step.LevelNumber
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("step_id", stepID).
		Str("from", fromApproverID).
		Str("to", toUserID).
		Int("level", newStepLevel).
		Msg("Approval step delegated")

	emit(ctx, s.sink, s.log, Event{
		Type: EventStepDelegated, TenantID: req.TenantID, RequestID: req.ID,
		StepID: stepID, EntityType: req.EntityType, EntityID: req.EntityID,
		ActorID: fromApproverID, LevelNumber: newStepLevel,
		Payload: map[string]any{"delegated_to": toUserID},
	})
	emit(ctx, s.sink, s.log, Event{
		Type: EventStepAssigned, TenantID: req.TenantID, RequestID: req.ID,
		EntityType: req.EntityType, EntityID: req.EntityID,
		ActorID: toUserID, LevelNumber: newStepLevel,
	})
	return req, nil
}
