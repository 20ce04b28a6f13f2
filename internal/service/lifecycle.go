package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// saveAttempts bounds the re-read/re-validate loop on optimistic version
// conflicts. Conflicts only arise from concurrent mutations of the same
// request, so a handful of attempts is always enough; a loser whose
// preconditions no longer hold fails validation on the re-read instead.
const saveAttempts = 3

// ApprovalService is the request lifecycle state machine: submission, per-step
// approve/reject, level advancement, completion, cancellation and delegation.
//
// Every mutation runs read → validate → compute → write, with the write
// guarded by the store's optimistic version check on the request aggregate, so
// concurrent approvers cannot both observe an unsatisfied quorum and advance a
// level twice.
type ApprovalService struct {
	store    repository.ApprovalStore
	chains   *ChainService
	resolver *ApproverResolver
	quorum   *QuorumEvaluator
	sink     EventSink
	log      zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	store repository.ApprovalStore,
	chains *ChainService,
	resolver *ApproverResolver,
	sink EventSink,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		store:    store,
		chains:   chains,
		resolver: resolver,
		quorum:   NewQuorumEvaluator(),
		sink:     sink,
		log:      log,
	}
}

// SubmitInput carries everything needed to open an approval request.
type SubmitInput struct {
	TenantID    string
	EntityType  repository.EntityType
	EntityID    string
	EntityValue int64 // minor currency units
	RequesterID string
	ExpiresAt   *time.Time // optional hard expiry for the whole request
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitForApproval routes an entity onto its tenant's default chain: selects
// the applicable levels for the entity value, resolves the first level's
// approvers and creates the request with one pending step per approver.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, in SubmitInput) (*repository.Request, error) {
	if in.TenantID == "" || in.EntityID == "" || in.RequesterID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant id, entity id and requester id are required")
	}

	chain, err := s.store.GetDefaultChain(ctx, in.TenantID, in.EntityType)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, apperr.Newf(apperr.CodeNoDefaultChain,
			"no default approval chain configured for entity type %q", in.EntityType)
	}

	if open, err := s.store.GetOpenRequestForEntity(ctx, in.TenantID, in.EntityType, in.EntityID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, apperr.Newf(apperr.CodeDuplicateRequest,
			"an open approval request already exists for %s %q", in.EntityType, in.EntityID)
	}

	levels, err := s.chains.ApplicableLevels(chain, in.EntityValue)
	if err != nil {
		return nil, err
	}
	first := levels[0]

	approvers, err := s.resolver.Resolve(ctx, in.TenantID, first)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &repository.Request{
		TenantID:     in.TenantID,
		ChainID:      chain.ID,
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		EntityValue:  in.EntityValue,
		RequesterID:  in.RequesterID,
		CurrentLevel: first.LevelNumber,
		Status:       repository.RequestStatusInProgress,
		RequestedAt:  now,
		ExpiresAt:    in.ExpiresAt,
	}
	for _, approver := range approvers {
		req.Steps = append(req.Steps, &repository.Step{
			LevelNumber: first.LevelNumber,
			Status:      repository.StepStatusPending,
			ApproverID:  approver,
			RequestedAt: now,
		})
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("entity_type", string(req.EntityType)).
		Str("entity_id", req.EntityID).
		Int("level", req.CurrentLevel).
		Int("steps", len(req.Steps)).
		Msg("Approval request submitted")

	emit(ctx, s.sink, s.log, Event{
		Type: EventRequestSubmitted, TenantID: req.TenantID, RequestID: req.ID,
		EntityType: req.EntityType, EntityID: req.EntityID,
		ActorID: req.RequesterID, LevelNumber: req.CurrentLevel,
	})
	for _, step := range req.Steps {
		emit(ctx, s.sink, s.log, Event{
			Type: EventStepAssigned, TenantID: req.TenantID, RequestID: req.ID,
			StepID: step.ID, EntityType: req.EntityType, EntityID: req.EntityID,
			ActorID: step.ApproverID, LevelNumber: step.LevelNumber,
		})
	}
	return req, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records one approver's approval of a step. When the step closes the
// level's quorum, the request either completes (last applicable level) or
// advances to the next applicable level, whose approvers are resolved and
// assigned. Still-pending steps at a satisfied level are left as-is: the level
// is already decided, stragglers are inert.
func (s *ApprovalService) Approve(ctx context.Context, requestID, stepID, tenantID, approverID string, comments *string) (*repository.Request, error) {
	var events []Event

	req, err := s.mutateRequest(ctx, requestID, tenantID, func(req *repository.Request) error {
		events = events[:0]

		step, err := s.pendingStepFor(req, stepID, approverID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		step.Status = repository.StepStatusApproved
		step.RespondedAt = &now
		step.Comments = comments
		events = append(events, Event{
			Type: EventStepApproved, TenantID: req.TenantID, RequestID: req.ID,
			StepID: step.ID, EntityType: req.EntityType, EntityID: req.EntityID,
			ActorID: approverID, LevelNumber: step.LevelNumber,
		})

		// A straggler approval at an already-satisfied (and advanced past)
		// level is recorded but has no further effect on the request.
		if step.LevelNumber != req.CurrentLevel {
			return nil
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

		if !s.quorum.Satisfied(*level, req.Steps) {
			return nil // await further approvals on this level
		}

		levels, err := s.chains.ApplicableLevels(chain, req.EntityValue)
		if err != nil {
			return err
		}
		next := nextApplicableLevel(levels, req.CurrentLevel)
		if next == nil {
			req.Status = repository.RequestStatusApproved
			req.CompletedAt = &now
			events = append(events, Event{
				Type: EventRequestCompleted, TenantID: req.TenantID, RequestID: req.ID,
				EntityType: req.EntityType, EntityID: req.EntityID,
				Outcome: string(repository.RequestStatusApproved),
			})
			return nil
		}

		approvers, err := s.resolver.Resolve(ctx, req.TenantID, *next)
		if err != nil {
			return err
		}
		req.CurrentLevel = next.LevelNumber
		events = append(events, Event{
			Type: EventLevelAdvanced, TenantID: req.TenantID, RequestID: req.ID,
			EntityType: req.EntityType, EntityID: req.EntityID, LevelNumber: next.LevelNumber,
		})
		for _, approver := range approvers {
			newStep := &repository.Step{
				RequestID:   req.ID,
				LevelNumber: next.LevelNumber,
				Status:      repository.StepStatusPending,
				ApproverID:  approver,
				RequestedAt: now,
			}
			req.Steps = append(req.Steps, newStep)
			events = append(events, Event{
				Type: EventStepAssigned, TenantID: req.TenantID, RequestID: req.ID,
				EntityType: req.EntityType, EntityID: req.EntityID,
				ActorID: approver, LevelNumber: next.LevelNumber,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("step_id", stepID).
		Str("approver_id", approverID).
		Int("level", req.CurrentLevel).
		Str("status", string(req.Status)).
		Msg("Approval step approved")

	s.emitAll(ctx, req, events)
	return req, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject records a rejection. A single rejection at any level finalizes the
// whole request as rejected; there is no rejection quorum. Other steps at the
// level keep their status for the audit trail.
func (s *ApprovalService) Reject(ctx context.Context, requestID, stepID, tenantID, approverID string, comments *string) (*repository.Request, error) {
	var events []Event

	req, err := s.mutateRequest(ctx, requestID, tenantID, func(req *repository.Request) error {
		events = events[:0]

		step, err := s.pendingStepFor(req, stepID, approverID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		step.Status = repository.StepStatusRejected
		step.RespondedAt = &now
		step.Comments = comments
		req.Status = repository.RequestStatusRejected
		req.CompletedAt = &now

		events = append(events,
			Event{
				Type: EventStepRejected, TenantID: req.TenantID, RequestID: req.ID,
				StepID: step.ID, EntityType: req.EntityType, EntityID: req.EntityID,
				ActorID: approverID, LevelNumber: step.LevelNumber,
			},
			Event{
				Type: EventRequestCompleted, TenantID: req.TenantID, RequestID: req.ID,
				EntityType: req.EntityType, EntityID: req.EntityID,
				Outcome: string(repository.RequestStatusRejected),
			},
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("step_id", stepID).
		Str("approver_id", approverID).
		Msg("Approval request rejected")

	s.emitAll(ctx, req, events)
	return req, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelRequest withdraws an open request. Only the original requester may
// cancel, and only before the request reaches a terminal status. All pending
// steps are cancelled with it.
func (s *ApprovalService) CancelRequest(ctx context.Context, requestID, tenantID, requesterID string) (*repository.Request, error) {
	req, err := s.mutateRequest(ctx, requestID, tenantID, func(req *repository.Request) error {
		if req.RequesterID != requesterID {
			return apperr.New(apperr.CodeForbidden, "only the original requester can cancel the request")
		}
		if req.Status.Terminal() {
			return apperr.Newf(apperr.CodeRequestAlreadyFinalized,
				"request %q is already %s", req.ID, req.Status)
		}

		now := time.Now().UTC()
		for _, step := range req.Steps {
			if step.Status == repository.StepStatusPending {
				step.Status = repository.StepStatusCancelled
				step.RespondedAt = &now
			}
		}
		req.Status = repository.RequestStatusCancelled
		req.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("requester_id", requesterID).
		Msg("Approval request cancelled")

	emit(ctx, s.sink, s.log, Event{
		Type: EventRequestCancelled, TenantID: req.TenantID, RequestID: req.ID,
		EntityType: req.EntityType, EntityID: req.EntityID, ActorID: requesterID,
	})
	return req, nil
}

// ── Read paths ────────────────────────────────────────────────────────────────

// GetRequest returns one request aggregate, enforcing tenant ownership.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID, tenantID string) (*repository.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.TenantID != tenantID {
		return nil, apperr.Newf(apperr.CodeTenantMismatch,
			"request %q belongs to a different tenant", requestID)
	}
	return req, nil
}

// GetPendingApprovals returns the steps currently awaiting action from a user,
// denormalized with level and request context. Read-only.
func (s *ApprovalService) GetPendingApprovals(ctx context.Context, tenantID, userID string) ([]*repository.PendingApproval, error) {
	return s.store.ListPendingApprovalsForUser(ctx, tenantID, userID)
}

// ── Shared mutation machinery ────────────────────────────────────────────────

// mutateRequest runs the read–validate–compute–write cycle for one request.
// On a version conflict it re-reads and re-runs mutate from scratch, so a
// loser of a concurrent race revalidates against the winner's state and fails
// its own precondition check instead of silently overwriting.
func (s *ApprovalService) mutateRequest(ctx context.Context, requestID, tenantID string, mutate func(*repository.Request) error) (*repository.Request, error) {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.TenantID != tenantID {
			return nil, apperr.Newf(apperr.CodeTenantMismatch,
				"request %q belongs to a different tenant", requestID)
		}

		if err := mutate(req); err != nil {
			return nil, err
		}

		if err := s.store.SaveRequest(ctx, req, req.Version); err != nil {
			if apperr.IsCode(err, apperr.CodeConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return req, nil
	}
	return nil, lastErr
}

// pendingStepFor validates the common approve/reject/delegate preconditions
// and returns the addressed step.
func (s *ApprovalService) pendingStepFor(req *repository.Request, stepID, actorID string) (*repository.Step, error) {
	if req.Status.Terminal() {
		return nil, apperr.Newf(apperr.CodeRequestAlreadyFinalized,
			"request %q is already %s", req.ID, req.Status)
	}
	step := req.Step(stepID)
	if step == nil {
		return nil, apperr.NotFound("approval_step", stepID)
	}
	if step.ApproverID != actorID {
		return nil, apperr.Newf(apperr.CodeForbidden,
			"user %q is not the assigned approver for this step", actorID)
	}
	if step.Status != repository.StepStatusPending {
		return nil, apperr.Newf(apperr.CodeStepAlreadyProcessed,
			"step %q is already %s", step.ID, step.Status)
	}
	return step, nil
}

func (s *ApprovalService) emitAll(ctx context.Context, req *repository.Request, events []Event) {
	for _, ev := range events {
		// Step ids are minted by the store on save; backfill assignment events.
		if ev.Type == EventStepAssigned && ev.StepID == "" {
			for _, step := range req.StepsAtLevel(ev.LevelNumber) {
				if step.ApproverID == ev.ActorID {
					ev.StepID = step.ID
					break
				}
			}
		}
		emit(ctx, s.sink, s.log, ev)
	}
}

// nextApplicableLevel returns the first applicable level strictly after
// current, or nil when current is the last one.
func nextApplicableLevel(levels []repository.ChainLevel, current int) *repository.ChainLevel {
	for i := range levels {
		if levels[i].LevelNumber > current {
			return &levels[i]
		}
	}
	return nil
}
