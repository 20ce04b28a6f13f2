package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

// systemActor marks actions initiated by the scanner rather than a user.
const systemActor = "system"

// EscalationScanner is the background process that watches open requests for
// timeout breaches. One periodic scan covers all requests; there are no
// per-request timers, so a process restart loses nothing.
//
// For an overdue pending step whose level declares an escalation target, the
// step is reassigned (system-initiated delegation) to the approver set
// resolved from the target level's approver spec. Without a target the step
// is flagged overdue once and a notification event is emitted; the request is
// never auto-rejected or auto-approved by a timeout.
type EscalationScanner struct {
	store    repository.ApprovalStore
	resolver *ApproverResolver
	sink     EventSink
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewEscalationScanner creates a scanner that ticks at the given interval.
func NewEscalationScanner(
	store repository.ApprovalStore,
	resolver *ApproverResolver,
	sink EventSink,
	log zerolog.Logger,
	interval time.Duration,
) *EscalationScanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EscalationScanner{
		store:    store,
		resolver: resolver,
		sink:     sink,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// Run blocks, scanning on every tick until the context is cancelled.
func (e *EscalationScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.interval).Msg("Escalation scanner started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Escalation scanner stopped")
			return
		case <-ticker.C:
			if err := e.ScanOnce(ctx); err != nil {
				e.log.Error().Err(err).Msg("Escalation scan failed")
			}
		}
	}
}

// ScanOnce walks every open request once. Failures on one request are logged
// and never abort the scan; version conflicts with concurrent approver actions
// are expected benign races and skipped silently.
func (e *EscalationScanner) ScanOnce(ctx context.Context) error {
	requests, err := e.store.ListOpenRequests(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to list open requests")
	}

	for _, req := range requests {
		if err := e.scanRequest(ctx, req); err != nil {
			if apperr.IsCode(err, apperr.CodeConflict) {
				continue
			}
			e.log.Warn().Err(err).
				Str("request_id", req.ID).
				Msg("Skipping request after failed escalation attempt")
		}
	}
	return nil
}

// scanRequest applies expiry and per-step timeout handling to one request,
// committing all mutations in a single version-checked write.
func (e *EscalationScanner) scanRequest(ctx context.Context, req *repository.Request) error {
	now := e.now().UTC()

	if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
		return e.expireRequest(ctx, req, now)
	}
	if req.Status != repository.RequestStatusInProgress {
		return nil
	}

	chain, err := e.store.GetChain(ctx, req.TenantID, req.ChainID)
	if err != nil {
		return err
	}

	var events []Event
	dirty := false
	for _, step := range req.Steps {
		if step.Status != repository.StepStatusPending {
			continue
		}
		// Already handled on an earlier scan.
		if step.EscalatedAt != nil || step.OverdueAt != nil {
			continue
		}
		level := chain.Level(step.LevelNumber)
		if level == nil || level.TimeoutHours <= 0 {
			continue
		}
		deadline := step.RequestedAt.Add(time.Duration(level.TimeoutHours) * time.Hour)
		if now.Before(deadline) {
			continue
		}

		if level.EscalationLevel == nil {
			step.OverdueAt = &now
			dirty = true
			events = append(events, Event{
				Type: EventStepOverdue, TenantID: req.TenantID, RequestID: req.ID,
				StepID: step.ID, EntityType: req.EntityType, EntityID: req.EntityID,
				ActorID: step.ApproverID, LevelNumber: step.LevelNumber,
			})
			continue
		}

		target := chain.Level(*level.EscalationLevel)
		if target == nil {
			e.log.Warn().
				Str("request_id", req.ID).
				Int("level", step.LevelNumber).
				Int("escalation_level", *level.EscalationLevel).
				Msg("Escalation target level no longer defined; leaving step for next scan")
			continue
		}
		approvers, err := e.resolver.Resolve(ctx, req.TenantID, *target)
		if err != nil {
			// Isolated failure: keep the step unstamped so the next scan retries.
			e.log.Warn().Err(err).
				Str("request_id", req.ID).
				Str("step_id", step.ID).
				Int("escalation_level", target.LevelNumber).
				Msg("Failed to resolve escalation approvers")
			continue
		}

		from := step.ApproverID
		step.Status = repository.StepStatusCancelled
		step.EscalatedAt = &now
		step.RespondedAt = &now
		dirty = true
		events = append(events, Event{
			Type: EventStepEscalated, TenantID: req.TenantID, RequestID: req.ID,
			StepID: step.ID, EntityType: req.EntityType, EntityID: req.EntityID,
			ActorID: systemActor, LevelNumber: step.LevelNumber,
			Payload: map[string]any{"escalation_level": target.LevelNumber},
		})
		for _, approver := range approvers {
			req.Steps = append(req.Steps, &repository.Step{
				RequestID:     req.ID,
				LevelNumber:   step.LevelNumber,
				Status:        repository.StepStatusPending,
				ApproverID:    approver,
				DelegatedFrom: &from,
				RequestedAt:   now,
			})
			events = append(events, Event{
				Type: EventStepAssigned, TenantID: req.TenantID, RequestID: req.ID,
				EntityType: req.EntityType, EntityID: req.EntityID,
				ActorID: approver, LevelNumber: step.LevelNumber,
			})
		}
		e.log.Info().
			Str("request_id", req.ID).
			Str("step_id", step.ID).
			Int("level", step.LevelNumber).
			Int("escalation_level", target.LevelNumber).
			Int("new_steps", len(approvers)).
			Msg("Overdue step escalated")
	}

	if !dirty {
		return nil
	}
	if err := e.store.SaveRequest(ctx, req, req.Version); err != nil {
		return err
	}
	for _, ev := range events {
		emit(ctx, e.sink, e.log, ev)
	}
	return nil
}

// expireRequest finalizes a request whose explicit expiry has passed.
func (e *EscalationScanner) expireRequest(ctx context.Context, req *repository.Request, now time.Time) error {
	for _, step := range req.Steps {
		if step.Status == repository.StepStatusPending {
			step.Status = repository.StepStatusCancelled
			step.RespondedAt = &now
		}
	}
	req.Status = repository.RequestStatusExpired
	req.CompletedAt = &now

	if err := e.store.SaveRequest(ctx, req, req.Version); err != nil {
		return err
	}
	e.log.Info().
		Str("request_id", req.ID).
		Time("expired_at", *req.ExpiresAt).
		Msg("Approval request expired")
	emit(ctx, e.sink, e.log, Event{
		Type: EventRequestCompleted, TenantID: req.TenantID, RequestID: req.ID,
		EntityType: req.EntityType, EntityID: req.EntityID,
		ActorID: systemActor, Outcome: string(repository.RequestStatusExpired),
	})
	return nil
}
