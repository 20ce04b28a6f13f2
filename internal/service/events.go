package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/repository"
)

// EventType names a domain event emitted by the engine.
type EventType string

const (
	EventRequestSubmitted EventType = "request_submitted"
	EventStepAssigned     EventType = "step_assigned"
	EventStepApproved     EventType = "step_approved"
	EventStepRejected     EventType = "step_rejected"
	EventLevelAdvanced    EventType = "level_advanced"
	EventRequestCompleted EventType = "request_completed"
	EventStepDelegated    EventType = "step_delegated"
	EventStepEscalated    EventType = "step_escalated"
	EventStepOverdue      EventType = "step_overdue"
	EventRequestCancelled EventType = "request_cancelled"
)

// Event is the payload handed to the EventSink after a state change commits.
// Notification and audit collaborators consume these; the engine itself never
// reads them back.
type Event struct {
	Type        EventType             `json:"type"`
	TenantID    string                `json:"tenant_id"`
	RequestID   string                `json:"request_id"`
	StepID      string                `json:"step_id,omitempty"`
	EntityType  repository.EntityType `json:"entity_type"`
	EntityID    string                `json:"entity_id"`
	ActorID     string                `json:"actor_id,omitempty"`
	LevelNumber int                   `json:"level_number,omitempty"`
	Outcome     string                `json:"outcome,omitempty"` // request_completed only
	OccurredAt  time.Time             `json:"occurred_at"`
	Payload     map[string]any        `json:"payload,omitempty"`
}

// EventSink receives domain events. Implementations must be safe for
// concurrent use. Publish errors are logged and swallowed by the engine;
// event delivery never fails an approval operation.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// emit publishes an event and logs a warning on failure (never returns error).
func emit(ctx context.Context, sink EventSink, log zerolog.Logger, event Event) {
	if sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := sink.Publish(ctx, event); err != nil {
		log.Warn().Err(err).
			Str("event_type", string(event.Type)).
			Str("request_id", event.RequestID).
			Msg("Failed to publish domain event")
	}
}

// RoleResolver resolves tenant membership and role assignments. The directory
// itself lives outside the engine; production wires a directory-backed
// implementation, tests use a fake.
type RoleResolver interface {
	// ListActiveUsersWithRole returns the ids of all active tenant users
	// holding the given role.
	ListActiveUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error)
	// IsActiveTenantUser reports whether the user is an active member of the
	// tenant.
	IsActiveTenantUser(ctx context.Context, tenantID, userID string) (bool, error)
}
