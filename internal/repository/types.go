package repository

import "time"

// ── Domain types for the approval engine ─────────────────────────────────────

// EntityType names the kind of business entity routed through a chain.
type EntityType string

const (
	EntityTypeContract      EntityType = "contract"
	EntityTypeQuote         EntityType = "quote"
	EntityTypeInvoice       EntityType = "invoice"
	EntityTypePurchaseOrder EntityType = "purchase_order"
)

// ApproverType selects how a level's approvers are resolved.
type ApproverType string

const (
	ApproverTypeRole ApproverType = "role"
	ApproverTypeUser ApproverType = "user"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusApproved   RequestStatus = "approved"
	RequestStatusRejected   RequestStatus = "rejected"
	RequestStatusCancelled  RequestStatus = "cancelled"
	RequestStatusExpired    RequestStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected, RequestStatusCancelled, RequestStatusExpired:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single approval step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusApproved  StepStatus = "approved"
	StepStatusRejected  StepStatus = "rejected"
	StepStatusCancelled StepStatus = "cancelled"
)

// ChainLevel is one rung of an approval chain.
//
// ThresholdMin/ThresholdMax bound the entity value (minor currency units) for
// which the level applies, as a half-open interval [min, max). A nil bound is
// open-ended. Levels without thresholds always apply.
type ChainLevel struct {
	LevelNumber     int          `json:"level_number"`
	Name            string       `json:"name"`
	ApproverType    ApproverType `json:"approver_type"`
	ApproverRole    string       `json:"approver_role,omitempty"`
	ApproverUserID  string       `json:"approver_user_id,omitempty"`
	MinApprovers    int          `json:"min_approvers"`
	AllowDelegation bool         `json:"allow_delegation"`
	ThresholdMin    *int64       `json:"threshold_min,omitempty"`
	ThresholdMax    *int64       `json:"threshold_max,omitempty"`
	TimeoutHours    int          `json:"timeout_hours,omitempty"`
	EscalationLevel *int         `json:"escalation_level,omitempty"`
}

// HasThreshold reports whether the level declares any value bound.
func (l ChainLevel) HasThreshold() bool {
	return l.ThresholdMin != nil || l.ThresholdMax != nil
}

// Applies reports whether the level applies to an entity of the given value.
func (l ChainLevel) Applies(entityValue int64) bool {
	if l.ThresholdMin != nil && entityValue < *l.ThresholdMin {
		return false
	}
	if l.ThresholdMax != nil && entityValue >= *l.ThresholdMax {
		return false
	}
	return true
}

// Chain is an ordered approval policy for one entity type within a tenant.
type Chain struct {
	ID         string
	TenantID   string
	Name       string
	EntityType EntityType
	IsActive   bool
	IsDefault  bool
	Conditions map[string]any // free-form routing metadata
	Levels     []ChainLevel
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Level returns the level with the given number, or nil.
func (c *Chain) Level(number int) *ChainLevel {
	for i := range c.Levels {
		if c.Levels[i].LevelNumber == number {
			return &c.Levels[i]
		}
	}
	return nil
}

// Request is one instance of an entity going through a chain.
//
// Version is the optimistic-concurrency token: every SaveRequest must present
// the version it read, and the store rejects stale writes.
type Request struct {
	ID           string
	TenantID     string
	ChainID      string
	EntityType   EntityType
	EntityID     string
	EntityValue  int64 // minor currency units, drives threshold applicability
	RequesterID  string
	CurrentLevel int
	Status       RequestStatus
	RequestedAt  time.Time
	CompletedAt  *time.Time
	ExpiresAt    *time.Time
	Version      int64
	Steps        []*Step
}

// Step returns the step with the given id, or nil.
func (r *Request) Step(id string) *Step {
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepsAtLevel returns all steps belonging to the given level, in order.
func (r *Request) StepsAtLevel(level int) []*Step {
	var out []*Step
	for _, s := range r.Steps {
		if s.LevelNumber == level {
			out = append(out, s)
		}
	}
	return out
}

// Step is one approver's assignment within a level.
type Step struct {
	ID            string
	RequestID     string
	LevelNumber   int
	Status        StepStatus
	ApproverID    string
	DelegatedFrom *string
	RequestedAt   time.Time
	RespondedAt   *time.Time
	Comments      *string
	EscalatedAt   *time.Time // stamped on first escalation; scan idempotency
	OverdueAt     *time.Time // stamped when flagged overdue without escalation
}

// PendingApproval is the denormalized view returned to an approver's inbox:
// the pending step plus enough request and level context to act on it.
type PendingApproval struct {
	StepID      string
	RequestID   string
	TenantID    string
	EntityType  EntityType
	EntityID    string
	EntityValue int64
	LevelNumber int
	LevelName   string
	RequesterID string
	RequestedAt time.Time
}
