package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkit/be-approvals/internal/apperr"
	"github.com/ledgerkit/be-approvals/internal/repository"
)

func TestSubmitForApproval(t *testing.T) {
	e := newEnv(t)
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"), roleLevel(2, "admin"))

	req := e.mustSubmit(t, "contract-1", 1000)

	assert.Equal(t, repository.RequestStatusInProgress, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	require.Len(t, req.Steps, 2)
	for _, s := range req.Steps {
		assert.Equal(t, repository.StepStatusPending, s.Status)
		assert.Equal(t, 1, s.LevelNumber)
		assert.NotEmpty(t, s.ID)
	}
	assert.Equal(t, 1, e.sink.count(EventRequestSubmitted))
	assert.Equal(t, 2, e.sink.count(EventStepAssigned))
}

func TestSubmitForApproval_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("no default chain", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.approval.SubmitForApproval(ctx, SubmitInput{
			TenantID: testTenant, EntityType: repository.EntityTypeContract,
			EntityID: "c-1", RequesterID: requester,
		})
		assert.Equal(t, apperr.CodeNoDefaultChain, apperr.CodeOf(err))
	})

	t.Run("no levels defined", func(t *testing.T) {
		e := newEnv(t)
		e.mustCreateChain(t, repository.EntityTypeContract)
		_, err := e.approval.SubmitForApproval(ctx, SubmitInput{
			TenantID: testTenant, EntityType: repository.EntityTypeContract,
			EntityID: "c-1", RequesterID: requester,
		})
		assert.Equal(t, apperr.CodeNoLevelsDefined, apperr.CodeOf(err))
	})

	t.Run("no eligible approvers", func(t *testing.T) {
		e := newEnv(t)
		e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))
		_, err := e.approval.SubmitForApproval(ctx, SubmitInput{
			TenantID: testTenant, EntityType: repository.EntityTypeContract,
			EntityID: "c-1", RequesterID: requester,
		})
		assert.Equal(t, apperr.CodeNoEligibleApprovers, apperr.CodeOf(err))
	})

	t.Run("duplicate open request", func(t *testing.T) {
		e := newEnv(t)
		e.roles.addUser("user-a", "manager")
		e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))
		e.mustSubmit(t, "c-1", 1000)

		_, err := e.approval.SubmitForApproval(ctx, SubmitInput{
			TenantID: testTenant, EntityType: repository.EntityTypeContract,
			EntityID: "c-1", RequesterID: requester,
		})
		assert.Equal(t, apperr.CodeDuplicateRequest, apperr.CodeOf(err))
	})
}

func TestApprove_AdvancesAndCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "admin")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"), roleLevel(2, "admin"))

	req := e.mustSubmit(t, "contract-1", 1000)

	// Level 1 approval advances to level 2 and assigns its approver.
	step := pendingStep(t, req, "user-a")
	req, err := e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-a", strp("lgtm"))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusInProgress, req.Status)
	assert.Equal(t, 2, req.CurrentLevel)

	// Level 2 approval completes the request.
	step = pendingStep(t, req, "user-b")
	req, err = e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-b", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, req.Status)
	require.NotNil(t, req.CompletedAt)

	assert.Equal(t, []EventType{
		EventRequestSubmitted, EventStepAssigned,
		EventStepApproved, EventLevelAdvanced, EventStepAssigned,
		EventStepApproved, EventRequestCompleted,
	}, e.sink.types())
}

func TestApprove_QuorumOfTwo(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")

	lvl := roleLevel(1, "manager")
	lvl.MinApprovers = 2
	e.mustCreateChain(t, repository.EntityTypeContract, lvl)

	req := e.mustSubmit(t, "contract-1", 1000)
	require.Len(t, req.Steps, 2)

	// One approval is not enough.
	step := pendingStep(t, req, "user-a")
	req, err := e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-a", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusInProgress, req.Status)
	assert.Nil(t, req.CompletedAt)

	// The second closes the level and, being the last, the request.
	step = pendingStep(t, req, "user-b")
	req, err = e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-b", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, req.Status)
}

func TestApprove_ThresholdSkipsLowerLevel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("mgr-1", "manager")
	e.roles.addUser("adm-1", "admin")

	low := roleLevel(1, "manager")
	low.ThresholdMin = int64p(0)
	low.ThresholdMax = int64p(50000)
	high := roleLevel(2, "admin")
	high.ThresholdMin = int64p(50000)
	e.mustCreateChain(t, repository.EntityTypeContract, low, high)

	// 60000 selects only level 2: no manager step is ever created.
	req := e.mustSubmit(t, "contract-big", 60000)
	assert.Equal(t, 2, req.CurrentLevel)
	require.Len(t, req.Steps, 1)
	assert.Equal(t, "adm-1", req.Steps[0].ApproverID)

	req, err := e.approval.Approve(ctx, req.ID, req.Steps[0].ID, testTenant, "adm-1", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, req.Status)
}

func TestApprove_StragglerStepIsInert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")
	e.roles.addUser("adm-1", "admin")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"), roleLevel(2, "admin"))

	req := e.mustSubmit(t, "contract-1", 1000)

	// A's approval satisfies level 1 (quorum 1) and advances; B's step stays pending.
	stepA := pendingStep(t, req, "user-a")
	req, err := e.approval.Approve(ctx, req.ID, stepA.ID, testTenant, "user-a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentLevel)

	stepB := pendingStep(t, req, "user-b")
	assert.Equal(t, 1, stepB.LevelNumber)

	// B's late approval is recorded but neither advances nor completes anything.
	req, err = e.approval.Approve(ctx, req.ID, stepB.ID, testTenant, "user-b", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusInProgress, req.Status)
	assert.Equal(t, 2, req.CurrentLevel)
	assert.Equal(t, repository.StepStatusApproved, req.Step(stepB.ID).Status)
}

func TestApprove_Preconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))
	req := e.mustSubmit(t, "contract-1", 1000)
	step := pendingStep(t, req, "user-a")

	t.Run("unknown request", func(t *testing.T) {
		_, err := e.approval.Approve(ctx, "missing", step.ID, testTenant, "user-a", nil)
		assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	})

	t.Run("unknown step", func(t *testing.T) {
		_, err := e.approval.Approve(ctx, req.ID, "missing", testTenant, "user-a", nil)
		assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	})

	t.Run("tenant mismatch", func(t *testing.T) {
		_, err := e.approval.Approve(ctx, req.ID, step.ID, "other-tenant", "user-a", nil)
		assert.Equal(t, apperr.CodeTenantMismatch, apperr.CodeOf(err))
	})

	t.Run("wrong approver", func(t *testing.T) {
		_, err := e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-b", nil)
		assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	})

	t.Run("step already processed", func(t *testing.T) {
		_, err := e.approval.Reject(ctx, req.ID, step.ID, testTenant, "user-a", nil)
		require.NoError(t, err)

		// The rejection finalized the request, so the request-level check wins.
		_, err = e.approval.Approve(ctx, req.ID, step.ID, testTenant, "user-a", nil)
		assert.Equal(t, apperr.CodeRequestAlreadyFinalized, apperr.CodeOf(err))
	})
}

func TestReject_FinalizesRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")
	e.roles.addUser("adm-1", "admin")

	lvl := roleLevel(1, "manager")
	lvl.MinApprovers = 2
	e.mustCreateChain(t, repository.EntityTypeContract, lvl, roleLevel(2, "admin"))

	req := e.mustSubmit(t, "contract-1", 1000)

	// One rejection kills the request regardless of quorum or level position.
	step := pendingStep(t, req, "user-a")
	req, err := e.approval.Reject(ctx, req.ID, step.ID, testTenant, "user-a", strp("too expensive"))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, req.Status)
	require.NotNil(t, req.CompletedAt)

	// The other pending step is untouched for the audit trail.
	stepB := pendingStep(t, req, "user-b")
	assert.Equal(t, repository.StepStatusPending, stepB.Status)

	// Losing approver surfaces the finalized request, not a silent success.
	_, err = e.approval.Approve(ctx, req.ID, stepB.ID, testTenant, "user-b", nil)
	assert.Equal(t, apperr.CodeRequestAlreadyFinalized, apperr.CodeOf(err))
}

func TestCancelRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))
	req := e.mustSubmit(t, "contract-1", 1000)

	t.Run("only the requester may cancel", func(t *testing.T) {
		_, err := e.approval.CancelRequest(ctx, req.ID, testTenant, "user-a")
		assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	})

	t.Run("requester cancels open request", func(t *testing.T) {
		got, err := e.approval.CancelRequest(ctx, req.ID, testTenant, requester)
		require.NoError(t, err)
		assert.Equal(t, repository.RequestStatusCancelled, got.Status)
		for _, s := range got.Steps {
			assert.Equal(t, repository.StepStatusCancelled, s.Status)
		}
		assert.Equal(t, 1, e.sink.count(EventRequestCancelled))
	})

	t.Run("terminal request cannot be cancelled", func(t *testing.T) {
		_, err := e.approval.CancelRequest(ctx, req.ID, testTenant, requester)
		assert.Equal(t, apperr.CodeRequestAlreadyFinalized, apperr.CodeOf(err))
	})
}

func TestGetPendingApprovals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.roles.addUser("user-b", "manager")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))

	e.mustSubmit(t, "contract-1", 1000)
	e.mustSubmit(t, "contract-2", 2000)

	pending, err := e.approval.GetPendingApprovals(ctx, testTenant, "user-a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, "manager review", p.LevelName)
		assert.Equal(t, requester, p.RequesterID)
		assert.Equal(t, 1, p.LevelNumber)
	}

	pending, err = e.approval.GetPendingApprovals(ctx, testTenant, "nobody")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetRequest_TenantScoped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.roles.addUser("user-a", "manager")
	e.mustCreateChain(t, repository.EntityTypeContract, roleLevel(1, "manager"))
	req := e.mustSubmit(t, "contract-1", 1000)

	got, err := e.approval.GetRequest(ctx, req.ID, testTenant)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = e.approval.GetRequest(ctx, req.ID, "other-tenant")
	assert.Equal(t, apperr.CodeTenantMismatch, apperr.CodeOf(err))
}
