package service

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkit/be-approvals/internal/repository"
)

const (
	testTenant = "tenant-1"
	requester  = "user-requester"
)

// fakeRoles is an in-memory RoleResolver for tests.
type fakeRoles struct {
	mu    sync.Mutex
	roles map[string][]string // role -> user ids
	users map[string]bool     // user id -> active
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{roles: make(map[string][]string), users: make(map[string]bool)}
}

func (f *fakeRoles) addUser(userID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = true
	for _, role := range roles {
		f.roles[role] = append(f.roles[role], userID)
	}
}

func (f *fakeRoles) deactivate(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = false
}

func (f *fakeRoles) ListActiveUsersWithRole(_ context.Context, _ string, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.roles[role] {
		if f.users[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeRoles) IsActiveTenantUser(_ context.Context, _ string, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

// captureSink records every published event in order.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func (c *captureSink) count(t EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// env bundles a fully wired engine over the in-memory store.
type env struct {
	store    *repository.MemoryStore
	roles    *fakeRoles
	sink     *captureSink
	chains   *ChainService
	approval *ApprovalService
	resolver *ApproverResolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repository.NewMemoryStore()
	roles := newFakeRoles()
	sink := &captureSink{}
	log := zerolog.Nop()
	chains := NewChainService(store, log)
	resolver := NewApproverResolver(roles)
	return &env{
		store:    store,
		roles:    roles,
		sink:     sink,
		chains:   chains,
		resolver: resolver,
		approval: NewApprovalService(store, chains, resolver, sink, log),
	}
}

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

// roleLevel builds a role-approved level with quorum 1 and delegation allowed.
func roleLevel(number int, role string) repository.ChainLevel {
	return repository.ChainLevel{
		LevelNumber:     number,
		Name:            role + " review",
		ApproverType:    repository.ApproverTypeRole,
		ApproverRole:    role,
		MinApprovers:    1,
		AllowDelegation: true,
	}
}

// mustCreateChain creates an active default chain with the given levels.
func (e *env) mustCreateChain(t *testing.T, entityType repository.EntityType, levels ...repository.ChainLevel) *repository.Chain {
	t.Helper()
	chain := &repository.Chain{
		TenantID:   testTenant,
		Name:       "test chain",
		EntityType: entityType,
		IsActive:   true,
		IsDefault:  true,
		Levels:     levels,
	}
	require.NoError(t, e.chains.CreateChain(context.Background(), chain))
	return chain
}

// mustSubmit opens a request for a contract entity with the given value.
func (e *env) mustSubmit(t *testing.T, entityID string, value int64) *repository.Request {
	t.Helper()
	req, err := e.approval.SubmitForApproval(context.Background(), SubmitInput{
		TenantID:    testTenant,
		EntityType:  repository.EntityTypeContract,
		EntityID:    entityID,
		EntityValue: value,
		RequesterID: requester,
	})
	require.NoError(t, err)
	return req
}

// pendingStep returns the single pending step assigned to approver, failing
// the test when there is not exactly one.
func pendingStep(t *testing.T, req *repository.Request, approver string) *repository.Step {
	t.Helper()
	var found *repository.Step
	for _, s := range req.Steps {
		if s.Status == repository.StepStatusPending && s.ApproverID == approver {
			require.Nilf(t, found, "multiple pending steps for %s", approver)
			found = s
		}
	}
	require.NotNilf(t, found, "no pending step for %s", approver)
	return found
}
