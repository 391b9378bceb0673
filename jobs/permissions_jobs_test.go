package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/centra-hq/centra/internal/permissions"
)

type stubSweepStore struct {
	tenants []string
	err     error
	sweeps  int
}

func (s *stubSweepStore) SweepExpired(_ context.Context, _ time.Time) ([]string, error) {
	s.sweeps++
	return s.tenants, s.err
}

type stubInvalidator struct {
	invalidated []string
}

func (s *stubInvalidator) InvalidateTenant(_ context.Context, tenantID string) error {
	s.invalidated = append(s.invalidated, tenantID)
	return nil
}

func sweepTask(t *testing.T, payload PermissionsSweepPayload) *asynq.Task {
	t.Helper()
	task, err := NewPermissionsSweepTask(payload)
	require.NoError(t, err)
	return task
}

func TestSweepJobInvalidatesAffectedTenants(t *testing.T) {
	store := &stubSweepStore{tenants: []string{"t-1", "t-2"}}
	inv := &stubInvalidator{}
	job := NewPermissionsSweepJob(store, inv, nil)

	require.NoError(t, job.Handle(context.Background(), sweepTask(t, PermissionsSweepPayload{})))
	require.Equal(t, 1, store.sweeps)
	require.ElementsMatch(t, []string{"t-1", "t-2"}, inv.invalidated)
}

func TestSweepJobDryRun(t *testing.T) {
	store := &stubSweepStore{tenants: []string{"t-1"}}
	job := NewPermissionsSweepJob(store, &stubInvalidator{}, nil)

	require.NoError(t, job.Handle(context.Background(), sweepTask(t, PermissionsSweepPayload{DryRun: true})))
	require.Zero(t, store.sweeps)
}

func TestSweepJobPropagatesStoreError(t *testing.T) {
	store := &stubSweepStore{err: errors.New("db down")}
	job := NewPermissionsSweepJob(store, &stubInvalidator{}, nil)

	require.Error(t, job.Handle(context.Background(), sweepTask(t, PermissionsSweepPayload{})))
}

type stubWarmupStore struct {
	tenants map[string][]string
}

func (s *stubWarmupStore) ListTenantIDs(_ context.Context) ([]string, error) {
	var out []string
	for tenantID := range s.tenants {
		out = append(out, tenantID)
	}
	return out, nil
}

func (s *stubWarmupStore) ListActiveUserIDs(_ context.Context, tenantID string, _ time.Time, limit int) ([]string, error) {
	users := s.tenants[tenantID]
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

type stubLister struct {
	resolved map[string]int
	err      error
}

func (s *stubLister) ListEffectivePermissions(_ context.Context, tenantID, userID string) ([]permissions.EffectivePermission, error) {
	if s.resolved == nil {
		s.resolved = make(map[string]int)
	}
	s.resolved[tenantID+"/"+userID]++
	return nil, s.err
}

func TestWarmupJobResolvesActiveUsers(t *testing.T) {
	store := &stubWarmupStore{tenants: map[string][]string{
		"t-1": {"u-1", "u-2"},
		"t-2": {"u-3"},
	}}
	lister := &stubLister{}
	job := NewPermissionsWarmupJob(store, lister, nil)

	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, lister.resolved, 3)
}

func TestWarmupJobScopedToTenant(t *testing.T) {
	store := &stubWarmupStore{tenants: map[string][]string{
		"t-1": {"u-1", "u-2"},
		"t-2": {"u-3"},
	}}
	lister := &stubLister{}
	job := NewPermissionsWarmupJob(store, lister, nil)

	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{TenantID: "t-1", UsersPerTenant: 1})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, lister.resolved, 1)
	require.Contains(t, lister.resolved, "t-1/u-1")
}

func TestWarmupJobToleratesPerUserFailures(t *testing.T) {
	store := &stubWarmupStore{tenants: map[string][]string{"t-1": {"u-1", "u-2"}}}
	lister := &stubLister{err: errors.New("resolution failed")}
	job := NewPermissionsWarmupJob(store, lister, nil)

	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{TenantID: "t-1"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, lister.resolved, 2)
}
