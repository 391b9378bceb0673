package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsSweep retires expired grants and memberships.
	TaskPermissionsSweep = "permissions:sweep_expired"
	// TaskPermissionsWarmup pre-resolves grant tables for active users.
	TaskPermissionsWarmup = "permissions:cache_warmup"
)

// PermissionsSweepPayload configures one sweep run. An empty payload sweeps
// everything that has expired.
type PermissionsSweepPayload struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// NewPermissionsSweepTask constructs an Asynq task.
func NewPermissionsSweepTask(payload PermissionsSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsSweep, data), nil
}

// PermissionsWarmupPayload configures one warmup run.
type PermissionsWarmupPayload struct {
	// TenantID limits the warmup to one tenant; empty warms every tenant.
	TenantID string `json:"tenantId,omitempty"`
	// UsersPerTenant caps how many recently active users are warmed.
	UsersPerTenant int `json:"usersPerTenant,omitempty"`
}

// NewPermissionsWarmupTask constructs an Asynq task.
func NewPermissionsWarmupTask(payload PermissionsWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsWarmup, data), nil
}
