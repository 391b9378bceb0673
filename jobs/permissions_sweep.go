package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// SweepStore is the persistence surface the sweep job needs.
type SweepStore interface {
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
}

// TenantInvalidator drops cached permission state for a tenant.
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// PermissionsSweepJob retires grants and memberships whose expiry has passed
// and invalidates the affected tenants. Resolution already ignores expired
// rows; the sweep keeps the tables and caches from accumulating dead weight.
type PermissionsSweepJob struct {
	Store    SweepStore
	Resolver TenantInvalidator
	Logger   *slog.Logger
	clock    func() time.Time
}

// NewPermissionsSweepJob wires dependencies for the sweep handler.
func NewPermissionsSweepJob(store SweepStore, resolver TenantInvalidator, logger *slog.Logger) *PermissionsSweepJob {
	return &PermissionsSweepJob{
		Store:    store,
		Resolver: resolver,
		Logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes permission sweep tasks.
func (j *PermissionsSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("permissions sweep: handler not configured")
	}
	var payload PermissionsSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.DryRun {
		j.logger().Info("permissions sweep skipped, dry run")
		return nil
	}

	now := j.clock()
	tenants, err := j.Store.SweepExpired(ctx, now)
	if err != nil {
		j.logger().Error("sweep expired grants", slog.Any("error", err))
		return err
	}
	for _, tenantID := range tenants {
		if j.Resolver == nil {
			break
		}
		if err := j.Resolver.InvalidateTenant(ctx, tenantID); err != nil {
			j.logger().Error("invalidate tenant after sweep",
				slog.String("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
	}
	j.logger().Info("permissions sweep finished", slog.Int("tenants", len(tenants)))
	return nil
}

func (j *PermissionsSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
