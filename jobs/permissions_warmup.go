package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/centra-hq/centra/internal/permissions"
)

const defaultWarmupUsers = 200
const warmupActivityWindow = 24 * time.Hour

// WarmupStore lists the tenants and recently active users to pre-resolve.
type WarmupStore interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	ListActiveUserIDs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error)
}

// EffectiveLister resolves a user's grant table, populating the cache as a
// side effect.
type EffectiveLister interface {
	ListEffectivePermissions(ctx context.Context, tenantID, userID string) ([]permissions.EffectivePermission, error)
}

// PermissionsWarmupJob pre-resolves grant tables for recently active users so
// the first request after a deploy or cache flush does not pay the rebuild.
type PermissionsWarmupJob struct {
	Store    WarmupStore
	Resolver EffectiveLister
	Logger   *slog.Logger
	clock    func() time.Time
}

// NewPermissionsWarmupJob wires dependencies for the warmup handler.
func NewPermissionsWarmupJob(store WarmupStore, resolver EffectiveLister, logger *slog.Logger) *PermissionsWarmupJob {
	return &PermissionsWarmupJob{
		Store:    store,
		Resolver: resolver,
		Logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes permission warmup tasks.
func (j *PermissionsWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil || j.Resolver == nil {
		return errors.New("permissions warmup: handler not configured")
	}
	var payload PermissionsWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	limit := payload.UsersPerTenant
	if limit <= 0 {
		limit = defaultWarmupUsers
	}

	tenants := []string{payload.TenantID}
	if payload.TenantID == "" {
		var err error
		tenants, err = j.Store.ListTenantIDs(ctx)
		if err != nil {
			j.logger().Error("list tenants for warmup", slog.Any("error", err))
			return err
		}
	}

	since := j.clock().Add(-warmupActivityWindow)
	warmed := 0
	for _, tenantID := range tenants {
		users, err := j.Store.ListActiveUserIDs(ctx, tenantID, since, limit)
		if err != nil {
			j.logger().Error("list active users for warmup",
				slog.String("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
		for _, userID := range users {
			if _, err := j.Resolver.ListEffectivePermissions(ctx, tenantID, userID); err != nil {
				// Warmup is best effort per user; a failing tenant store
				// would have failed the listing above already.
				j.logger().Warn("warm user resolution",
					slog.String("tenant_id", tenantID),
					slog.String("user_id", userID),
					slog.Any("error", err))
				continue
			}
			warmed++
		}
	}
	j.logger().Info("permissions warmup finished",
		slog.Int("tenants", len(tenants)), slog.Int("users", warmed))
	return nil
}

func (j *PermissionsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
