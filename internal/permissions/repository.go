package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the permission
// tables. Reads serve the resolver's Store contract; writes are driven by
// the Service, which owns cache invalidation ordering.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// TenantSnapshot reads the tenant's permission tables inside one
// repeatable-read transaction so the resolver sees a consistent point.
func (r *Repository) TenantSnapshot(ctx context.Context, tenantID string) (SnapshotData, error) {
	var data SnapshotData
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return SnapshotData{}, fmt.Errorf("permissions: begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := tx.QueryRow(ctx, `SELECT COALESCE((SELECT version FROM permission_versions WHERE tenant_id = $1), 0)`, tenantID).Scan(&data.Version); err != nil {
		return SnapshotData{}, err
	}
	if data.Permissions, err = r.listPermissions(ctx, tx); err != nil {
		return SnapshotData{}, err
	}
	if data.Groups, err = r.listGroups(ctx, tx, tenantID); err != nil {
		return SnapshotData{}, err
	}
	if data.GroupGrants, err = r.listGroupGrants(ctx, tx, tenantID); err != nil {
		return SnapshotData{}, err
	}
	if data.Assignments, err = r.listAssignments(ctx, tx, tenantID); err != nil {
		return SnapshotData{}, err
	}
	if data.DirectGrants, err = r.listDirectGrants(ctx, tx, tenantID); err != nil {
		return SnapshotData{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SnapshotData{}, fmt.Errorf("permissions: commit snapshot tx: %w", err)
	}
	return data, nil
}

func (r *Repository) listPermissions(ctx context.Context, tx pgx.Tx) ([]Permission, error) {
	rows, err := tx.Query(ctx, `SELECT id, code, module, resource, action, description, is_system, metadata, deleted_at FROM permissions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var metadata []byte
		if err := rows.Scan(&p.ID, &p.Code, &p.Module, &p.Resource, &p.Action, &p.Description, &p.IsSystem, &metadata, &p.DeletedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
				return nil, fmt.Errorf("permissions: decode metadata for %s: %w", p.Code, err)
			}
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *Repository) listGroups(ctx context.Context, tx pgx.Tx, tenantID string) ([]PermissionGroup, error) {
	rows, err := tx.Query(ctx, `SELECT id, tenant_id, name, slug, parent_id, priority, is_system, is_active, deleted_at, created_at, updated_at FROM permission_groups WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []PermissionGroup
	for rows.Next() {
		var g PermissionGroup
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.Slug, &g.ParentID, &g.Priority, &g.IsSystem, &g.IsActive, &g.DeletedAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *Repository) listGroupGrants(ctx context.Context, tx pgx.Tx, tenantID string) ([]GroupPermission, error) {
	rows, err := tx.Query(ctx, `SELECT gp.group_id, gp.permission_id, gp.conditions FROM group_permissions gp JOIN permission_groups g ON g.id = gp.group_id WHERE g.tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []GroupPermission
	for rows.Next() {
		var gp GroupPermission
		var conditions []byte
		if err := rows.Scan(&gp.GroupID, &gp.PermissionID, &conditions); err != nil {
			return nil, err
		}
		if gp.Conditions, err = decodeConditions(conditions); err != nil {
			return nil, err
		}
		grants = append(grants, gp)
	}
	return grants, rows.Err()
}

func (r *Repository) listAssignments(ctx context.Context, tx pgx.Tx, tenantID string) ([]UserGroupAssignment, error) {
	rows, err := tx.Query(ctx, `SELECT user_id, group_id, expires_at, granted_by, granted_at FROM user_group_assignments WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []UserGroupAssignment
	for rows.Next() {
		var a UserGroupAssignment
		if err := rows.Scan(&a.UserID, &a.GroupID, &a.ExpiresAt, &a.GrantedBy, &a.GrantedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *Repository) listDirectGrants(ctx context.Context, tx pgx.Tx, tenantID string) ([]UserDirectPermission, error) {
	rows, err := tx.Query(ctx, `SELECT id, user_id, permission_id, effect, conditions, expires_at, granted_by, granted_at, revoked_at FROM user_direct_permissions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []UserDirectPermission
	for rows.Next() {
		var d UserDirectPermission
		var conditions []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.PermissionID, &d.Effect, &conditions, &d.ExpiresAt, &d.GrantedBy, &d.GrantedAt, &d.RevokedAt); err != nil {
			return nil, err
		}
		if d.Conditions, err = decodeConditions(conditions); err != nil {
			return nil, err
		}
		grants = append(grants, d)
	}
	return grants, rows.Err()
}

// EnsurePermission upserts a permission definition by code.
func (r *Repository) EnsurePermission(ctx context.Context, p Permission) (Permission, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (id, code, module, resource, action, description, is_system, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description, metadata = EXCLUDED.metadata
		RETURNING id`,
		p.ID, p.Code, p.Module, p.Resource, p.Action, p.Description, p.IsSystem, metadata)
	if err := row.Scan(&p.ID); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// CreateGroup inserts a new permission group and bumps the tenant version.
func (r *Repository) CreateGroup(ctx context.Context, g PermissionGroup) (PermissionGroup, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	err := r.inTx(ctx, g.TenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO permission_groups (id, tenant_id, name, slug, parent_id, priority, is_system, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			g.ID, g.TenantID, g.Name, g.Slug, g.ParentID, g.Priority, g.IsSystem, g.IsActive,
		).Scan(&g.CreatedAt, &g.UpdatedAt)
	})
	if err != nil {
		return PermissionGroup{}, mapConstraintError(err)
	}
	return g, nil
}

// UpdateGroupParent persists a validated reparent.
func (r *Repository) UpdateGroupParent(ctx context.Context, tenantID, groupID string, parentID *string) error {
	return r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE permission_groups SET parent_id = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3 AND deleted_at IS NULL`, parentID, groupID, tenantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AttachGroupPermission associates a permission with a group.
func (r *Repository) AttachGroupPermission(ctx context.Context, tenantID string, gp GroupPermission) error {
	conditions, err := encodeConditions(gp.Conditions)
	if err != nil {
		return err
	}
	err = r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO group_permissions (group_id, permission_id, conditions)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, permission_id) DO UPDATE SET conditions = EXCLUDED.conditions`,
			gp.GroupID, gp.PermissionID, conditions)
		return err
	})
	return mapConstraintError(err)
}

// AssignUserToGroup records a membership.
func (r *Repository) AssignUserToGroup(ctx context.Context, tenantID string, a UserGroupAssignment) error {
	err := r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_group_assignments (tenant_id, user_id, group_id, expires_at, granted_by, granted_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, user_id, group_id) DO UPDATE SET expires_at = EXCLUDED.expires_at, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at`,
			tenantID, a.UserID, a.GroupID, a.ExpiresAt, a.GrantedBy, a.GrantedAt)
		return err
	})
	return mapConstraintError(err)
}

// RemoveUserFromGroup deletes a membership.
func (r *Repository) RemoveUserFromGroup(ctx context.Context, tenantID, userID, groupID string) error {
	return r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_group_assignments WHERE tenant_id = $1 AND user_id = $2 AND group_id = $3`, tenantID, userID, groupID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GrantDirect inserts a per-user override. A partial unique index on
// non-revoked rows enforces one active grant per (user, permission).
func (r *Repository) GrantDirect(ctx context.Context, tenantID string, d UserDirectPermission) (UserDirectPermission, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	conditions, err := encodeConditions(d.Conditions)
	if err != nil {
		return UserDirectPermission{}, err
	}
	err = r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_direct_permissions (id, tenant_id, user_id, permission_id, effect, conditions, expires_at, granted_by, granted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.ID, tenantID, d.UserID, d.PermissionID, d.Effect, conditions, d.ExpiresAt, d.GrantedBy, d.GrantedAt)
		return err
	})
	if err != nil {
		return UserDirectPermission{}, mapConstraintError(err)
	}
	return d, nil
}

// RevokeDirect marks the user's active grant for the permission revoked.
func (r *Repository) RevokeDirect(ctx context.Context, tenantID, userID, permissionID string, revokedAt time.Time) error {
	return r.inTx(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE user_direct_permissions SET revoked_at = $1 WHERE tenant_id = $2 AND user_id = $3 AND permission_id = $4 AND revoked_at IS NULL`, revokedAt, tenantID, userID, permissionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SweepExpired revokes direct grants and removes memberships whose expiry
// has passed, returning affected tenants so callers can invalidate them.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	tenants := make(map[string]struct{})
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `UPDATE user_direct_permissions SET revoked_at = $1 WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1 RETURNING tenant_id`, now)
	if err != nil {
		return nil, err
	}
	if err := collectTenants(rows, tenants); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `DELETE FROM user_group_assignments WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING tenant_id`, now)
	if err != nil {
		return nil, err
	}
	if err := collectTenants(rows, tenants); err != nil {
		return nil, err
	}

	for tenantID := range tenants {
		if err := bumpVersion(ctx, tx, tenantID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(tenants))
	for tenantID := range tenants {
		out = append(out, tenantID)
	}
	return out, nil
}

// ListActiveUserIDs returns users with a live session in the tenant, newest
// activity first. Used by cache warmup.
func (r *Repository) ListActiveUserIDs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT s.user_id FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE u.tenant_id = $1 AND s.created_at >= $2
		LIMIT $3`, tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTenantIDs returns every tenant with permission groups defined.
func (r *Repository) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM permission_groups WHERE deleted_at IS NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// inTx runs fn and bumps the tenant's version stamp in one transaction, so
// a snapshot read never observes the write without the new version.
func (r *Repository) inTx(ctx context.Context, tenantID string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("permissions: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := bumpVersion(ctx, tx, tenantID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("permissions: commit tx: %w", err)
	}
	return nil
}

func bumpVersion(ctx context.Context, tx pgx.Tx, tenantID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO permission_versions (tenant_id, version) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET version = permission_versions.version + 1`, tenantID)
	return err
}

func collectTenants(rows pgx.Rows, into map[string]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return err
		}
		into[tenantID] = struct{}{}
	}
	return rows.Err()
}

func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "uq_user_direct_active" {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

func encodeConditions(cond *Condition) ([]byte, error) {
	if cond == nil {
		return nil, nil
	}
	return json.Marshal(cond)
}

func decodeConditions(raw []byte) (*Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cond Condition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return nil, fmt.Errorf("permissions: decode conditions: %w", err)
	}
	return &cond, nil
}
