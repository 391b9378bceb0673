package permissions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/centra-hq/centra/internal/shared"
)

// RepositoryPort describes the persistence operations the write path needs.
type RepositoryPort interface {
	Store
	CreateGroup(ctx context.Context, g PermissionGroup) (PermissionGroup, error)
	UpdateGroupParent(ctx context.Context, tenantID, groupID string, parentID *string) error
	AttachGroupPermission(ctx context.Context, tenantID string, gp GroupPermission) error
	AssignUserToGroup(ctx context.Context, tenantID string, a UserGroupAssignment) error
	RemoveUserFromGroup(ctx context.Context, tenantID, userID, groupID string) error
	GrantDirect(ctx context.Context, tenantID string, d UserDirectPermission) (UserDirectPermission, error)
	RevokeDirect(ctx context.Context, tenantID, userID, permissionID string, revokedAt time.Time) error
}

// AuditRecorder captures write-path audit events.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates permission writes. Every mutation validates against
// the current hierarchy snapshot, persists, and invalidates affected cache
// entries before reporting success, so a revoke is never observable as a
// stale allow.
type Service struct {
	repo      RepositoryPort
	resolver  *Resolver
	validator *Validator
	eval      *Evaluator
	audit     AuditRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the write-path service.
func NewService(repo RepositoryPort, resolver *Resolver, validator *Validator, eval *Evaluator, audit AuditRecorder, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		resolver:  resolver,
		validator: validator,
		eval:      eval,
		audit:     audit,
		logger:    logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateGroupInput carries the fields for a new permission group.
type CreateGroupInput struct {
	TenantID string
	Name     string
	Slug     string
	ParentID *string
	Priority int
	ActorID  string
}

// CreateGroup validates the parent chain and inserts the group.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (PermissionGroup, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return PermissionGroup{}, errors.New("permissions: group name required")
	}
	if in.ParentID != nil {
		snap, err := s.resolver.Snapshot(ctx, in.TenantID)
		if err != nil {
			return PermissionGroup{}, err
		}
		if err := s.validator.ValidateAttach(snap, *in.ParentID); err != nil {
			return PermissionGroup{}, err
		}
	}
	group, err := s.repo.CreateGroup(ctx, PermissionGroup{
		TenantID: in.TenantID,
		Name:     name,
		Slug:     strings.TrimSpace(in.Slug),
		ParentID: in.ParentID,
		Priority: in.Priority,
		IsActive: true,
	})
	if err != nil {
		return PermissionGroup{}, err
	}
	if err := s.resolver.InvalidateTenant(ctx, in.TenantID); err != nil {
		return PermissionGroup{}, err
	}
	s.recordAudit(ctx, in.TenantID, in.ActorID, "permissions.group_create", "permission_groups", group.ID, map[string]any{"slug": group.Slug})
	return group, nil
}

// ReparentGroup validates and persists a parent change, then fans the
// invalidation out to every affected user.
func (s *Service) ReparentGroup(ctx context.Context, tenantID, groupID string, newParentID *string, actorID string) error {
	snap, err := s.resolver.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	parent := ""
	if newParentID != nil {
		parent = *newParentID
	}
	if err := s.validator.ValidateReparent(snap, groupID, parent); err != nil {
		return err
	}
	if err := s.repo.UpdateGroupParent(ctx, tenantID, groupID, newParentID); err != nil {
		return err
	}
	if err := s.resolver.InvalidateGroup(ctx, tenantID, groupID); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "permissions.group_reparent", "permission_groups", groupID, map[string]any{"parent_id": parent})
	return nil
}

// AttachGroupPermission grants a permission code to a group, optionally
// gated by a condition.
func (s *Service) AttachGroupPermission(ctx context.Context, tenantID, groupID, code string, cond *Condition, actorID string) error {
	snap, err := s.resolver.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	group, ok := snap.Group(groupID)
	if !ok || !group.Live() {
		return ErrNotFound
	}
	perm, ok := snap.PermissionByCode(code)
	if !ok {
		return ErrNotFound
	}
	if cond != nil {
		if err := s.eval.Validate(cond); err != nil {
			return err
		}
	}
	if err := s.repo.AttachGroupPermission(ctx, tenantID, GroupPermission{GroupID: groupID, PermissionID: perm.ID, Conditions: cond}); err != nil {
		return err
	}
	if err := s.resolver.InvalidateGroup(ctx, tenantID, groupID); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "permissions.group_grant", "group_permissions", groupID, map[string]any{"code": code})
	return nil
}

// AssignInput carries a membership assignment.
type AssignInput struct {
	TenantID  string
	UserID    string
	GroupID   string
	ExpiresAt *time.Time
	ActorID   string
}

// AssignUserToGroup places the user in the group.
func (s *Service) AssignUserToGroup(ctx context.Context, in AssignInput) error {
	snap, err := s.resolver.Snapshot(ctx, in.TenantID)
	if err != nil {
		return err
	}
	group, ok := snap.Group(in.GroupID)
	if !ok || !group.Live() {
		return ErrNotFound
	}
	err = s.repo.AssignUserToGroup(ctx, in.TenantID, UserGroupAssignment{
		UserID:    in.UserID,
		GroupID:   in.GroupID,
		ExpiresAt: in.ExpiresAt,
		GrantedBy: in.ActorID,
		GrantedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if err := s.resolver.InvalidateUser(ctx, in.TenantID, in.UserID); err != nil {
		return err
	}
	s.recordAudit(ctx, in.TenantID, in.ActorID, "permissions.member_assign", "user_group_assignments", in.UserID, map[string]any{"group_id": in.GroupID})
	return nil
}

// RemoveUserFromGroup removes the membership. This is a revoke: the cache
// entry is gone before the call returns.
func (s *Service) RemoveUserFromGroup(ctx context.Context, tenantID, userID, groupID, actorID string) error {
	if err := s.repo.RemoveUserFromGroup(ctx, tenantID, userID, groupID); err != nil {
		return err
	}
	if err := s.resolver.InvalidateUser(ctx, tenantID, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "permissions.member_remove", "user_group_assignments", userID, map[string]any{"group_id": groupID})
	return nil
}

// GrantInput carries a direct per-user override.
type GrantInput struct {
	TenantID   string
	UserID     string
	Code       string
	Effect     Effect
	Conditions *Condition
	ExpiresAt  *time.Time
	ActorID    string
}

// GrantDirect records a per-user override for a permission code.
func (s *Service) GrantDirect(ctx context.Context, in GrantInput) (UserDirectPermission, error) {
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		return UserDirectPermission{}, errors.New("permissions: effect must be ALLOW or DENY")
	}
	snap, err := s.resolver.Snapshot(ctx, in.TenantID)
	if err != nil {
		return UserDirectPermission{}, err
	}
	perm, ok := snap.PermissionByCode(in.Code)
	if !ok {
		return UserDirectPermission{}, ErrNotFound
	}
	if in.Conditions != nil {
		if err := s.eval.Validate(in.Conditions); err != nil {
			return UserDirectPermission{}, err
		}
	}
	grant, err := s.repo.GrantDirect(ctx, in.TenantID, UserDirectPermission{
		UserID:       in.UserID,
		PermissionID: perm.ID,
		Effect:       in.Effect,
		Conditions:   in.Conditions,
		ExpiresAt:    in.ExpiresAt,
		GrantedBy:    in.ActorID,
		GrantedAt:    s.now(),
	})
	if err != nil {
		return UserDirectPermission{}, err
	}
	if err := s.resolver.InvalidateUser(ctx, in.TenantID, in.UserID); err != nil {
		return UserDirectPermission{}, err
	}
	s.recordAudit(ctx, in.TenantID, in.ActorID, "permissions.direct_grant", "user_direct_permissions", grant.ID, map[string]any{"code": in.Code, "effect": string(in.Effect)})
	return grant, nil
}

// RevokeDirect revokes the user's active override for the code.
func (s *Service) RevokeDirect(ctx context.Context, tenantID, userID, code, actorID string) error {
	snap, err := s.resolver.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	perm, ok := snap.PermissionByCode(code)
	if !ok {
		return ErrNotFound
	}
	if err := s.repo.RevokeDirect(ctx, tenantID, userID, perm.ID, s.now()); err != nil {
		return err
	}
	if err := s.resolver.InvalidateUser(ctx, tenantID, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "permissions.direct_revoke", "user_direct_permissions", userID, map[string]any{"code": code})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("record audit event", slog.String("action", action), slog.Any("error", err))
	}
}
