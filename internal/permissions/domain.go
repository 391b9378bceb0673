package permissions

import (
	"errors"
	"time"
)

// Effect is the outcome a direct grant asserts.
type Effect string

const (
	// EffectAllow grants the permission.
	EffectAllow Effect = "ALLOW"
	// EffectDeny withholds the permission regardless of group grants.
	EffectDeny Effect = "DENY"
)

// DecisionSource identifies which layer produced a decision.
type DecisionSource string

const (
	// SourceDirect means a per-user override decided the outcome.
	SourceDirect DecisionSource = "DIRECT"
	// SourceGroup means a group-derived grant decided the outcome.
	SourceGroup DecisionSource = "GROUP"
	// SourceNone means no grant matched the permission code.
	SourceNone DecisionSource = "NONE"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("permissions: not found")
	// ErrCycleDetected rejects a reparent that would close a loop.
	ErrCycleDetected = errors.New("permissions: group hierarchy cycle detected")
	// ErrDepthExceeded rejects a reparent that would exceed the depth bound.
	ErrDepthExceeded = errors.New("permissions: group hierarchy depth exceeded")
	// ErrHierarchyCorrupted signals a revisit or depth overflow on a
	// supposedly validated snapshot. The snapshot must be rebuilt.
	ErrHierarchyCorrupted = errors.New("permissions: group hierarchy corrupted")
	// ErrDuplicateGrant indicates an active direct grant already exists for
	// the (user, permission) pair.
	ErrDuplicateGrant = errors.New("permissions: duplicate direct grant")
	// ErrAlreadyExists indicates a uniqueness conflict on group or
	// permission identity (slug, code).
	ErrAlreadyExists = errors.New("permissions: already exists")
)

// Permission is a grantable action identified by its code, e.g.
// "stock:product:update".
type Permission struct {
	ID          string
	Code        string
	Module      string
	Resource    string
	Action      string
	Description string
	IsSystem    bool
	Metadata    map[string]string
	DeletedAt   *time.Time
}

// PermissionGroup is a node in the per-tenant permission group tree.
type PermissionGroup struct {
	ID        string
	TenantID  string
	Name      string
	Slug      string
	ParentID  *string
	Priority  int
	IsSystem  bool
	IsActive  bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the group contributes grants during resolution.
func (g PermissionGroup) Live() bool {
	return g.IsActive && g.DeletedAt == nil
}

// GroupPermission associates a permission with a group. Group grants are
// allow-only; an optional condition gates the grant at evaluation time.
type GroupPermission struct {
	GroupID      string
	PermissionID string
	Conditions   *Condition
}

// UserGroupAssignment places a user in a group, optionally until expiry.
type UserGroupAssignment struct {
	UserID    string
	GroupID   string
	ExpiresAt *time.Time
	GrantedBy string
	GrantedAt time.Time
}

// ActiveAt reports whether the assignment contributes as of now.
func (a UserGroupAssignment) ActiveAt(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// UserDirectPermission is a per-user override. It always takes precedence
// over group-derived grants for the same permission code.
type UserDirectPermission struct {
	ID           string
	UserID       string
	PermissionID string
	Effect       Effect
	Conditions   *Condition
	ExpiresAt    *time.Time
	GrantedBy    string
	GrantedAt    time.Time
	RevokedAt    *time.Time
}

// ActiveAt reports whether the grant contributes as of now.
func (d UserDirectPermission) ActiveAt(now time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	return d.ExpiresAt == nil || d.ExpiresAt.After(now)
}

// GrantCandidate is one contribution considered during resolution, tagged
// with enough provenance to apply the precedence order deterministically.
type GrantCandidate struct {
	Code          string
	Effect        Effect
	Conditions    *Condition
	Priority      int
	Depth         int
	SourceGroupID string
	Direct        bool
	GrantedAt     time.Time
}

// Decision is the resolver's answer for one (user, permission code) pair.
// The engine emits decisions to an observer for tracing; it never persists
// them itself.
type Decision struct {
	PermissionCode  string         `json:"permission_code"`
	Allowed         bool           `json:"allowed"`
	Source          DecisionSource `json:"source"`
	MatchedGroupID  string         `json:"matched_group_id,omitempty"`
	ConditionResult *bool          `json:"condition_result,omitempty"`
	Provisional     bool           `json:"provisional,omitempty"`
	EvaluatedAt     time.Time      `json:"evaluated_at"`
}

// EffectivePermission is one entry of a user's effective permission listing.
// Provisional marks grants whose conditions could not be settled without a
// real request context.
type EffectivePermission struct {
	Code        string `json:"code"`
	Provisional bool   `json:"provisional"`
}
