package permissions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ResolverConfig configures optional behaviour for the resolver.
type ResolverConfig struct {
	MaxGroupDepth int
	Observer      DecisionObserver
	Metrics       MetricsRecorder
}

// Resolver merges group-derived grants and per-user overrides into access
// decisions. The read path is pure and safe for concurrent use: it works on
// immutable snapshots and a stamped cache, and it never fails the caller.
// Worst case it denies and logs a diagnostic.
type Resolver struct {
	store    Store
	cache    *Cache
	eval     *Evaluator
	logger   *slog.Logger
	observer DecisionObserver
	metrics  MetricsRecorder
	maxDepth int

	flight    singleflight.Group
	snapshots sync.Map // tenantID -> *Snapshot
	now       func() time.Time
}

// NewResolver wires the resolver's dependencies.
func NewResolver(store Store, cache *Cache, eval *Evaluator, logger *slog.Logger, cfg ResolverConfig) *Resolver {
	maxDepth := cfg.MaxGroupDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGroupDepth
	}
	return &Resolver{
		store:    store,
		cache:    cache,
		eval:     eval,
		logger:   logger,
		observer: cfg.Observer,
		metrics:  cfg.Metrics,
		maxDepth: maxDepth,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HasPermission decides whether the user may perform the action identified
// by the permission code, evaluating any winning condition against reqCtx.
func (r *Resolver) HasPermission(ctx context.Context, tenantID, userID, code string, reqCtx map[string]any) (bool, Decision) {
	decision := r.decide(ctx, tenantID, userID, code, reqCtx)
	if r.metrics != nil {
		r.metrics.RecordDecision(string(decision.Source), decision.Allowed)
	}
	if r.observer != nil {
		r.observer.ObserveDecision(ctx, tenantID, userID, decision)
	}
	return decision.Allowed, decision
}

// Explain computes the decision for diagnostics without emitting decision
// events or metrics. It is always computable and never fails.
func (r *Resolver) Explain(ctx context.Context, tenantID, userID, code string) Decision {
	return r.decide(ctx, tenantID, userID, code, nil)
}

// ListEffectivePermissions returns the codes currently allowed for the user,
// sorted. Grants gated by a condition are listed as provisional: the listing
// has no request context to settle them against.
func (r *Resolver) ListEffectivePermissions(ctx context.Context, tenantID, userID string) ([]EffectivePermission, error) {
	res, err := r.resolve(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]EffectivePermission, 0, len(res.Grants))
	for code, winner := range res.Grants {
		if winner.Effect == EffectDeny {
			continue
		}
		out = append(out, EffectivePermission{Code: code, Provisional: winner.Conditions != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// InvalidateUser drops the user's cached resolution and the tenant snapshot.
// Callers on the write path must invoke this before reporting success.
func (r *Resolver) InvalidateUser(ctx context.Context, tenantID, userID string) error {
	r.snapshots.Delete(tenantID)
	return r.cache.Invalidate(ctx, tenantID, userID)
}

// InvalidateGroup fans a group change out to every user whose membership
// chain can include it. Without a usable member index it falls back to
// invalidating the whole tenant.
func (r *Resolver) InvalidateGroup(ctx context.Context, tenantID, groupID string) error {
	var members []string
	indexed := false
	if snap := r.loadSnapshot(tenantID); snap != nil {
		members, indexed = snap.MembersOf(groupID)
	}
	r.snapshots.Delete(tenantID)
	if !indexed {
		return r.cache.InvalidateTenant(ctx, tenantID)
	}
	for _, userID := range members {
		if err := r.cache.Invalidate(ctx, tenantID, userID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateTenant drops everything cached for the tenant.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID string) error {
	r.snapshots.Delete(tenantID)
	return r.cache.InvalidateTenant(ctx, tenantID)
}

// Snapshot exposes the current tenant snapshot, loading it when absent.
// Write-path validation reads the hierarchy through this.
func (r *Resolver) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	return r.snapshot(ctx, tenantID)
}

func (r *Resolver) decide(ctx context.Context, tenantID, userID, code string, reqCtx map[string]any) Decision {
	now := r.now()
	decision := Decision{PermissionCode: code, Source: SourceNone, EvaluatedAt: now}

	res, err := r.resolve(ctx, tenantID, userID)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("permission resolution failed, denying",
				slog.String("tenant_id", tenantID),
				slog.String("user_id", userID),
				slog.String("code", code),
				slog.Any("error", err))
		}
		return decision
	}

	winner, ok := res.Grants[code]
	if !ok {
		return decision
	}

	if winner.Direct {
		decision.Source = SourceDirect
	} else {
		decision.Source = SourceGroup
		decision.MatchedGroupID = winner.SourceGroupID
	}

	// A matched deny is unconditional: conditions gate allows, they never
	// invert a deny.
	if winner.Effect == EffectDeny {
		return decision
	}
	if winner.Conditions != nil {
		result := r.eval.Evaluate(winner.Conditions, reqCtx)
		decision.ConditionResult = &result
		decision.Allowed = result
		// Without a request context the condition cannot truly settle, so
		// the outcome is provisional (and fail-closed).
		decision.Provisional = reqCtx == nil
		return decision
	}
	decision.Allowed = true
	return decision
}

// resolve returns the user's merged grant table, from cache when current.
func (r *Resolver) resolve(ctx context.Context, tenantID, userID string) (*CachedResolution, error) {
	if entry, ok := r.cache.Get(ctx, tenantID, userID); ok {
		if r.metrics != nil {
			r.metrics.RecordCacheLookup(true)
		}
		return entry, nil
	}
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(false)
	}

	v, err, _ := r.flight.Do(entryKey(tenantID, userID), func() (any, error) {
		tenantStamp, userStamp, err := r.cache.Stamps(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		snap, err := r.snapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		now := r.now()
		entry, err := r.buildResolution(snap, userID, now)
		if errors.Is(err, ErrHierarchyCorrupted) {
			// The snapshot failed its own integrity checks: force a full
			// rebuild from the store and try once more.
			if r.logger != nil {
				r.logger.Error("hierarchy corruption detected, rebuilding snapshot",
					slog.String("tenant_id", tenantID))
			}
			r.snapshots.Delete(tenantID)
			if snap, err = r.snapshot(ctx, tenantID); err != nil {
				return nil, err
			}
			entry, err = r.buildResolution(snap, userID, now)
		}
		if err != nil {
			return nil, err
		}
		r.cache.Set(entry, tenantStamp, userStamp)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CachedResolution), nil
}

// buildResolution applies collection and precedence: direct overrides beat
// group grants per code; among directs the newest wins with deny breaking
// exact ties; among group grants priority, then proximity, then the
// lexicographically smallest group id decide.
func (r *Resolver) buildResolution(snap *Snapshot, userID string, now time.Time) (*CachedResolution, error) {
	winners := make(map[string]GrantCandidate)
	hasDirect := make(map[string]struct{})
	var staleAt time.Time

	for _, direct := range snap.DirectGrantsFor(userID) {
		if !direct.ActiveAt(now) {
			continue
		}
		perm, ok := snap.permsByID[direct.PermissionID]
		if !ok || perm.DeletedAt != nil {
			continue
		}
		staleAt = earliestFuture(staleAt, direct.ExpiresAt, now)
		cand := GrantCandidate{
			Code:       perm.Code,
			Effect:     direct.Effect,
			Conditions: direct.Conditions,
			Direct:     true,
			GrantedAt:  direct.GrantedAt,
		}
		if prev, exists := winners[perm.Code]; exists {
			cand = betterDirect(prev, cand)
		}
		winners[perm.Code] = cand
		hasDirect[perm.Code] = struct{}{}
	}

	for _, assignment := range snap.AssignmentsFor(userID) {
		if !assignment.ActiveAt(now) {
			continue
		}
		// Membership in a deactivated or deleted group is a revoked
		// membership: nothing inherits through it, not even from live
		// ancestors of the dead group.
		if group, ok := snap.Group(assignment.GroupID); !ok || !group.Live() {
			continue
		}
		staleAt = earliestFuture(staleAt, assignment.ExpiresAt, now)
		cands, err := snap.PermissionsOf(assignment.GroupID, true)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, cand := range cands {
			if _, direct := hasDirect[cand.Code]; direct {
				continue
			}
			if prev, exists := winners[cand.Code]; exists {
				cand = betterGroup(prev, cand)
			}
			winners[cand.Code] = cand
		}
	}

	return &CachedResolution{
		TenantID:        snap.TenantID(),
		UserID:          userID,
		SnapshotVersion: snap.Version(),
		Grants:          winners,
		ResolvedAt:      now,
		StaleAt:         staleAt,
	}, nil
}

func (r *Resolver) snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	if snap := r.loadSnapshot(tenantID); snap != nil {
		return snap, nil
	}
	v, err, _ := r.flight.Do("snapshot:"+tenantID, func() (any, error) {
		if snap := r.loadSnapshot(tenantID); snap != nil {
			return snap, nil
		}
		data, err := r.store.TenantSnapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		snap := NewSnapshot(tenantID, data, r.maxDepth, r.now())
		r.snapshots.Store(tenantID, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (r *Resolver) loadSnapshot(tenantID string) *Snapshot {
	if v, ok := r.snapshots.Load(tenantID); ok {
		return v.(*Snapshot)
	}
	return nil
}

// betterDirect picks between two direct grants for the same code: newest
// GrantedAt wins; on an exact tie deny beats allow.
func betterDirect(a, b GrantCandidate) GrantCandidate {
	if a.GrantedAt.After(b.GrantedAt) {
		return a
	}
	if b.GrantedAt.After(a.GrantedAt) {
		return b
	}
	if a.Effect == EffectDeny {
		return a
	}
	return b
}

// betterGroup picks between two group grants for the same code: highest
// priority, then smallest depth, then smallest source group id.
func betterGroup(a, b GrantCandidate) GrantCandidate {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return a
		}
		return b
	}
	if a.Depth != b.Depth {
		if a.Depth < b.Depth {
			return a
		}
		return b
	}
	if a.SourceGroupID <= b.SourceGroupID {
		return a
	}
	return b
}

func earliestFuture(current time.Time, candidate *time.Time, now time.Time) time.Time {
	if candidate == nil || !candidate.After(now) {
		return current
	}
	if current.IsZero() || candidate.Before(current) {
		return *candidate
	}
	return current
}
