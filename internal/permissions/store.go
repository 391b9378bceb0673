package permissions

import "context"

// Store is the read contract the engine consumes from persistence. The
// engine never writes through it; it reads consistent snapshots and is told
// about writes via the invalidation methods on Resolver.
type Store interface {
	// TenantSnapshot returns the tenant's permission tables as of a single
	// consistent point, together with a monotonic version stamp that changes
	// on every write to those tables.
	TenantSnapshot(ctx context.Context, tenantID string) (SnapshotData, error)
}

// DecisionObserver receives every decision the resolver produces on the
// hasPermission path, for tracing and audit by an external collaborator.
type DecisionObserver interface {
	ObserveDecision(ctx context.Context, tenantID, userID string, d Decision)
}

// MetricsRecorder counts resolver outcomes and cache effectiveness.
type MetricsRecorder interface {
	RecordDecision(source string, allowed bool)
	RecordCacheLookup(hit bool)
}
