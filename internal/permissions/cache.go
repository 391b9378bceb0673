package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResolution is one user's merged grant table: the winner per
// permission code after union and precedence, before condition evaluation.
type CachedResolution struct {
	TenantID        string
	UserID          string
	SnapshotVersion int64
	Grants          map[string]GrantCandidate
	ResolvedAt      time.Time

	// StaleAt is the earliest future expiry among the grants and
	// memberships that fed this resolution. Once it passes, the merged
	// table may include contributions that are no longer active, so the
	// entry stops serving. Zero means nothing feeding the entry expires.
	StaleAt time.Time

	tenantStamp int64
	userStamp   int64
}

// Cache memoizes resolved grant tables per (tenant, user). Entries carry the
// redis version stamps observed when resolution started; a bump of either
// stamp turns the entry into a miss, so a revoke is visible to the very next
// lookup in every process. With a nil redis client the cache degrades to
// process-local stamps: invalidation stays synchronous within the process,
// including against a resolution in flight, but other processes never see it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*CachedResolution

	// Local invalidation counters, folded into the stamps. They close the
	// window where a build that started before an invalidation would
	// otherwise store and serve its stale result.
	userGens   map[string]int64
	tenantGens map[string]int64
}

// NewCache constructs the cache. ttl bounds how long an entry may serve even
// without any invalidation signal.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client:     client,
		ttl:        ttl,
		logger:     logger,
		entries:    make(map[string]*CachedResolution),
		userGens:   make(map[string]int64),
		tenantGens: make(map[string]int64),
	}
}

// Stamps reads the current invalidation stamps for the pair. Resolution must
// read stamps before building so that a concurrent bump invalidates the
// entry being built rather than racing past it.
func (c *Cache) Stamps(ctx context.Context, tenantID, userID string) (tenantStamp, userStamp int64, err error) {
	if c.client != nil {
		vals, err := c.client.MGet(ctx, tenantStampKey(tenantID), userStampKey(tenantID, userID)).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("permissions: read cache stamps: %w", err)
		}
		tenantStamp = stampValue(vals[0])
		userStamp = stampValue(vals[1])
	}
	c.mu.RLock()
	tenantStamp += c.tenantGens[tenantID]
	userStamp += c.userGens[entryKey(tenantID, userID)]
	c.mu.RUnlock()
	return tenantStamp, userStamp, nil
}

// Get returns the cached resolution when its stamps are still current.
func (c *Cache) Get(ctx context.Context, tenantID, userID string) (*CachedResolution, bool) {
	c.mu.RLock()
	entry := c.entries[entryKey(tenantID, userID)]
	c.mu.RUnlock()
	if entry == nil {
		return nil, false
	}
	if time.Since(entry.ResolvedAt) > c.ttl {
		c.evict(tenantID, userID)
		return nil, false
	}
	if !entry.StaleAt.IsZero() && !time.Now().Before(entry.StaleAt) {
		c.evict(tenantID, userID)
		return nil, false
	}
	tenantStamp, userStamp, err := c.Stamps(ctx, tenantID, userID)
	if err != nil {
		// Fail closed on the cache, not the caller: force a rebuild.
		if c.logger != nil {
			c.logger.Warn("permission cache stamp check failed", slog.Any("error", err))
		}
		return nil, false
	}
	if tenantStamp != entry.tenantStamp || userStamp != entry.userStamp {
		c.evict(tenantID, userID)
		return nil, false
	}
	return entry, true
}

// Set stores a resolution built while the given stamps were current.
func (c *Cache) Set(entry *CachedResolution, tenantStamp, userStamp int64) {
	if entry == nil {
		return
	}
	entry.tenantStamp = tenantStamp
	entry.userStamp = userStamp
	c.mu.Lock()
	c.entries[entryKey(entry.TenantID, entry.UserID)] = entry
	c.mu.Unlock()
}

// Invalidate drops the pair's entry and bumps its stamp so other processes
// converge. It must complete before the triggering write reports success.
func (c *Cache) Invalidate(ctx context.Context, tenantID, userID string) error {
	c.mu.Lock()
	delete(c.entries, entryKey(tenantID, userID))
	c.userGens[entryKey(tenantID, userID)]++
	c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, userStampKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("permissions: bump user stamp: %w", err)
	}
	return nil
}

// InvalidateTenant drops every entry for the tenant. Used when group
// structure or permission definitions change and precise fan-out is not
// possible.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) error {
	prefix := tenantID + ":"
	c.mu.Lock()
	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	c.tenantGens[tenantID]++
	c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, tenantStampKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("permissions: bump tenant stamp: %w", err)
	}
	return nil
}

func (c *Cache) evict(tenantID, userID string) {
	c.mu.Lock()
	delete(c.entries, entryKey(tenantID, userID))
	c.mu.Unlock()
}

func entryKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func tenantStampKey(tenantID string) string {
	return "perm:stamp:" + tenantID
}

func userStampKey(tenantID, userID string) string {
	return "perm:stamp:" + tenantID + ":" + userID
}

func stampValue(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
