package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrCacheUnavailable = errors.New("schema cache unavailable")
	ErrUnknownTenant    = errors.New("unknown tenant")
)

type Source interface {
	FetchSchema(ctx context.Context, tenantID string) (Snapshot, error)
}

type CacheConfig struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Cache serves per-tenant schema snapshots and refreshes each tenant at most
// once at a time, no matter how many callers are waiting.
type Cache struct {
	source         Source
	ttl            time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	clock          func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	// generations counts invalidations per tenant. A refresh that started
	// before the latest invalidation stores its result as stale.
	generations map[string]uint64
}

type entry struct {
	snapshot   Snapshot
	loadedAt   time.Time
	stale      bool
	generation uint64
}

func NewCache(source Source, cfg CacheConfig) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("schema source is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		source:         source,
		ttl:            ttl,
		refreshTimeout: refreshTimeout,
		logger:         logger,
		clock:          clock,
		entries:        map[string]entry{},
		generations:    map[string]uint64{},
	}, nil
}

// Get returns the tenant's snapshot, refreshing it when missing, expired or
// invalidated. When a refresh fails and an older snapshot exists, the older
// snapshot is served.
func (c *Cache) Get(ctx context.Context, tenantID string) (Snapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Snapshot{}, fmt.Errorf("tenant id is required")
	}

	current, ok := c.lookup(tenantID)
	if ok && c.fresh(current) {
		cacheLookups.WithLabelValues("hit").Inc()
		return current.snapshot, nil
	}
	if ok {
		cacheLookups.WithLabelValues("stale").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}

	// The shared refresh outlives any single waiter; each waiter only stops
	// waiting on its own cancellation.
	refreshCtx := context.WithoutCancel(ctx)
	results := c.group.DoChan(tenantID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(refreshCtx, c.refreshTimeout)
		defer cancel()
		return c.refresh(fetchCtx, tenantID)
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-results:
		if res.Err == nil {
			return res.Val.(Snapshot), nil
		}
		if previous, ok := c.lookup(tenantID); ok {
			c.logger.Warn("schema refresh failed, serving stale snapshot",
				"tenant_id", tenantID,
				"version", previous.snapshot.Version,
				"error", res.Err,
			)
			return previous.snapshot, nil
		}
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCacheUnavailable, res.Err)
	}
}

// Invalidate marks the tenant's snapshot stale, including one that a refresh
// already in flight has yet to store. The snapshot is kept so that a failed
// refresh can still fall back to it.
func (c *Cache) Invalidate(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	c.mu.Lock()
	c.generations[tenantID]++
	if current, ok := c.entries[tenantID]; ok {
		current.stale = true
		c.entries[tenantID] = current
	}
	c.mu.Unlock()
	c.group.Forget(tenantID)
	cacheInvalidations.Inc()
}

// Peek returns the cached snapshot without refreshing it.
func (c *Cache) Peek(tenantID string) (Snapshot, bool) {
	current, ok := c.lookup(strings.TrimSpace(tenantID))
	if !ok {
		return Snapshot{}, false
	}
	return current.snapshot, true
}

func (c *Cache) lookup(tenantID string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	current, ok := c.entries[tenantID]
	return current, ok
}

func (c *Cache) fresh(current entry) bool {
	return !current.stale && c.clock().Sub(current.loadedAt) < c.ttl
}

func (c *Cache) refresh(ctx context.Context, tenantID string) (Snapshot, error) {
	c.mu.RLock()
	generation := c.generations[tenantID]
	c.mu.RUnlock()

	snapshot, err := c.source.FetchSchema(ctx, tenantID)
	if err != nil {
		cacheRefreshes.WithLabelValues("error").Inc()
		return Snapshot{}, err
	}

	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	var version int64 = 1
	if previous, ok := c.entries[tenantID]; ok {
		if previous.generation > generation {
			// A refresh started after an invalidation has already landed.
			cacheRefreshes.WithLabelValues("superseded").Inc()
			return previous.snapshot, nil
		}
		version = previous.snapshot.Version + 1
	}
	snapshot.TenantID = tenantID
	snapshot.Version = version
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = now
	}
	if snapshot.Tables == nil {
		snapshot.Tables = map[string]Table{}
	}
	stale := c.generations[tenantID] != generation
	c.entries[tenantID] = entry{snapshot: snapshot, loadedAt: now, stale: stale, generation: generation}
	cacheRefreshes.WithLabelValues("ok").Inc()

	c.logger.Debug("schema snapshot refreshed", "tenant_id", tenantID, "version", version, "tables", len(snapshot.Tables), "stale", stale)
	return snapshot, nil
}
