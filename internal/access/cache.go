package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	catalogVersionKeyPrefix = "access:catalog:version:"
	// CatalogInvalidationChannel carries tenant ids whose catalog changed.
	CatalogInvalidationChannel = "access.catalog.bump"
	defaultCatalogCacheSize    = 128
	// sharedLoadTimeout bounds a coalesced load, which no single caller owns.
	sharedLoadTimeout = 10 * time.Second
)

// RoleLoader reads every role of a tenant, soft-deleted ones included.
type RoleLoader func(ctx context.Context, tenantID int64) ([]Role, error)

// CatalogSource hands out role catalogs and drops them after role edits.
type CatalogSource interface {
	Catalog(ctx context.Context, tenantID int64) (*Catalog, error)
	Invalidate(ctx context.Context, tenantID int64) error
}

type cachedCatalog struct {
	version int64
	catalog *Catalog
}

// CatalogCache keeps one catalog per tenant in process memory. A per-tenant
// version counter in Redis lets every process notice edits made elsewhere.
type CatalogCache struct {
	client *redis.Client
	local  *lru.Cache[int64, cachedCatalog]
	group  singleflight.Group
	load   RoleLoader
	logger *slog.Logger

	// used instead of Redis when client is nil
	mu       sync.Mutex
	localVer map[int64]int64
}

// NewCatalogCache builds the cache. client may be nil, in which case only
// in-process invalidation is available.
func NewCatalogCache(client *redis.Client, size int, load RoleLoader, logger *slog.Logger) (*CatalogCache, error) {
	if load == nil {
		return nil, errors.New("access: catalog loader required")
	}
	if size <= 0 {
		size = defaultCatalogCacheSize
	}
	local, err := lru.New[int64, cachedCatalog](size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogCache{client: client, local: local, load: load, logger: logger, localVer: make(map[int64]int64)}, nil
}

// Catalog returns the tenant catalog, reloading when the shared version moved.
// When Redis is unreachable the catalog is read straight from storage.
func (c *CatalogCache) Catalog(ctx context.Context, tenantID int64) (*Catalog, error) {
	version, err := c.version(ctx, tenantID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("catalog version lookup", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		return c.fetch(ctx, tenantID)
	}
	if cached, ok := c.local.Get(tenantID); ok && cached.version == version {
		return cached.catalog, nil
	}
	key := strconv.FormatInt(tenantID, 10) + ":" + strconv.FormatInt(version, 10)
	resultCh := c.group.DoChan(key, func() (interface{}, error) {
		// Waiters share this load, so one of them leaving must not cancel it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		catalog, err := c.fetch(loadCtx, tenantID)
		if err != nil {
			return nil, err
		}
		c.local.Add(tenantID, cachedCatalog{version: version, catalog: catalog})
		return catalog, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Catalog), nil
	}
}

// Invalidate drops the local copy, bumps the shared version and notifies other processes.
func (c *CatalogCache) Invalidate(ctx context.Context, tenantID int64) error {
	if c.client == nil {
		c.mu.Lock()
		c.localVer[tenantID]++
		c.mu.Unlock()
		c.local.Remove(tenantID)
		return nil
	}
	c.local.Remove(tenantID)
	if err := c.client.Incr(ctx, versionKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("access: bump catalog version: %w", err)
	}
	return c.client.Publish(ctx, CatalogInvalidationChannel, strconv.FormatInt(tenantID, 10)).Err()
}

// ListenForInvalidation evicts local entries announced on the invalidation channel
// until ctx is done.
func (c *CatalogCache) ListenForInvalidation(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, CatalogInvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				tenantID, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					c.local.Purge()
					continue
				}
				c.local.Remove(tenantID)
			}
		}
	}()
	return nil
}

func (c *CatalogCache) fetch(ctx context.Context, tenantID int64) (*Catalog, error) {
	roles, err := c.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewCatalog(tenantID, roles), nil
}

func (c *CatalogCache) version(ctx context.Context, tenantID int64) (int64, error) {
	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.localVer[tenantID], nil
	}
	ver, err := c.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func versionKey(tenantID int64) string {
	return catalogVersionKeyPrefix + strconv.FormatInt(tenantID, 10)
}

// directCatalogs reads the catalog from storage on every call.
type directCatalogs struct {
	load RoleLoader
}

func (d directCatalogs) Catalog(ctx context.Context, tenantID int64) (*Catalog, error) {
	roles, err := d.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewCatalog(tenantID, roles), nil
}

func (directCatalogs) Invalidate(context.Context, int64) error { return nil }
