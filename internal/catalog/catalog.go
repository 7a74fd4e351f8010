package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

const (
	// KeyGeneration holds a counter bumped on every invalidation.
	KeyGeneration = "catalog:products:gen"
	// KeySnapshot is the list for one generation: catalog:products:{gen}.
	KeySnapshot = "catalog:products:%d"

	DefaultAbsoluteTTL = 30 * time.Minute
	DefaultSlidingTTL  = 10 * time.Minute
	DefaultLoadTimeout = 10 * time.Second
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("catalog: cache miss")

// Backend is a byte-level key/value cache. Any error other than ErrMiss is
// treated as the backend being unavailable.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// Loader reads the active catalog from the source of truth.
type Loader interface {
	ListActiveProducts(ctx context.Context) ([]orders.Product, error)
}

var tracer = otel.Tracer("github.com/ariefcatur/marketplace-orders/internal/catalog")

// Catalog is a read-through cache of the active product list.
//
// Every snapshot lives under a key derived from the generation counter read
// before the source was queried. Invalidate bumps the counter, so a load
// that raced an invalidation writes to a key no reader will ask for again.
//
// An entry expires after SlidingTTL without reads, and never outlives
// AbsoluteTTL from the moment it was loaded, however often it is read.
//
// If an invalidation cannot bump the counter, this instance reads straight
// from the Loader until a later invalidation succeeds.
type Catalog struct {
	Loader      Loader
	Backend     Backend
	AbsoluteTTL time.Duration
	SlidingTTL  time.Duration
	// LoadTimeout bounds a shared load. It runs detached from the reader
	// that started it, so one disconnecting client fails no one else.
	LoadTimeout time.Duration
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Now         func() time.Time

	group singleflight.Group
	stale atomic.Bool
}

type snapshot struct {
	LoadedAt time.Time        `json:"loaded_at"`
	Products []orders.Product `json:"products"`
}

var _ orders.CacheInvalidator = (*Catalog)(nil)

// GetCatalog returns the active products, from cache when possible. Backend
// failures fall through to the Loader and are never returned.
func (c *Catalog) GetCatalog(ctx context.Context) ([]orders.Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetCatalog")
	defer span.End()
	log := logging.FromContext(ctx, c.Log)

	if c.stale.Load() {
		c.count(metrics.CacheBypass)
		span.SetAttributes(attribute.String("cache.result", metrics.CacheBypass))
		return c.Loader.ListActiveProducts(ctx)
	}

	gen, err := c.generation(ctx)
	if err != nil {
		c.count(metrics.CacheError)
		span.SetAttributes(attribute.String("cache.result", metrics.CacheError))
		log.Warn("catalog_cache_unavailable", zap.String("op", "generation"), zap.Error(err))
		return c.Loader.ListActiveProducts(ctx)
	}
	key := fmt.Sprintf(KeySnapshot, gen)

	raw, err := c.Backend.Get(ctx, key)
	switch {
	case err == nil:
		if products, ok := c.fromCache(ctx, log, key, raw); ok {
			c.count(metrics.CacheHit)
			span.SetAttributes(attribute.String("cache.result", metrics.CacheHit))
			return products, nil
		}
	case errors.Is(err, ErrMiss):
	default:
		c.count(metrics.CacheError)
		span.SetAttributes(attribute.String("cache.result", metrics.CacheError))
		log.Warn("catalog_cache_unavailable", zap.String("op", "get"), zap.Error(err))
		return c.Loader.ListActiveProducts(ctx)
	}

	c.count(metrics.CacheMiss)
	span.SetAttributes(attribute.String("cache.result", metrics.CacheMiss))
	v, err, _ := c.group.Do(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout())
		defer cancel()
		return c.load(loadCtx, log, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]orders.Product), nil
}

// GetProduct returns one active product, served from the cached list.
func (c *Catalog) GetProduct(ctx context.Context, productID string) (orders.Product, error) {
	products, err := c.GetCatalog(ctx)
	if err != nil {
		return orders.Product{}, err
	}
	for _, p := range products {
		if p.ID == productID {
			return p, nil
		}
	}
	return orders.Product{}, orders.ErrNotFound
}

// Invalidate evicts the cached list. The product ids are logged only:
// the cache holds one collection, so any touched product evicts all of it.
func (c *Catalog) Invalidate(ctx context.Context, productIDs []string) {
	log := logging.FromContext(ctx, c.Log)
	if c.Metrics != nil {
		c.Metrics.CacheInvalidation.Inc()
	}
	gen, err := c.Backend.Incr(ctx, KeyGeneration)
	if err != nil {
		c.stale.Store(true)
		log.Warn("catalog_cache_unavailable", zap.String("op", "invalidate"),
			zap.Strings("product_ids", productIDs), zap.Error(err))
		// Other instances still read the live snapshot; try to evict it.
		if cur, gerr := c.generation(ctx); gerr == nil {
			if derr := c.Backend.Del(ctx, fmt.Sprintf(KeySnapshot, cur)); derr != nil {
				log.Warn("catalog_cache_unavailable", zap.String("op", "evict"), zap.Error(derr))
			}
		}
		return
	}
	c.stale.Store(false)
	if err := c.Backend.Del(ctx, fmt.Sprintf(KeySnapshot, gen-1)); err != nil {
		log.Warn("catalog_cache_unavailable", zap.String("op", "evict"), zap.Error(err))
	}
	log.Debug("catalog_invalidated", zap.Int64("generation", gen), zap.Strings("product_ids", productIDs))
}

// Refresh evicts and immediately repopulates the cache.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.Invalidate(ctx, nil)
	_, err := c.GetCatalog(ctx)
	return err
}

func (c *Catalog) generation(ctx context.Context) (int64, error) {
	raw, err := c.Backend.Get(ctx, KeyGeneration)
	if errors.Is(err, ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: bad generation %q: %w", raw, err)
	}
	return gen, nil
}

func (c *Catalog) fromCache(ctx context.Context, log *zap.Logger, key string, raw []byte) ([]orders.Product, bool) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warn("catalog_cache_corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	remaining := snap.LoadedAt.Add(c.absoluteTTL()).Sub(c.now())
	if remaining <= 0 {
		return nil, false
	}
	if err := c.Backend.Expire(ctx, key, min(c.slidingTTL(), remaining)); err != nil {
		log.Warn("catalog_cache_unavailable", zap.String("op", "touch"), zap.Error(err))
	}
	return snap.Products, true
}

func (c *Catalog) load(ctx context.Context, log *zap.Logger, key string) ([]orders.Product, error) {
	products, err := c.Loader.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snapshot{LoadedAt: c.now().UTC(), Products: products})
	if err != nil {
		return nil, err
	}
	if err := c.Backend.Set(ctx, key, raw, min(c.slidingTTL(), c.absoluteTTL())); err != nil {
		log.Warn("catalog_cache_unavailable", zap.String("op", "set"), zap.Error(err))
		return products, nil
	}
	// Hand out the decoded copy so the first read matches every cached read.
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return products, nil
	}
	return snap.Products, nil
}

func (c *Catalog) count(result string) {
	if c.Metrics != nil {
		c.Metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

func (c *Catalog) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Catalog) absoluteTTL() time.Duration {
	if c.AbsoluteTTL > 0 {
		return c.AbsoluteTTL
	}
	return DefaultAbsoluteTTL
}

func (c *Catalog) loadTimeout() time.Duration {
	if c.LoadTimeout > 0 {
		return c.LoadTimeout
	}
	return DefaultLoadTimeout
}

func (c *Catalog) slidingTTL() time.Duration {
	if c.SlidingTTL > 0 {
		return c.SlidingTTL
	}
	return DefaultSlidingTTL
}
