package search

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yemenstay/property-search-index/pkg/config"
	"github.com/yemenstay/property-search-index/pkg/metrics"
	pkgredis "github.com/yemenstay/property-search-index/pkg/redis"
)

const cacheKeyPrefix = "searchidx:"

// QueryCache caches whole result pages in Redis, keyed by a digest of the
// normalized request. Concurrent misses for the same key coalesce onto one
// executor run. Index mutations flush the whole prefix.
type QueryCache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewQueryCache creates a QueryCache with the configured TTL.
func NewQueryCache(client *pkgredis.Client, cfg config.RedisConfig) *QueryCache {
	return &QueryCache{
		client: client,
		ttl:    cfg.CacheTTL,
		logger: slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) get(ctx context.Context, key string) (*SearchResult, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var result SearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

func (c *QueryCache) set(ctx context.Context, key string, result *SearchResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached page for req, or runs computeFn once per
// key and caches its result. The second return reports a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, req *SearchRequest, computeFn func() (*SearchResult, error)) (*SearchResult, bool, error) {
	key := buildCacheKey(req)
	if result, ok := c.get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.get(ctx, key); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*SearchResult), false, nil
}

// Invalidate deletes every cached page. Called after each index mutation.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, cacheKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Debug("query cache invalidated", "keys_deleted", deleted)
	return nil
}

// buildCacheKey digests the request so equivalent requests share a key.
// Amenity order does not affect results, so the IDs are sorted first;
// map fields already marshal in sorted key order.
func buildCacheKey(req *SearchRequest) string {
	normalized := *req
	if len(req.AmenityIDs) > 0 {
		normalized.AmenityIDs = slices.Clone(req.AmenityIDs)
		slices.Sort(normalized.AmenityIDs)
	}
	raw, _ := json.Marshal(normalized)
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("%s%x", cacheKeyPrefix, hash[:16])
}

// Searcher is the read-side entry point: a caching wrapper over the
// Executor. A nil cache degrades to executing every request.
type Searcher struct {
	exec    *Executor
	cache   *QueryCache
	metrics *metrics.Metrics
}

// NewSearcher wires the executor with an optional query cache.
func NewSearcher(exec *Executor, cache *QueryCache, m *metrics.Metrics) *Searcher {
	return &Searcher{exec: exec, cache: cache, metrics: m}
}

// Search serves the request from cache when possible. Validation always
// runs so malformed requests are rejected before touching the cache.
func (s *Searcher) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if err := req.Validate(s.exec.cfg); err != nil {
		return nil, err
	}
	start := time.Now()
	if s.cache == nil {
		result, err := s.exec.Search(ctx, req)
		s.observe("bypass", start, err)
		return result, err
	}
	result, hit, err := s.cache.GetOrCompute(ctx, req, func() (*SearchResult, error) {
		return s.exec.Search(ctx, req)
	})
	status := "miss"
	if hit {
		status = "hit"
	}
	s.observe(status, start, err)
	return result, err
}

func (s *Searcher) observe(cacheStatus string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	switch cacheStatus {
	case "hit":
		s.metrics.CacheHitsTotal.Inc()
	case "miss":
		s.metrics.CacheMissesTotal.Inc()
	}
	if err == nil {
		s.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	}
}
