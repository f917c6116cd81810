// perlcomplete/helpers_cache.go
// Contains helper functions for memory caching (Ristretto).
package perlcomplete

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memoryCache is the subset of cache behaviour withMemoryCache needs.
type memoryCache interface {
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
	MemoryCacheEnabled() bool
}

// generateCacheKey creates a key for the memory cache from a file's identity.
// Size and modification time are part of the key so an edited file misses.
func generateCacheKey(prefix, path string, info os.FileInfo) string {
	return fmt.Sprintf("%s:%s:%d:%d", prefix, path, info.Size(), info.ModTime().UnixNano())
}

// withMemoryCache wraps a function call with caching logic.
// Tries to fetch from cache using cacheKey. If miss, calls computeFn,
// stores the result with cost and ttl, and returns it.
// Returns the result (cached or computed), a boolean indicating cache hit, and any error from computeFn.
func withMemoryCache[T any](
	cache memoryCache,
	cacheKey string,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("cache_key", cacheKey)

	if cache == nil || !cache.MemoryCacheEnabled() {
		cacheLogger.Debug("Memory cache check skipped (cache disabled)")
		result, err := computeFn()
		return result, false, err
	}

	if cachedResult, found := cache.GetMemoryCache(cacheKey); found {
		if typedResult, ok := cachedResult.(T); ok {
			cacheLogger.Debug("Memory cache hit")
			return typedResult, true, nil
		}
		cacheLogger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cachedResult))
	} else {
		cacheLogger.Debug("Memory cache miss")
	}

	computedResult, err := computeFn()
	if err != nil {
		return zero, false, err
	}

	cost := estimateCost(computedResult)
	if !cache.SetMemoryCache(cacheKey, computedResult, cost, ttl) {
		cacheLogger.Warn("Memory cache Set failed, item not cached", "cost", cost, "ttl", ttl)
	}
	return computedResult, false, nil
}

// estimateCost approximates the memory held by v, never less than 1.
func estimateCost(v any) int64 {
	var cost int64
	switch val := v.(type) {
	case string:
		cost = int64(len(val))
	case []byte:
		cost = int64(len(val))
	case []string:
		for _, s := range val {
			cost += int64(len(s)) + 16
		}
	}
	if cost <= 0 {
		return 1
	}
	return cost
}

// ============================================================================
// Cached Line Source
// ============================================================================

const (
	lineCacheNumCounters = 1e5
	lineCacheMaxCost     = 64 << 20
	lineCacheBufferItems = 64
)

// CachedLineSource reads files from disk and keeps their lines in a Ristretto cache.
type CachedLineSource struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedLineSource creates a line source whose entries expire after ttl.
// If the cache cannot be created, lines are read from disk every time.
func NewCachedLineSource(ttl time.Duration, logger *slog.Logger) *CachedLineSource {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultLineCacheTTLSecs * time.Second
	}
	src := &CachedLineSource{ttl: ttl, logger: logger.With("component", "CachedLineSource")}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: lineCacheNumCounters,
		MaxCost:     lineCacheMaxCost,
		BufferItems: lineCacheBufferItems,
		Metrics:     true,
	})
	if err != nil {
		src.logger.Warn("Failed to create line cache, reading files uncached", "error", err)
		return src
	}
	src.cache = cache
	return src
}

// Lines implements LineSource.
func (s *CachedLineSource) Lines(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	lines, _, err := withMemoryCache(s, generateCacheKey("lines", path, info), s.ttl, func() ([]string, error) {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, readErr
		}
		return splitLines(data), nil
	}, s.logger)
	return lines, err
}

// GetMemoryCache implements memoryCache.
func (s *CachedLineSource) GetMemoryCache(key string) (any, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(key)
}

// SetMemoryCache implements memoryCache.
func (s *CachedLineSource) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	if s.cache == nil {
		return false
	}
	return s.cache.SetWithTTL(key, value, cost, ttl)
}

// MemoryCacheEnabled implements memoryCache.
func (s *CachedLineSource) MemoryCacheEnabled() bool { return s.cache != nil }

// Wait blocks until pending cache writes are applied.
func (s *CachedLineSource) Wait() {
	if s.cache != nil {
		s.cache.Wait()
	}
}

// Metrics returns the Ristretto metrics, or nil when caching is disabled.
func (s *CachedLineSource) Metrics() *ristretto.Metrics {
	if s.cache == nil {
		return nil
	}
	return s.cache.Metrics
}

// Close releases the cache.
func (s *CachedLineSource) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}
