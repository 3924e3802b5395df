package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
)

// JSONStore is the slice of Cache used by StructureCache.
type JSONStore interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// StructureCacheConfig configures a StructureCache.
type StructureCacheConfig struct {
	TTL     time.Duration
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *slog.Logger
}

// StructureCache is a course.StructureProvider shared across workers.
// Structures are stored under a hash of (course, content version), so a
// publish in the authoring store makes the old entry unreachable. When Redis
// is unhealthy the breaker opens and structures are built directly.
// Concurrent misses for the same key in one process share a single build.
type StructureCache struct {
	store   JSONStore
	content course.ContentStore
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	builds  singleflight.Group
	logger  *slog.Logger
}

// NewStructureCache creates a StructureCache.
func NewStructureCache(store JSONStore, content course.ContentStore, config StructureCacheConfig) *StructureCache {
	if config.TTL <= 0 {
		config.TTL = TTLBlockStructure
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.CacheBreaker(nil)
	}
	return &StructureCache{
		store:   store,
		content: content,
		ttl:     config.TTL,
		breaker: config.Breaker,
		logger:  config.Logger.With("component", "structure_cache"),
	}
}

// StructureKey returns the cache key for one outline version.
func StructureKey(courseKey course.CourseKey, version string) string {
	h := xxh3.HashString(courseKey.String() + "\x00" + version)
	return PrefixStructure + courseKey.String() + ":" + strconv.FormatUint(h, 16)
}

// GetOrBuild implements course.StructureProvider.
func (c *StructureCache) GetOrBuild(ctx context.Context, courseKey course.CourseKey) (*course.BlockStructure, error) {
	version, err := c.content.Version(ctx, courseKey)
	if err != nil {
		return nil, fmt.Errorf("content version: %w", err)
	}
	key := StructureKey(courseKey, version)

	var cached course.BlockStructure
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := c.store.Get(ctx, key, &cached)
		if errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrCacheSerialization) {
			return nil
		}
		return err
	})
	switch {
	case circuitbreaker.IsRejected(err):
	case err != nil:
		c.logger.Warn("structure cache unavailable, building directly", "course_key", courseKey, "error", err)
	case cached.Len() > 0 && cached.Version() == version:
		return &cached, nil
	}

	v, err, _ := c.builds.Do(key, func() (any, error) {
		return c.build(ctx, courseKey, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*course.BlockStructure), nil
}

func (c *StructureCache) build(ctx context.Context, courseKey course.CourseKey, key string) (*course.BlockStructure, error) {
	s, err := c.content.Build(ctx, courseKey)
	if err != nil {
		return nil, err
	}

	if c.breaker.IsOpen() {
		return s, nil
	}
	if err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.store.Set(ctx, key, s, c.ttl)
	}); err != nil {
		c.logger.Warn("failed to cache block structure", "course_key", courseKey, "error", err)
	}
	return s, nil
}
