package memory

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
)

type structureKey struct {
	courseKey course.CourseKey
	version   string
}

// StructureCache is a process-local course.StructureProvider. Entries are
// keyed by content version, so a changed outline is rebuilt on next use.
type StructureCache struct {
	content course.ContentStore
	cache   *xsync.Map[structureKey, *course.BlockStructure]
}

// NewStructureCache wraps content with an in-memory cache.
func NewStructureCache(content course.ContentStore) *StructureCache {
	return &StructureCache{
		content: content,
		cache:   xsync.NewMap[structureKey, *course.BlockStructure](),
	}
}

// GetOrBuild implements course.StructureProvider.
func (c *StructureCache) GetOrBuild(ctx context.Context, courseKey course.CourseKey) (*course.BlockStructure, error) {
	version, err := c.content.Version(ctx, courseKey)
	if err != nil {
		return nil, fmt.Errorf("content version: %w", err)
	}
	key := structureKey{courseKey, version}

	if s, ok := c.cache.Load(key); ok {
		return s, nil
	}

	s, err := c.content.Build(ctx, courseKey)
	if err != nil {
		return nil, err
	}
	actual, _ := c.cache.LoadOrStore(key, s)
	return actual, nil
}

// Invalidate drops every cached version of a course.
func (c *StructureCache) Invalidate(courseKey course.CourseKey) {
	c.cache.Range(func(k structureKey, _ *course.BlockStructure) bool {
		if k.courseKey == courseKey {
			c.cache.Delete(k)
		}
		return true
	})
}
