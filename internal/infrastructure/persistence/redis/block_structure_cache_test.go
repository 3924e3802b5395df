package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
)

var demoCourse = course.MustParseCourseKey("course-v1:edX+DemoX+2024")

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
	gets int
	sets int
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (f *fakeStore) Get(_ context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.down {
		return errors.New("dial tcp: connection refused")
	}
	raw, ok := f.data[key]
	if !ok {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return nil
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.down {
		return errors.New("dial tcp: connection refused")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

type fakeContent struct {
	version string
	builds  int
}

func (c *fakeContent) Version(context.Context, course.CourseKey) (string, error) {
	return c.version, nil
}

func (c *fakeContent) Build(_ context.Context, key course.CourseKey) (*course.BlockStructure, error) {
	c.builds++
	root := course.NewUsageKey(key, course.TypeCourse, "course")
	seq := course.NewUsageKey(key, course.TypeSequential, "s1")
	p := course.NewUsageKey(key, course.TypeProblem, "p1")
	return course.NewBlockStructure(key, c.version, root, []course.Block{
		{Key: root, Children: []course.UsageKey{seq}},
		{Key: seq, Graded: true, Format: "Homework", Children: []course.UsageKey{p}},
		{Key: p, Graded: true, HasScore: true, Weight: 1},
	})
}

func TestStructureCache_HitsAfterFirstBuild(t *testing.T) {
	store := newFakeStore()
	content := &fakeContent{version: "v1"}
	cache := NewStructureCache(store, content, StructureCacheConfig{})
	ctx := context.Background()

	first, err := cache.GetOrBuild(ctx, demoCourse)
	require.NoError(t, err)
	second, err := cache.GetOrBuild(ctx, demoCourse)
	require.NoError(t, err)

	assert.Equal(t, 1, content.builds)
	assert.Equal(t, first.Len(), second.Len())
	assert.Equal(t, "v1", second.Version())
}

func TestStructureCache_NewVersionRebuilds(t *testing.T) {
	store := newFakeStore()
	content := &fakeContent{version: "v1"}
	cache := NewStructureCache(store, content, StructureCacheConfig{})
	ctx := context.Background()

	_, err := cache.GetOrBuild(ctx, demoCourse)
	require.NoError(t, err)

	content.version = "v2"
	s, err := cache.GetOrBuild(ctx, demoCourse)
	require.NoError(t, err)

	assert.Equal(t, 2, content.builds)
	assert.Equal(t, "v2", s.Version())
	assert.NotEqual(t, StructureKey(demoCourse, "v1"), StructureKey(demoCourse, "v2"))
}

func TestStructureCache_RedisDownFallsBackAndOpensBreaker(t *testing.T) {
	store := newFakeStore()
	store.down = true
	content := &fakeContent{version: "v1"}
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	cache := NewStructureCache(store, content, StructureCacheConfig{Breaker: breaker})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s, err := cache.GetOrBuild(ctx, demoCourse)
		require.NoError(t, err)
		assert.Equal(t, 3, s.Len())
	}

	assert.Equal(t, 4, content.builds)
	assert.True(t, breaker.IsOpen())
	assert.Equal(t, 1, store.gets, "breaker stops calls once open")
}

func TestStructureCache_CorruptEntryIsRebuilt(t *testing.T) {
	store := newFakeStore()
	store.data[StructureKey(demoCourse, "v1")] = []byte(`{"course_key":"course-v1:edX+DemoX+2024","root":"nope"}`)
	content := &fakeContent{version: "v1"}
	cache := NewStructureCache(store, content, StructureCacheConfig{})

	_, err := cache.GetOrBuild(context.Background(), demoCourse)
	require.NoError(t, err)
	assert.Equal(t, 1, content.builds)
}

type gatedContent struct {
	fakeContent
	release chan struct{}
	calls   atomic.Int32
}

func (c *gatedContent) Build(ctx context.Context, key course.CourseKey) (*course.BlockStructure, error) {
	c.calls.Add(1)
	<-c.release
	return c.fakeContent.Build(ctx, key)
}

func TestStructureCache_ConcurrentMissesShareOneBuild(t *testing.T) {
	store := newFakeStore()
	content := &gatedContent{fakeContent: fakeContent{version: "v1"}, release: make(chan struct{})}
	cache := NewStructureCache(store, content, StructureCacheConfig{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.GetOrBuild(ctx, demoCourse)
			assert.NoError(t, err)
			assert.Equal(t, "v1", s.Version())
		}()
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.gets == callers
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(content.release)
	wg.Wait()

	assert.Equal(t, int32(1), content.calls.Load())
	assert.Equal(t, 1, store.sets)
}
