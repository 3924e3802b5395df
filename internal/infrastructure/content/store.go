package content

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// FileStore is a course.ContentStore over a directory of YAML outlines,
// one course run per file. The content version is a hash of the file bytes,
// so editing an outline changes the version seen by the next task.
type FileStore struct {
	fsys   fs.FS
	logger *slog.Logger

	mu    sync.RWMutex
	files map[course.CourseKey]string
}

// NewFileStore indexes every *.yaml and *.yml file in fsys by course key.
func NewFileStore(fsys fs.FS, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		fsys:   fsys,
		logger: logger.With("component", "content_store"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rescans the directory. Invalid files are skipped with a warning.
func (s *FileStore) Reload() error {
	files := make(map[course.CourseKey]string)

	err := fs.WalkDir(s.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := path.Ext(p); ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(s.fsys, p)
		if err != nil {
			return err
		}
		o, err := ParseOutline(data)
		if err != nil {
			s.logger.Warn("skipping invalid outline", "file", p, "error", err)
			return nil
		}
		key := course.MustParseCourseKey(o.CourseKey)
		if prev, dup := files[key]; dup {
			return fmt.Errorf("course %s defined in both %s and %s", key, prev, p)
		}
		files[key] = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan outlines: %w", err)
	}

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()

	s.logger.Info("course outlines loaded", "courses", len(files))
	return nil
}

// Courses lists the indexed course runs.
func (s *FileStore) Courses() []course.CourseKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]course.CourseKey, 0, len(s.files))
	for k := range s.files {
		out = append(out, k)
	}
	return out
}

func (s *FileStore) read(courseKey course.CourseKey) ([]byte, error) {
	s.mu.RLock()
	p, ok := s.files[courseKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrCourseNotFound, courseKey)
	}
	return fs.ReadFile(s.fsys, p)
}

// Version implements course.ContentStore.
func (s *FileStore) Version(_ context.Context, courseKey course.CourseKey) (string, error) {
	data, err := s.read(courseKey)
	if err != nil {
		return "", err
	}
	return HashVersion(data), nil
}

// Build implements course.ContentStore.
func (s *FileStore) Build(_ context.Context, courseKey course.CourseKey) (*course.BlockStructure, error) {
	data, err := s.read(courseKey)
	if err != nil {
		return nil, err
	}
	o, err := ParseOutline(data)
	if err != nil {
		return nil, err
	}
	if k, _ := course.ParseCourseKey(o.CourseKey); k != courseKey {
		return nil, fmt.Errorf("%w: outline now describes %s", shared.ErrCourseNotFound, o.CourseKey)
	}
	return o.Structure(HashVersion(data))
}

// HashVersion derives the content version of an outline document.
func HashVersion(data []byte) string {
	return strconv.FormatUint(xxh3.Hash(data), 16)
}
