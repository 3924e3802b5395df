package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// GetSubsectionGradeQuery addresses one stored subsection grade.
type GetSubsectionGradeQuery struct {
	UserID       int64
	CourseID     string
	SubsectionID string
}

// SubsectionGradeDTO is the read model returned to API clients.
type SubsectionGradeDTO struct {
	UserID       int64              `json:"user_id"`
	CourseID     string             `json:"course_id"`
	SubsectionID string             `json:"subsection_id"`
	Earned       float64            `json:"earned"`
	Possible     float64            `json:"possible"`
	Percent      float64            `json:"percent"`
	IsComplete   bool               `json:"is_complete"`
	Graded       bool               `json:"graded"`
	Format       string             `json:"format,omitempty"`
	Problems     map[string]float64 `json:"problems,omitempty"`
	Version      int64              `json:"version"`
}

// GetSubsectionGradeHandler reads stored grades.
type GetSubsectionGradeHandler struct {
	store grades.GradeStore
}

// NewGetSubsectionGradeHandler creates the handler.
func NewGetSubsectionGradeHandler(store grades.GradeStore) *GetSubsectionGradeHandler {
	return &GetSubsectionGradeHandler{store: store}
}

// Handle returns shared.ErrGradeNotFound when nothing is stored.
func (h *GetSubsectionGradeHandler) Handle(ctx context.Context, q GetSubsectionGradeQuery) (*SubsectionGradeDTO, error) {
	courseKey, err := course.ParseCourseKey(q.CourseID)
	if err != nil {
		return nil, err
	}
	subsection, err := course.ParseUsageKey(q.SubsectionID)
	if err != nil {
		return nil, err
	}
	subsection = subsection.MapIntoCourse(courseKey)

	g, err := h.store.Read(ctx, q.UserID, subsection)
	if err != nil {
		return nil, fmt.Errorf("read grade: %w", err)
	}
	if g == nil {
		return nil, shared.ErrGradeNotFound
	}

	dto := &SubsectionGradeDTO{
		UserID:       g.UserID,
		CourseID:     g.CourseKey.String(),
		SubsectionID: g.Subsection.String(),
		Earned:       g.Earned,
		Possible:     g.Possible,
		Percent:      g.Percent(),
		IsComplete:   g.IsComplete,
		Graded:       g.Graded,
		Format:       g.Format,
		Version:      g.Version,
	}
	if len(g.Problems) > 0 {
		dto.Problems = make(map[string]float64, len(g.Problems))
		for k, s := range g.Problems {
			dto.Problems[k.String()] = s.Earned
		}
	}
	return dto, nil
}
