package grades

import (
	"errors"
	"fmt"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// ConflictError is returned by GradeStore.Write when another writer stored a
// different version of the same user+subsection grade first.
type ConflictError struct {
	UserID          int64
	Subsection      course.UsageKey
	ExpectedVersion int64
	Err             error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("grade conflict for user %d on %s (expected version %d)", e.UserID, e.Subsection, e.ExpectedVersion)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Is matches shared.ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == shared.ErrConflict
}

// NewConflictError builds a ConflictError for grade g.
func NewConflictError(g *SubsectionGrade, cause error) *ConflictError {
	return &ConflictError{
		UserID:          g.UserID,
		Subsection:      g.Subsection,
		ExpectedVersion: g.Version,
		Err:             cause,
	}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
