// Package shared holds the error kinds and bus events every grading package
// agrees on. It imports only the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is; concrete errors below carry one of
// these as their Kind.
var (
	ErrNotFound = errors.New("entity not found")

	ErrValidation    = errors.New("validation error")
	ErrInvalidID     = errors.New("invalid ID")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidFormat = errors.New("invalid format")

	ErrStateTransition = errors.New("invalid state transition")

	// ErrConflict and ErrStaleRead are the two kinds a recalculation may
	// repeat with the same payload.
	ErrConflict  = errors.New("concurrent modification detected")
	ErrStaleRead = errors.New("read-after-write returned stale state")
)

// DomainError locates a failure: which area, which step, what kind.
type DomainError struct {
	Domain  string
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Domain + "." + e.Op + ": " + e.Message
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap prefers the cause. Is still matches the kind when a cause is set.
func (e *DomainError) Unwrap() error {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	return (e.Kind != nil && errors.Is(e.Kind, target)) ||
		(e.Err != nil && errors.Is(e.Err, target))
}

func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return WrapError(domain, op, kind, message, nil)
}

// WrapError attaches a cause. A nil err behaves like NewDomainError.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

var (
	ErrGradeNotFound      = NewDomainError("grades", "Read", ErrNotFound, "subsection grade not found")
	ErrContentNotFound    = NewDomainError("grades", "Locate", ErrNotFound, "scored block is not inside any subsection")
	ErrScoreNotVisible    = NewDomainError("grades", "CheckComplete", ErrStaleRead, "persisted score does not reflect the triggering event yet")
	ErrGradeNotReadBack   = NewDomainError("grades", "CheckComplete", ErrStaleRead, "written grade not visible on read-back")
	ErrInvalidScoreChange = NewDomainError("grades", "Validate", ErrValidation, "invalid score change event")

	ErrCourseNotFound = NewDomainError("course", "Find", ErrNotFound, "course structure not found")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation covers every malformed-input kind.
func IsValidation(err error) bool {
	for _, kind := range []error{ErrValidation, ErrInvalidID, ErrInvalidInput, ErrInvalidFormat} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func IsStaleRead(err error) bool {
	return errors.Is(err, ErrStaleRead)
}

// IsRetryable reports kinds that may clear up on their own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || IsStaleRead(err)
}
