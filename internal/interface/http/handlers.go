package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alem-hub/persistent-grades/internal/application/query"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"name":    "persistent-grades",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":           "/health",
			"metrics":          "/metrics",
			"subsection_grade": "/api/v1/grades/{user_id}/{course_id}/subsections/{subsection_id}",
			"course_sock":      "/api/v1/courses/{course_id}/sock?user_id=",
		},
	})
}

// handleHealth reports every registered check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady handles the readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe. It never touches dependencies.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetSubsectionGrade handles
// GET /api/v1/grades/{user_id}/{course_id}/subsections/{subsection_id}.
func (s *Server) handleGetSubsectionGrade(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetSubsectionGrade == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Grade handler not configured")
		return
	}

	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_user_id", "user_id must be a positive integer")
		return
	}

	dto, err := s.deps.GetSubsectionGrade.Handle(r.Context(), query.GetSubsectionGradeQuery{
		UserID:       userID,
		CourseID:     r.PathValue("course_id"),
		SubsectionID: r.PathValue("subsection_id"),
	})
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// COURSE SOCK HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetCourseSock handles GET /api/v1/courses/{course_id}/sock.
//
// Query parameters:
//   - user_id (required)
//   - masquerade=student: render as a learner
//   - masquerade_group: enrollment-track group to render as; implies masquerade=student
func (s *Server) handleGetCourseSock(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetVerificationContext == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Course sock handler not configured")
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_user_id", "user_id must be a positive integer")
		return
	}

	masquerade, err := parseMasquerade(r)
	if err != nil {
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_masquerade", "Invalid masquerade parameters", err.Error())
		return
	}

	dto, err := s.deps.GetVerificationContext.Handle(r.Context(), query.GetVerificationContextQuery{
		UserID:     userID,
		CourseID:   r.PathValue("course_id"),
		Masquerade: masquerade,
	})
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

var errMasqueradeGroup = errors.New("masquerade_group must be a positive integer")

func parseMasquerade(r *http.Request) (*enrollment.Masquerade, error) {
	q := r.URL.Query()
	role := q.Get("masquerade")
	rawGroup := q.Get("masquerade_group")

	if role == "" && rawGroup == "" {
		return nil, nil
	}
	if role == "" {
		role = "student"
	}

	m := &enrollment.Masquerade{Role: role}
	if rawGroup != "" {
		group, err := strconv.Atoi(rawGroup)
		if err != nil || group <= 0 {
			return nil, errMasqueradeGroup
		}
		m.GroupID = &group
	}
	return m, nil
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case shared.IsNotFound(err):
		writeJSONError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		logger.FromContext(r.Context()).Error("query failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
	}
}
