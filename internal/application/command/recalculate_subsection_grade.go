// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECALCULATE SUBSECTION GRADE COMMAND
// Brings one learner's subsection grades up to date after a problem score
// changed. Runs once per task attempt; the task runner owns retries.
// ══════════════════════════════════════════════════════════════════════════════

// RecalculateSubsectionGradeCommand carries the task payload.
type RecalculateSubsectionGradeCommand struct {
	Event grades.ScoreChangeEvent

	// TaskID is propagated as the correlation id of emitted events.
	TaskID string
}

// SkipReason explains a successful attempt that wrote nothing.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipFeatureDisabled SkipReason = "feature_disabled"
	SkipNotHigher       SkipReason = "not_higher"
)

// RecalculateSubsectionGradeResult describes a successful attempt.
type RecalculateSubsectionGradeResult struct {
	Skipped SkipReason

	// Grades holds the grades written and verified in this attempt.
	Grades []*grades.SubsectionGrade

	// Events contains the notifications published.
	Events []shared.Event
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecalculateSubsectionGradeHandler handles RecalculateSubsectionGradeCommand.
type RecalculateSubsectionGradeHandler struct {
	gate       grades.FeatureGate
	structures course.StructureProvider
	scores     grades.ScoreStore
	store      grades.GradeStore
	publisher  shared.EventPublisher
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

// RecalculateSubsectionGradeConfig contains optional collaborators.
type RecalculateSubsectionGradeConfig struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewRecalculateSubsectionGradeHandler creates the handler.
func NewRecalculateSubsectionGradeHandler(
	gate grades.FeatureGate,
	structures course.StructureProvider,
	scores grades.ScoreStore,
	store grades.GradeStore,
	publisher shared.EventPublisher,
	config RecalculateSubsectionGradeConfig,
) *RecalculateSubsectionGradeHandler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &RecalculateSubsectionGradeHandler{
		gate:       gate,
		structures: structures,
		scores:     scores,
		store:      store,
		publisher:  publisher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     config.Logger.With("handler", "recalculate_subsection_grade"),
		now:        config.Clock,
	}
}

// Handle runs one attempt.
//
// Errors wrapped with retry.Permanent abandon the task (bad payload, content
// no longer in the course). Errors wrapped with retry.Retryable ask for
// another attempt with the same payload (write conflict, scores or grade not
// visible yet, notification not accepted by the bus).
func (h *RecalculateSubsectionGradeHandler) Handle(ctx context.Context, cmd RecalculateSubsectionGradeCommand) (*RecalculateSubsectionGradeResult, error) {
	ev := cmd.Event
	if err := h.validate.Struct(ev); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", shared.ErrInvalidScoreChange, err))
	}
	courseKey, usageKey, err := ev.Keys()
	if err != nil {
		return nil, retry.Permanent(err)
	}

	log := h.logger.With(
		"task_id", cmd.TaskID,
		"user_id", ev.UserID,
		"course_id", ev.CourseID,
		"usage_id", ev.UsageID,
	)

	// 1. Feature gate
	enabled, err := h.gate.IsEnabled(ctx, courseKey)
	if err != nil {
		return nil, fmt.Errorf("recalculate_subsection_grade: feature gate: %w", err)
	}
	if !enabled {
		log.Debug("persistent grades disabled, skipping")
		return &RecalculateSubsectionGradeResult{Skipped: SkipFeatureDisabled}, nil
	}

	// 2. Block structure, once per attempt
	structure, err := h.structures.GetOrBuild(ctx, courseKey)
	if err != nil {
		return nil, fmt.Errorf("recalculate_subsection_grade: block structure: %w", err)
	}

	// 3. Subsection location
	subsections := structure.SubsectionsContaining(usageKey)
	if len(subsections) == 0 {
		log.Warn("scored block not found in any subsection")
		return nil, retry.Permanent(fmt.Errorf("%w: %s", shared.ErrContentNotFound, usageKey))
	}

	// Persisted scores for every scorable block involved, in one read.
	scores, err := h.scores.ListForUser(ctx, ev.UserID, courseKey, scorableUnion(structure, subsections, usageKey))
	if err != nil {
		return nil, fmt.Errorf("recalculate_subsection_grade: list scores: %w", err)
	}

	trigger := grades.TriggerFrom(ev, usageKey)
	if !trigger.Visible(scores) {
		log.Info("triggering score not visible yet, retrying")
		return nil, retry.Retryable(shared.ErrScoreNotVisible)
	}

	result := &RecalculateSubsectionGradeResult{}
	now := h.now()

	for _, subsection := range subsections {
		written, err := h.updateSubsection(ctx, structure, subsection, ev, trigger, scores, now)
		if err != nil {
			return nil, err
		}
		if written == nil {
			continue
		}
		result.Grades = append(result.Grades, written)
	}

	if len(result.Grades) == 0 {
		log.Debug("stored grade is not lower, skipping")
		result.Skipped = SkipNotHigher
		return result, nil
	}

	// 8. Notification, after every subsection is confirmed
	for _, g := range result.Grades {
		event := grades.NewSubsectionScoreChanged(g, cmd.TaskID)
		if err := h.publisher.Publish(event); err != nil {
			// Rewrites are idempotent; the next attempt publishes again.
			log.Warn("failed to publish subsection score change", "subsection_id", g.Subsection.String(), "error", err)
			return nil, retry.Retryable(fmt.Errorf("recalculate_subsection_grade: publish %s: %w", g.Subsection, err))
		}
		result.Events = append(result.Events, event)
	}

	log.Info("subsection grades recalculated", "subsections", len(result.Grades))
	return result, nil
}

// updateSubsection covers steps 4 to 7 for one subsection. It returns nil
// when the monotonic rule skipped the write.
func (h *RecalculateSubsectionGradeHandler) updateSubsection(
	ctx context.Context,
	structure *course.BlockStructure,
	subsection course.UsageKey,
	ev grades.ScoreChangeEvent,
	trigger grades.Trigger,
	scores map[course.UsageKey]grades.ProblemScore,
	now time.Time,
) (*grades.SubsectionGrade, error) {
	stored, err := h.store.Read(ctx, ev.UserID, subsection)
	if err != nil {
		return nil, fmt.Errorf("recalculate_subsection_grade: read grade: %w", err)
	}

	candidate := grades.ComputeSubsectionGrade(structure, subsection, ev.UserID, scores, trigger, now)
	if !ev.ScoreDeleted && !grades.ShouldApply(stored, candidate, trigger.Usage, ev.MonotonicOnly()) {
		return nil, nil
	}
	if stored != nil {
		candidate.Version = stored.Version
	}

	if err := h.store.Write(ctx, candidate); err != nil {
		if grades.IsConflict(err) {
			return nil, retry.Retryable(err)
		}
		return nil, fmt.Errorf("recalculate_subsection_grade: write grade: %w", err)
	}

	readBack, err := h.store.Read(ctx, ev.UserID, subsection)
	if err != nil {
		return nil, fmt.Errorf("recalculate_subsection_grade: read back grade: %w", err)
	}
	if readBack == nil || readBack.Version < candidate.Version || !readBack.SameGrade(candidate) || !readBack.IsComplete {
		return nil, retry.Retryable(shared.ErrGradeNotReadBack)
	}

	return readBack, nil
}

func scorableUnion(structure *course.BlockStructure, subsections []course.UsageKey, trigger course.UsageKey) []course.UsageKey {
	seen := map[course.UsageKey]bool{trigger: true}
	out := []course.UsageKey{trigger}
	for _, s := range subsections {
		for _, b := range structure.ScorableDescendants(s) {
			if !seen[b.Key] {
				seen[b.Key] = true
				out = append(out, b.Key)
			}
		}
	}
	return out
}
