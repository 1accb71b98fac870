// Package access decides what a caller may see and do in a course. It is a
// pure query layer over enrollments, the prerequisite graph and progress
// records and never writes.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  domain.Reason `json:"reason,omitempty"`
}

// Err converts a denial into a domain error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.Denied(d.Reason)
}

var allowed = Decision{Allowed: true}

func denied(reason domain.Reason) Decision {
	return Decision{Reason: reason}
}

// TimeSource reports time spent by a user on a lesson.
type TimeSource interface {
	TimeSpent(ctx context.Context, userID, lessonID string) (time.Duration, error)
}

// Resolver answers access questions.
type Resolver struct {
	store store.Store
	time  TimeSource
}

// NewResolver creates a resolver. A nil TimeSource reports zero time spent
// for everyone.
func NewResolver(st store.Store, ts TimeSource) *Resolver {
	return &Resolver{store: st, time: ts}
}

// CanAccessModule decides whether actor may open a module.
func (r *Resolver) CanAccessModule(ctx context.Context, actor domain.Actor, courseID, moduleID string) (Decision, error) {
	var d Decision
	err := r.store.View(ctx, func(rd store.Reader) error {
		var err error
		d, err = r.CheckModule(ctx, rd, actor, courseID, moduleID)
		return err
	})
	return d, err
}

// CheckModule is CanAccessModule over an open reader. Staff and the course
// creator are always allowed. Otherwise the actor needs an enrollment that
// covers the module and enough progress in every prerequisite.
func (r *Resolver) CheckModule(ctx context.Context, rd store.Reader, actor domain.Actor, courseID, moduleID string) (Decision, error) {
	course, module, err := courseModule(ctx, rd, courseID, moduleID)
	if err != nil {
		return Decision{}, err
	}
	if privileged(actor, course) {
		return allowed, nil
	}

	e, err := rd.Enrollment(ctx, actor.UserID, courseID)
	if errors.Is(err, domain.ErrNotFound) {
		return denied(domain.ReasonNotEnrolled), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("loading enrollment: %w", err)
	}
	if e.Type != domain.EnrollmentFull && !e.HasModule(moduleID) {
		return denied(domain.ReasonModuleNotPurchased), nil
	}

	ok, err := prerequisitesMet(ctx, rd, actor.UserID, module)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return denied(domain.ReasonPrerequisitesNotMet), nil
	}
	return allowed, nil
}

// prerequisitesMet checks each prerequisite's progress against its required
// percentage. Prerequisites that were deleted no longer gate.
func prerequisitesMet(ctx context.Context, rd store.Reader, userID string, module domain.Module) (bool, error) {
	for _, prereqID := range module.Prerequisites {
		if _, err := rd.Module(ctx, prereqID); errors.Is(err, domain.ErrNotFound) {
			continue
		} else if err != nil {
			return false, err
		}
		p, err := progress.ModuleProgress(ctx, rd, domain.ProgressKey{
			UserID:   userID,
			CourseID: module.CourseID,
			ModuleID: prereqID,
		})
		if err != nil {
			return false, fmt.Errorf("loading prerequisite progress: %w", err)
		}
		if p.Percent < module.RequiredPercent(prereqID) {
			return false, nil
		}
	}
	return true, nil
}

// CanAttemptQuiz decides whether actor may start the quiz of a lesson.
func (r *Resolver) CanAttemptQuiz(ctx context.Context, actor domain.Actor, courseID, moduleID, lessonID string) (Decision, error) {
	var d Decision
	err := r.store.View(ctx, func(rd store.Reader) error {
		var err error
		d, err = r.CheckQuizEntry(ctx, rd, actor, courseID, moduleID, lessonID)
		return err
	})
	return d, err
}

// CheckQuizEntry is CanAttemptQuiz over an open reader. On top of module
// access it requires, in order, the lesson's minimum time and, when the
// lesson asks for it, a pass of the previous lesson's quiz. Staff bypass
// both.
func (r *Resolver) CheckQuizEntry(ctx context.Context, rd store.Reader, actor domain.Actor, courseID, moduleID, lessonID string) (Decision, error) {
	d, err := r.CheckModule(ctx, rd, actor, courseID, moduleID)
	if err != nil || !d.Allowed {
		return d, err
	}

	lesson, err := rd.Lesson(ctx, lessonID)
	if err != nil {
		return Decision{}, err
	}
	if lesson.ModuleID != moduleID {
		return Decision{}, domain.NotFound("lesson", lessonID)
	}
	if lesson.QuizID == "" {
		return Decision{}, domain.NotFound("quiz for lesson", lessonID)
	}
	if actor.IsStaff() {
		return allowed, nil
	}

	if required := lesson.QuizSettings.MinimumTime(); required > 0 {
		spent, err := r.timeSpent(ctx, actor.UserID, lessonID)
		if err != nil {
			return Decision{}, err
		}
		if spent < required {
			return denied(domain.ReasonQuizTimeNotMet), nil
		}
	}

	if lesson.QuizSettings.RequirePreviousPass {
		ok, err := previousQuizPassed(ctx, rd, actor.UserID, courseID, lesson)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return denied(domain.ReasonPreviousQuizNotPassed), nil
		}
	}
	return allowed, nil
}

func (r *Resolver) timeSpent(ctx context.Context, userID, lessonID string) (time.Duration, error) {
	if r.time == nil {
		return 0, nil
	}
	spent, err := r.time.TimeSpent(ctx, userID, lessonID)
	if err != nil {
		return 0, fmt.Errorf("reading time on lesson: %w", err)
	}
	return spent, nil
}

// previousQuizPassed checks the quiz of the lesson immediately before lesson
// by order. The first lesson and a predecessor without a quiz pass.
func previousQuizPassed(ctx context.Context, rd store.Reader, userID, courseID string, lesson domain.Lesson) (bool, error) {
	lessons, err := rd.Lessons(ctx, lesson.ModuleID)
	if err != nil {
		return false, err
	}
	var prev *domain.Lesson
	for i := range lessons {
		if lessons[i].ID == lesson.ID {
			break
		}
		prev = &lessons[i]
	}
	if prev == nil || prev.QuizID == "" {
		return true, nil
	}
	p, err := progress.ModuleProgress(ctx, rd, domain.ProgressKey{
		UserID:   userID,
		CourseID: courseID,
		ModuleID: lesson.ModuleID,
	})
	if err != nil {
		return false, err
	}
	return p.HasQuiz(prev.QuizID), nil
}

func courseModule(ctx context.Context, rd store.Reader, courseID, moduleID string) (domain.Course, domain.Module, error) {
	course, err := rd.Course(ctx, courseID)
	if err != nil {
		return domain.Course{}, domain.Module{}, err
	}
	module, err := rd.Module(ctx, moduleID)
	if err != nil {
		return domain.Course{}, domain.Module{}, err
	}
	if module.CourseID != courseID {
		return domain.Course{}, domain.Module{}, domain.NotFound("module", moduleID)
	}
	return course, module, nil
}

// privileged reports whether actor has unconditional access to course.
func privileged(actor domain.Actor, course domain.Course) bool {
	return actor.IsStaff() || (actor.UserID != "" && actor.UserID == course.CreatorID)
}
