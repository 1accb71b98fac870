// Package progress maintains per-(user, course, module) completion records.
// It is the only writer of Progress; every write happens inside the caller's
// transaction so a record never reflects an event that was rolled back.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// Aggregator records lesson and quiz completions and derives module
// completion percentages from them.
type Aggregator struct {
	store  store.Store
	events events.Logger
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for LastAccessed.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator over st. A nil logger discards events.
func NewAggregator(st store.Store, logger events.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = events.NopLogger{}
	}
	a := &Aggregator{store: st, events: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the aggregator's current time.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// ModuleProgress returns the progress record for key as seen by rd, with the
// percentage recomputed against the module's current active lessons. A user
// with no record yet gets a zero record.
func ModuleProgress(ctx context.Context, rd store.Reader, key domain.ProgressKey) (domain.Progress, error) {
	p, err := rd.Progress(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Progress{ProgressKey: key}, nil
	}
	if err != nil {
		return domain.Progress{}, err
	}
	lessons, err := rd.Lessons(ctx, key.ModuleID)
	if err != nil {
		return domain.Progress{}, err
	}
	p.Percent = Percent(p.CompletedLessons, lessons)
	return p, nil
}

// GetModuleProgress is ModuleProgress in its own read-only unit of work.
func (a *Aggregator) GetModuleProgress(ctx context.Context, key domain.ProgressKey) (domain.Progress, error) {
	var p domain.Progress
	err := a.store.View(ctx, func(rd store.Reader) error {
		var err error
		p, err = ModuleProgress(ctx, rd, key)
		return err
	})
	return p, err
}

// Percent is 100 * completed active lessons / active lessons, or 0 for a
// module without lessons. Completions of lessons deleted since are not
// counted, which keeps the result within [0, 100].
func Percent(completed []string, lessons []domain.Lesson) float64 {
	if len(lessons) == 0 {
		return 0
	}
	n := 0
	for _, l := range lessons {
		if slices.Contains(completed, l.ID) {
			n++
		}
	}
	return float64(n) / float64(len(lessons)) * 100
}

// RecordLessonComplete marks lessonID complete for key.UserID and emits
// lesson_completed when the set changed.
func (a *Aggregator) RecordLessonComplete(ctx context.Context, key domain.ProgressKey, lessonID string) (domain.Progress, error) {
	var (
		p     domain.Progress
		added bool
	)
	err := a.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		p, added, err = a.RecordLessonCompleteTx(ctx, tx, key, lessonID)
		return err
	})
	if err != nil {
		return domain.Progress{}, err
	}
	if added {
		events.Emit(ctx, a.events, LessonCompletedEvent(key, lessonID, p.Percent))
	}
	return p, nil
}

// RecordLessonCompleteTx adds lessonID to the completed set inside tx. The
// bool reports whether the set changed; recording a completion twice is a
// no-op apart from LastAccessed. A lesson that requires its quiz to be
// passed is rejected until the pass is recorded.
func (a *Aggregator) RecordLessonCompleteTx(ctx context.Context, tx store.Tx, key domain.ProgressKey, lessonID string) (domain.Progress, bool, error) {
	lesson, err := lessonInModule(ctx, tx, key, lessonID)
	if err != nil {
		return domain.Progress{}, false, err
	}

	p, err := fetchOrCreate(ctx, tx, key)
	if err != nil {
		return domain.Progress{}, false, err
	}

	if lesson.QuizSettings.RequireQuizPass && lesson.QuizID != "" && !p.HasQuiz(lesson.QuizID) {
		return domain.Progress{}, false, domain.Conflict(domain.ReasonQuizPassRequired,
			"lesson %s requires quiz %s to be passed first", lessonID, lesson.QuizID)
	}

	var added bool
	p.CompletedLessons, added = domain.AddToSet(p.CompletedLessons, lessonID)
	p, err = a.save(ctx, tx, p)
	if err != nil {
		return domain.Progress{}, false, err
	}
	return p, added, nil
}

// RecordQuizPass marks quizID passed for key.UserID and emits quiz_passed
// when the set changed.
func (a *Aggregator) RecordQuizPass(ctx context.Context, key domain.ProgressKey, lessonID, quizID string) (domain.Progress, error) {
	var (
		p     domain.Progress
		added bool
	)
	err := a.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		p, added, err = a.RecordQuizPassTx(ctx, tx, key, lessonID, quizID)
		return err
	})
	if err != nil {
		return domain.Progress{}, err
	}
	if added {
		events.Emit(ctx, a.events, QuizPassedEvent(key, quizID, p.Percent))
	}
	return p, nil
}

// RecordQuizPassTx adds quizID to the passed set inside tx.
func (a *Aggregator) RecordQuizPassTx(ctx context.Context, tx store.Tx, key domain.ProgressKey, lessonID, quizID string) (domain.Progress, bool, error) {
	lesson, err := lessonInModule(ctx, tx, key, lessonID)
	if err != nil {
		return domain.Progress{}, false, err
	}
	if lesson.QuizID != quizID {
		return domain.Progress{}, false, domain.Validationf("quiz %s does not belong to lesson %s", quizID, lessonID)
	}

	p, err := fetchOrCreate(ctx, tx, key)
	if err != nil {
		return domain.Progress{}, false, err
	}

	var added bool
	p.CompletedQuizzes, added = domain.AddToSet(p.CompletedQuizzes, quizID)
	p, err = a.save(ctx, tx, p)
	if err != nil {
		return domain.Progress{}, false, err
	}
	return p, added, nil
}

// RemoveQuizTx pulls quizID out of the passed set. Missing records are left
// alone.
func (a *Aggregator) RemoveQuizTx(ctx context.Context, tx store.Tx, key domain.ProgressKey, quizID string) (bool, error) {
	p, err := tx.Progress(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var removed bool
	p.CompletedQuizzes, removed = domain.RemoveFromSet(p.CompletedQuizzes, quizID)
	if !removed {
		return false, nil
	}
	if _, err := a.save(ctx, tx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Aggregator) save(ctx context.Context, tx store.Tx, p domain.Progress) (domain.Progress, error) {
	lessons, err := tx.Lessons(ctx, p.ModuleID)
	if err != nil {
		return domain.Progress{}, err
	}
	p.Percent = Percent(p.CompletedLessons, lessons)
	p.LastAccessed = a.now()
	if err := tx.PutProgress(ctx, p); err != nil {
		return domain.Progress{}, fmt.Errorf("saving progress: %w", err)
	}
	slog.Debug("progress saved",
		"user_id", p.UserID,
		"module_id", p.ModuleID,
		"progress", p.Percent,
	)
	return p, nil
}

func fetchOrCreate(ctx context.Context, tx store.Tx, key domain.ProgressKey) (domain.Progress, error) {
	p, err := tx.Progress(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Progress{ProgressKey: key}, nil
	}
	return p, err
}

func lessonInModule(ctx context.Context, rd store.Reader, key domain.ProgressKey, lessonID string) (domain.Lesson, error) {
	if key.UserID == "" || key.CourseID == "" || key.ModuleID == "" {
		return domain.Lesson{}, domain.Validationf("user, course and module are required")
	}
	module, err := rd.Module(ctx, key.ModuleID)
	if err != nil {
		return domain.Lesson{}, err
	}
	if module.CourseID != key.CourseID {
		return domain.Lesson{}, domain.NotFound("module", key.ModuleID)
	}
	lesson, err := rd.Lesson(ctx, lessonID)
	if err != nil {
		return domain.Lesson{}, err
	}
	if lesson.ModuleID != key.ModuleID {
		return domain.Lesson{}, domain.NotFound("lesson", lessonID)
	}
	return lesson, nil
}

// LessonCompletedEvent builds the audit event for a new lesson completion.
func LessonCompletedEvent(key domain.ProgressKey, lessonID string, percent float64) events.Event {
	return events.Event{
		UserID: key.UserID,
		Type:   events.LessonCompleted,
		Data: map[string]any{
			"course_id": key.CourseID,
			"module_id": key.ModuleID,
			"lesson_id": lessonID,
			"progress":  percent,
		},
	}
}

// QuizPassedEvent builds the audit event for a newly passed quiz.
func QuizPassedEvent(key domain.ProgressKey, quizID string, percent float64) events.Event {
	return events.Event{
		UserID: key.UserID,
		Type:   events.QuizPassed,
		Data: map[string]any{
			"course_id": key.CourseID,
			"module_id": key.ModuleID,
			"quiz_id":   quizID,
			"progress":  percent,
		},
	}
}
